package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/domain"
)

func TestStoreCurrentMissingAccountReturnsFalse(t *testing.T) {
	store := NewStore(t.TempDir())
	_, ok := store.Current("nobody")
	require.False(t, ok)
}

func TestStoreSetThenCurrentRoundTrips(t *testing.T) {
	store := NewStore(t.TempDir())
	ts := domain.TokenState{
		AccessToken: "ABC123",
		IssuedAt:    time.Now().Add(-time.Hour).Truncate(time.Second),
		ExpiresAt:   time.Now().Add(7 * time.Hour).Truncate(time.Second),
		Status:      domain.TokenFresh,
	}
	require.NoError(t, store.Set("A", ts))

	got, ok := store.Current("A")
	require.True(t, ok)
	require.Equal(t, ts.AccessToken, got.AccessToken)
	require.True(t, ts.ExpiresAt.Equal(got.ExpiresAt))
}

func TestStoreRefreshingStatusIsNotPersistedToDisk(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Set("A", domain.TokenState{Status: domain.TokenRefreshing}))

	// An in-memory reader on the same Store instance sees the transient
	// refreshing status immediately.
	ts, ok := store.Current("A")
	require.True(t, ok)
	require.Equal(t, domain.TokenRefreshing, ts.Status)

	// But a fresh Store rooted at the same directory has nothing to load,
	// because refreshing/invalid states never touch disk (§6.5 only
	// persists a successful token).
	reloaded := NewStore(dir)
	_, ok = reloaded.Current("A")
	require.False(t, ok)
}

func TestStoreFilePermissionsAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Set("A", domain.TokenState{
		AccessToken: "SECRET",
		ExpiresAt:   time.Now().Add(time.Hour),
		Status:      domain.TokenFresh,
	}))

	info, err := store.readFileInfo("A")
	require.NoError(t, err)
	require.Equal(t, uint32(0600), uint32(info.Mode().Perm()))
}
