package tokens

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/registry"
)

type fakeCreds struct{}

func (fakeCreds) Credentials(accountID string) (domain.Credentials, error) {
	return domain.Credentials{}, nil
}

func newTestRoster(t *testing.T, ids ...string) *registry.AccountRoster {
	t.Helper()
	r := registry.NewAccountRoster(fakeCreds{})
	for i, id := range ids {
		require.NoError(t, r.Register(id, "zerodha", i, domain.PolicyForceLive))
	}
	return r
}

type stubProvider struct {
	calls atomic.Int32
	fn    func(accountID string) (string, time.Time, error)
}

func (p *stubProvider) Refresh(ctx context.Context, account *domain.Account) (string, time.Time, error) {
	p.calls.Add(1)
	return p.fn(account.ID)
}

func newTestRefresher(t *testing.T, roster *registry.AccountRoster, provider Provider) *Refresher {
	t.Helper()
	store := NewStore(t.TempDir())
	r, err := New(roster, provider, store, nil, Config{
		ScheduleHour:      7,
		ScheduleTZ:        "UTC",
		PreemptiveMinutes: 60,
	}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestRefreshNowPersistsTokenState(t *testing.T) {
	roster := newTestRoster(t, "A")
	expiry := time.Now().Add(6 * time.Hour)
	provider := &stubProvider{fn: func(string) (string, time.Time, error) { return "TOK1", expiry, nil }}
	r := newTestRefresher(t, roster, provider)

	require.NoError(t, r.RefreshNow(context.Background(), "A"))

	ts, ok := r.Current("A")
	require.True(t, ok)
	require.Equal(t, "TOK1", ts.AccessToken)
	require.Equal(t, domain.TokenFresh, ts.Status)
	require.WithinDuration(t, expiry, ts.ExpiresAt, time.Second)
}

func TestRefreshNowPersistsAcrossStoreInstances(t *testing.T) {
	roster := newTestRoster(t, "A")
	dir := t.TempDir()
	expiry := time.Now().Add(6 * time.Hour)
	provider := &stubProvider{fn: func(string) (string, time.Time, error) { return "TOK2", expiry, nil }}
	store := NewStore(dir)
	r, err := New(roster, provider, store, nil, Config{ScheduleHour: 7, ScheduleTZ: "UTC", PreemptiveMinutes: 60}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.RefreshNow(context.Background(), "A"))

	// A fresh Store rooted at the same directory must recover the token
	// from disk (§6.5 durability across restarts).
	reloaded := NewStore(dir)
	ts, ok := reloaded.Current("A")
	require.True(t, ok)
	require.Equal(t, "TOK2", ts.AccessToken)
}

func TestRefreshFailureMarksTokenInvalid(t *testing.T) {
	roster := newTestRoster(t, "A")
	provider := &stubProvider{fn: func(string) (string, time.Time, error) {
		return "", time.Time{}, domain.NewError(domain.KindAuth, "bad credentials", nil)
	}}
	r := newTestRefresher(t, roster, provider)

	err := r.RefreshNow(context.Background(), "A")
	require.Error(t, err)

	ts, ok := r.Current("A")
	require.True(t, ok)
	require.Equal(t, domain.TokenInvalid, ts.Status)
}

func TestConcurrentRefreshRequestsForSameAccountDeduplicate(t *testing.T) {
	roster := newTestRoster(t, "A")
	expiry := time.Now().Add(6 * time.Hour)
	provider := &stubProvider{fn: func(string) (string, time.Time, error) {
		time.Sleep(20 * time.Millisecond)
		return "TOK3", expiry, nil
	}}
	r := newTestRefresher(t, roster, provider)

	done := make(chan error, 2)
	go func() { done <- r.RefreshNow(context.Background(), "A") }()
	go func() { done <- r.RefreshNow(context.Background(), "A") }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.Equal(t, int32(1), provider.calls.Load(), "concurrent refreshes for the same account must dedupe into one provider call")
}

func TestScanAndRefreshExpiringOnlyTouchesAccountsNearExpiry(t *testing.T) {
	roster := newTestRoster(t, "FRESH", "STALE")
	var refreshed []string
	provider := &stubProvider{fn: func(accountID string) (string, time.Time, error) {
		refreshed = append(refreshed, accountID)
		return "TOK", time.Now().Add(6 * time.Hour), nil
	}}
	r := newTestRefresher(t, roster, provider)

	require.NoError(t, r.store.Set("FRESH", domain.TokenState{
		AccessToken: "ALREADY", ExpiresAt: time.Now().Add(5 * time.Hour), Status: domain.TokenFresh,
	}))
	require.NoError(t, r.store.Set("STALE", domain.TokenState{
		AccessToken: "ABOUT_TO_EXPIRE", ExpiresAt: time.Now().Add(time.Minute), Status: domain.TokenFresh,
	}))

	r.scanAndRefreshExpiring(context.Background())

	require.ElementsMatch(t, []string{"STALE"}, refreshed)
}
