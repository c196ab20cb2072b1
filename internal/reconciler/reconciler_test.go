package reconciler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/registry"
)

type fakeDesired struct {
	mu sync.Mutex
	m  map[uint32]Desired
}

func (f *fakeDesired) set(m map[uint32]Desired) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = m
}

func (f *fakeDesired) Desired() map[uint32]Desired {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint32]Desired, len(f.m))
	for k, v := range f.m {
		out[k] = v
	}
	return out
}

type fakeApplier struct {
	mu    sync.Mutex
	calls []Diff
	fail  map[string]bool
}

func (f *fakeApplier) Apply(accountID string, diff Diff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[accountID] {
		return assertErr
	}
	f.calls = append(f.calls, diff)
	return nil
}

var assertErr = &testErr{"rpc failed"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

type fakeCreds struct{}

func (fakeCreds) Credentials(accountID string) (domain.Credentials, error) {
	return domain.Credentials{}, nil
}

type acctSpec struct {
	ID       string
	Priority int
}

func newRoster(t *testing.T, accounts ...acctSpec) *registry.AccountRoster {
	t.Helper()
	r := registry.NewAccountRoster(fakeCreds{})
	for _, a := range accounts {
		require.NoError(t, r.Register(a.ID, "broker", a.Priority, domain.PolicyForceLive))
		acct, _ := r.Get(a.ID)
		acct.CurrentMode = domain.ModeLive
	}
	return r
}

func findDiff(t *testing.T, calls []Diff, accountID string) Diff {
	t.Helper()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].AccountID == accountID {
			return calls[i]
		}
	}
	t.Fatalf("no diff recorded for account %q", accountID)
	return Diff{}
}

func TestAssignsToLowestPriorityAccount(t *testing.T) {
	roster := newRoster(t, acctSpec{"A", 1}, acctSpec{"B", 2})

	desired := &fakeDesired{}
	desired.set(map[uint32]Desired{
		11111: {Token: 11111, Mode: domain.ModeLTP},
	})
	applier := &fakeApplier{fail: map[string]bool{}}
	rec := New(desired, roster, applier, zerolog.Nop())

	rec.runOnce()

	require.Len(t, applier.calls, 1)
	require.Equal(t, "A", applier.calls[0].AccountID)
	require.Contains(t, applier.calls[0].ToAdd, uint32(11111))
}

func TestStableAssignmentUnlessAccountLost(t *testing.T) {
	roster := newRoster(t, acctSpec{"A", 1}, acctSpec{"B", 2})

	desired := &fakeDesired{}
	desired.set(map[uint32]Desired{11111: {Token: 11111, Mode: domain.ModeLTP}})
	applier := &fakeApplier{fail: map[string]bool{}}
	rec := New(desired, roster, applier, zerolog.Nop())
	rec.SetMinInterval(0)

	rec.runOnce()
	require.Equal(t, "A", applier.calls[len(applier.calls)-1].AccountID)

	// account A deregistered; B must pick up the token within the next cycle.
	roster.Deregister("A")
	rec.runOnce()
	diffForB := findDiff(t, applier.calls, "B")
	require.Contains(t, diffForB.ToAdd, uint32(11111))
}

func TestUpgradeAndDowngradeDiff(t *testing.T) {
	roster := newRoster(t, acctSpec{"A", 1})
	desired := &fakeDesired{}
	applier := &fakeApplier{fail: map[string]bool{}}
	rec := New(desired, roster, applier, zerolog.Nop())
	rec.SetMinInterval(0)

	desired.set(map[uint32]Desired{1: {Token: 1, Mode: domain.ModeLTP}})
	rec.runOnce()

	desired.set(map[uint32]Desired{1: {Token: 1, Mode: domain.ModeFull}})
	rec.runOnce()
	last := applier.calls[len(applier.calls)-1]
	require.Contains(t, last.ToUpgrade, uint32(1))
	require.Equal(t, domain.ModeFull, last.ToUpgrade[1])
}

func TestRemovalWhenHolderGone(t *testing.T) {
	roster := newRoster(t, acctSpec{"A", 1})
	desired := &fakeDesired{}
	applier := &fakeApplier{fail: map[string]bool{}}
	rec := New(desired, roster, applier, zerolog.Nop())
	rec.SetMinInterval(0)

	desired.set(map[uint32]Desired{1: {Token: 1, Mode: domain.ModeLTP}})
	rec.runOnce()

	desired.set(map[uint32]Desired{})
	rec.runOnce()
	last := applier.calls[len(applier.calls)-1]
	require.Equal(t, []uint32{1}, last.ToRemove)
}

func TestEvictionWhenSaturated(t *testing.T) {
	roster := newRoster(t, acctSpec{"A", 1})
	desired := &fakeDesired{}
	applier := &fakeApplier{fail: map[string]bool{}}
	rec := New(desired, roster, applier, zerolog.Nop())
	rec.SetMinInterval(0)
	rec.SetMaxTokensPerAccount(1)

	desired.set(map[uint32]Desired{1: {Token: 1, Mode: domain.ModeLTP, LastTickedAt: time.Now()}})
	rec.runOnce()

	desired.set(map[uint32]Desired{
		1: {Token: 1, Mode: domain.ModeLTP, LastTickedAt: time.Now()},
		2: {Token: 2, Mode: domain.ModeLTP, LastTickedAt: time.Now().Add(-time.Hour)},
	})
	rec.runOnce()

	last := applier.calls[len(applier.calls)-1]
	require.Contains(t, last.ToAdd, uint32(2))
	require.Contains(t, last.ToRemove, uint32(1))
}
