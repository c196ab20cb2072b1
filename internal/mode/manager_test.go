package mode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/domain"
)

type fakeCalendar struct {
	open bool
	err  error
	calls int
}

func (f *fakeCalendar) IsOpen(ctx context.Context, code string, t time.Time) (bool, error) {
	f.calls++
	return f.open, f.err
}

func TestResolveForcePolicies(t *testing.T) {
	m := NewManager(&fakeCalendar{}, "NSE", zerolog.Nop())
	acct := &domain.Account{ID: "a", Policy: domain.PolicyForceMock}
	require.Equal(t, domain.ModeMock, m.Resolve(context.Background(), acct, time.Now()))

	acct.Policy = domain.PolicyForceLive
	require.Equal(t, domain.ModeLive, m.Resolve(context.Background(), acct, time.Now()))

	acct.Policy = domain.PolicyOff
	require.Equal(t, domain.ModeOff, m.Resolve(context.Background(), acct, time.Now()))
}

func TestResolveAutoCachesCalendarAnswer(t *testing.T) {
	cal := &fakeCalendar{open: true}
	m := NewManager(cal, "NSE", zerolog.Nop())
	acct := &domain.Account{ID: "a", Policy: domain.PolicyAuto}

	now := time.Now()
	require.Equal(t, domain.ModeLive, m.Resolve(context.Background(), acct, now))
	require.Equal(t, domain.ModeLive, m.Resolve(context.Background(), acct, now.Add(10*time.Second)))
	require.Equal(t, 1, cal.calls, "second call within TTL should hit cache")
}

func TestResolveAutoFallsBackOnCalendarError(t *testing.T) {
	cal := &fakeCalendar{err: errors.New("upstream down")}
	m := NewManager(cal, "NSE", zerolog.Nop())
	acct := &domain.Account{ID: "a", Policy: domain.PolicyAuto}

	ist, _ := time.LoadLocation("Asia/Kolkata")
	weekdayNoon := time.Date(2025, 1, 15, 12, 0, 0, 0, ist) // Wednesday
	require.Equal(t, domain.ModeLive, m.Resolve(context.Background(), acct, weekdayNoon))

	weekendNoon := time.Date(2025, 1, 18, 12, 0, 0, 0, ist) // Saturday
	require.Equal(t, domain.ModeMock, m.Resolve(context.Background(), acct, weekendNoon))
}

func TestOutboxNewestWins(t *testing.T) {
	m := NewManager(&fakeCalendar{}, "NSE", zerolog.Nop())
	acct := &domain.Account{ID: "a", Policy: domain.PolicyForceMock}
	out := m.Outbox("a")

	m.Resolve(context.Background(), acct, time.Now())
	acct.Policy = domain.PolicyForceLive
	m.Resolve(context.Background(), acct, time.Now())

	got := <-out
	require.Equal(t, domain.ModeLive, got, "only the newest mode should be observed")

	select {
	case <-out:
		t.Fatal("expected outbox to be drained after one read")
	default:
	}
}
