package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/upstream"
)

type fakeSession struct {
	state    upstream.State
	lastTick time.Time
}

func (f fakeSession) State() upstream.State { return f.state }
func (f fakeSession) LastTickAt() time.Time { return f.lastTick }

type fakeClock struct {
	open bool
	err  error
}

func (c fakeClock) IsOpen(ctx context.Context, code string, t time.Time) (bool, error) {
	return c.open, c.err
}

func TestCheckOKWhenAllAccountsLiveAndTicking(t *testing.T) {
	sessions := map[string]AccountSession{
		"A": fakeSession{state: upstream.StateSubscribed, lastTick: time.Now()},
	}
	c := NewChecker(sessions, fakeClock{open: true}, "NSE", zerolog.Nop())
	report := c.Check(context.Background())
	require.Equal(t, StatusOK, report.Status)
}

func TestCheckDegradedWhenAccountInRetryBackoff(t *testing.T) {
	sessions := map[string]AccountSession{
		"A": fakeSession{state: upstream.StateSubscribed, lastTick: time.Now()},
		"B": fakeSession{state: upstream.StateRetryBackoff},
	}
	c := NewChecker(sessions, fakeClock{open: true}, "NSE", zerolog.Nop())
	report := c.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, StatusDegraded, report.Components["B"].Status)
}

func TestCheckCriticalWhenNoLiveAccountsDuringMarketHours(t *testing.T) {
	sessions := map[string]AccountSession{
		"A": fakeSession{state: upstream.StateRetryBackoff},
	}
	c := NewChecker(sessions, fakeClock{open: true}, "NSE", zerolog.Nop())
	report := c.Check(context.Background())
	require.Equal(t, StatusCritical, report.Status)
}

func TestCheckCriticalWhenTicksStaleDuringMarketHours(t *testing.T) {
	sessions := map[string]AccountSession{
		"A": fakeSession{state: upstream.StateSubscribed, lastTick: time.Now().Add(-2 * time.Minute)},
	}
	c := NewChecker(sessions, fakeClock{open: true}, "NSE", zerolog.Nop())
	report := c.Check(context.Background())
	require.Equal(t, StatusCritical, report.Status)
}

func TestCheckNotCriticalWhenMarketClosedEvenWithNoLiveAccounts(t *testing.T) {
	sessions := map[string]AccountSession{
		"A": fakeSession{state: upstream.StateOff},
	}
	c := NewChecker(sessions, fakeClock{open: false}, "NSE", zerolog.Nop())
	report := c.Check(context.Background())
	require.Equal(t, StatusOK, report.Status)
}
