// Package mode implements the per-account LIVE/MOCK/OFF decision (§4.1).
package mode

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/calendar"
	"github.com/aristath/marketstream/internal/domain"
)

// cacheTTL is how long a calendar's open/closed answer is trusted before
// Manager polls again.
const cacheTTL = 60 * time.Second

type cacheEntry struct {
	open     bool
	cachedAt time.Time
}

// Manager decides, per account, whether it should source real ticks now.
// One Manager instance can serve every account; calendar answers are
// cached per calendar code so concurrent accounts sharing a calendar don't
// each poll it.
type Manager struct {
	client       calendar.Client
	calendarCode string
	log          zerolog.Logger

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	// outboxes is a 1-buffer, newest-wins channel per account through which
	// mode changes are published to the Session Orchestrator (§4.1).
	outboxMu sync.Mutex
	outboxes map[string]chan domain.AccountMode
}

// NewManager constructs a Mode Manager backed by a Calendar Client.
func NewManager(client calendar.Client, calendarCode string, log zerolog.Logger) *Manager {
	return &Manager{
		client:       client,
		calendarCode: calendarCode,
		log:          log.With().Str("component", "mode_manager").Logger(),
		cache:        make(map[string]cacheEntry),
		outboxes:     make(map[string]chan domain.AccountMode),
	}
}

// Outbox returns the 1-buffer, newest-wins channel an orchestrator should
// read mode changes from for accountID, creating it if necessary.
func (m *Manager) Outbox(accountID string) <-chan domain.AccountMode {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()
	ch, ok := m.outboxes[accountID]
	if !ok {
		ch = make(chan domain.AccountMode, 1)
		m.outboxes[accountID] = ch
	}
	return ch
}

// publish delivers mode to accountID's outbox, discarding any undelivered
// prior value (newest-wins).
func (m *Manager) publish(accountID string, newMode domain.AccountMode) {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()
	ch, ok := m.outboxes[accountID]
	if !ok {
		ch = make(chan domain.AccountMode, 1)
		m.outboxes[accountID] = ch
	}
	select {
	case <-ch:
	default:
	}
	ch <- newMode
}

// Resolve computes and publishes the current mode for an account, and
// returns it. Transitions are monotonic within this single call: the
// returned mode reflects exactly one evaluation of the policy against now.
func (m *Manager) Resolve(ctx context.Context, account *domain.Account, now time.Time) domain.AccountMode {
	var newMode domain.AccountMode

	switch account.Policy {
	case domain.PolicyForceMock:
		newMode = domain.ModeMock
	case domain.PolicyForceLive:
		newMode = domain.ModeLive
	case domain.PolicyOff:
		newMode = domain.ModeOff
	default: // auto
		newMode = m.resolveAuto(ctx, now)
	}

	if newMode != account.CurrentMode {
		m.log.Info().
			Str("account_id", account.ID).
			Str("from", string(account.CurrentMode)).
			Str("to", string(newMode)).
			Msg("account mode transition")
	}
	account.CurrentMode = newMode
	m.publish(account.ID, newMode)
	return newMode
}

func (m *Manager) resolveAuto(ctx context.Context, now time.Time) domain.AccountMode {
	open, ok := m.cachedAnswer(now)
	if ok {
		return liveOrMock(open)
	}

	isOpen, err := m.client.IsOpen(ctx, m.calendarCode, now)
	if err != nil {
		m.log.Warn().Err(err).Str("calendar", m.calendarCode).
			Msg("calendar client failed, falling back to time-of-day rule")
		return liveOrMock(timeOfDayFallback(now))
	}

	m.cacheMu.Lock()
	m.cache[m.calendarCode] = cacheEntry{open: isOpen, cachedAt: now}
	m.cacheMu.Unlock()

	return liveOrMock(isOpen)
}

func (m *Manager) cachedAnswer(now time.Time) (bool, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	entry, ok := m.cache[m.calendarCode]
	if !ok || now.Sub(entry.cachedAt) > cacheTTL {
		return false, false
	}
	return entry.open, true
}

func liveOrMock(open bool) domain.AccountMode {
	if open {
		return domain.ModeLive
	}
	return domain.ModeMock
}

// timeOfDayFallback implements §4.1's fallback rule when the calendar is
// unreachable: LIVE during the regional trading window Monday-Friday,
// MOCK otherwise. It intentionally ignores holidays — that is exactly the
// degradation the spec accepts when the real calendar can't be reached.
func timeOfDayFallback(now time.Time) bool {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.UTC
	}
	local := now.In(ist)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 15, 0, 0, ist)
	close := time.Date(local.Year(), local.Month(), local.Day(), 15, 30, 0, 0, ist)
	return !local.Before(open) && local.Before(close)
}
