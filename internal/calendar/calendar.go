// Package calendar answers "is the market open for calendar code X at time
// T" for the Mode Manager (§4.1). Fetching the authoritative yearly
// holiday list from the exchange is an external collaborator per §1 ("the
// calendar holiday fetcher"); this package defines the Client contract the
// Mode Manager calls plus a HolidaySource seam so that external fetcher can
// be plugged in without this package knowing how the list was obtained.
package calendar

import (
	"context"
	"time"
)

// Client answers whether a calendar is open for trading at time t.
type Client interface {
	IsOpen(ctx context.Context, code string, t time.Time) (bool, error)
}

// HolidaySource supplies the holiday dates for one calendar year. A real
// deployment backs this with whatever fetches/caches the exchange's
// published holiday list (external, out of this package's scope);
// StaticHolidaySource below is a settable in-memory stand-in usable for
// tests and for calendars that never change (e.g. a 7-day-a-week venue).
type HolidaySource interface {
	Holidays(ctx context.Context, year int) ([]time.Time, error)
}

// StaticHolidaySource is a HolidaySource backed by a fixed, caller-supplied
// list. It never calls out anywhere, so it is safe to use when no external
// fetcher is wired up (tests, force_mock/force_live accounts that never
// consult the calendar).
type StaticHolidaySource struct {
	ByYear map[int][]time.Time
}

// Holidays returns the configured list for year, or empty if none was set.
func (s StaticHolidaySource) Holidays(_ context.Context, year int) ([]time.Time, error) {
	return s.ByYear[year], nil
}

// Session is a special-hours trading window for a specific date — the
// Muhurat session is the canonical example: a short LIVE window at a
// non-standard time, treated identically to regular hours by the Mode
// Manager once this package says the market is open.
type Session struct {
	Date  time.Time // date-only; Year/Month/Day matched, time-of-day ignored
	Start time.Duration // offset from midnight in the session's timezone
	End   time.Duration
	Name  string
}

func (s Session) coversDate(d time.Time) bool {
	return s.Date.Year() == d.Year() && s.Date.Month() == d.Month() && s.Date.Day() == d.Day()
}
