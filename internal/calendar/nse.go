package calendar

import (
	"context"
	"fmt"
	"time"
)

// TradingHours is the regular open/close window, in the calendar's own
// timezone. Mirrors aristath-sentinel's market_hours.TradingHours, scoped
// to one calendar instead of a multi-exchange table.
type TradingHours struct {
	OpenHour, OpenMinute   int
	CloseHour, CloseMinute int
}

// LunchBreak is a midday closure window, as some Asian exchanges observe.
type LunchBreak struct {
	StartHour, StartMinute int
	EndHour, EndMinute     int
}

// Window is the full shape of one calendar's regular trading definition.
type Window struct {
	Code       string
	Timezone   *time.Location
	Hours      TradingHours
	Lunch      *LunchBreak
	EarlyClose []EarlyCloseRule
}

// NSECalendar implements Client for a single exchange calendar, combining
// a regular trading Window, a pluggable HolidaySource, and a list of
// Muhurat-style special sessions. It has no network or filesystem access;
// holiday data must be pushed in via HolidaySource.
type NSECalendar struct {
	window   Window
	holidays HolidaySource
	sessions []Session
}

// NewNSECalendar constructs a calendar for one window, backed by holidays
// and any special Session overrides (e.g. Muhurat trading).
func NewNSECalendar(window Window, holidays HolidaySource, sessions []Session) *NSECalendar {
	return &NSECalendar{window: window, holidays: holidays, sessions: sessions}
}

// IsOpen reports whether the market is open for trading at t, accounting
// for weekends, the holiday list, lunch breaks, and any special session
// that overrides regular hours for that date.
func (c *NSECalendar) IsOpen(ctx context.Context, code string, t time.Time) (bool, error) {
	if code != c.window.Code {
		return false, fmt.Errorf("calendar: unknown code %q, configured for %q", code, c.window.Code)
	}

	local := t.In(c.window.Timezone)

	if sess, ok := c.matchingSession(local); ok {
		return c.withinSession(local, sess), nil
	}

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false, nil
	}

	holiday, err := c.isHoliday(ctx, local)
	if err != nil {
		return false, err
	}
	if holiday {
		return false, nil
	}

	open := c.timeOn(local, c.window.Hours.OpenHour, c.window.Hours.OpenMinute)
	closeT := c.timeOn(local, c.window.Hours.CloseHour, c.window.Hours.CloseMinute)
	for _, rule := range c.window.EarlyClose {
		if rule.DatePattern != nil && rule.DatePattern(local) {
			closeT = c.timeOn(local, rule.CloseHour, rule.CloseMinute)
			break
		}
	}
	if local.Before(open) || !local.Before(closeT) {
		return false, nil
	}

	if c.window.Lunch != nil {
		start := c.timeOn(local, c.window.Lunch.StartHour, c.window.Lunch.StartMinute)
		end := c.timeOn(local, c.window.Lunch.EndHour, c.window.Lunch.EndMinute)
		if !local.Before(start) && local.Before(end) {
			return false, nil
		}
	}

	return true, nil
}

func (c *NSECalendar) matchingSession(t time.Time) (Session, bool) {
	for _, s := range c.sessions {
		if s.coversDate(t) {
			return s, true
		}
	}
	return Session{}, false
}

func (c *NSECalendar) withinSession(t time.Time, s Session) bool {
	midnight := c.timeOn(t, 0, 0)
	start := midnight.Add(s.Start)
	end := midnight.Add(s.End)
	return !t.Before(start) && t.Before(end)
}

func (c *NSECalendar) timeOn(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, c.window.Timezone)
}

func (c *NSECalendar) isHoliday(ctx context.Context, t time.Time) (bool, error) {
	dates, err := c.holidays.Holidays(ctx, t.Year())
	if err != nil {
		return false, fmt.Errorf("calendar: fetch holidays for %d: %w", t.Year(), err)
	}
	target := t.Format("2006-01-02")
	for _, h := range dates {
		if h.Format("2006-01-02") == target {
			return true, nil
		}
	}
	return false, nil
}
