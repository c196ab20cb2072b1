package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNSECalendarRegularHours(t *testing.T) {
	ist := mustLoc(t, "Asia/Kolkata")
	window := Window{
		Code:     "NSE",
		Timezone: ist,
		Hours:    TradingHours{OpenHour: 9, OpenMinute: 15, CloseHour: 15, CloseMinute: 30},
	}
	cal := NewNSECalendar(window, StaticHolidaySource{}, nil)

	// Wednesday 2025-01-15, 10:00 IST: open.
	open, err := cal.IsOpen(context.Background(), "NSE", time.Date(2025, 1, 15, 10, 0, 0, 0, ist))
	require.NoError(t, err)
	require.True(t, open)

	// Same day, 16:00 IST: closed.
	open, err = cal.IsOpen(context.Background(), "NSE", time.Date(2025, 1, 15, 16, 0, 0, 0, ist))
	require.NoError(t, err)
	require.False(t, open)

	// Saturday: closed regardless of hour.
	open, err = cal.IsOpen(context.Background(), "NSE", time.Date(2025, 1, 18, 10, 0, 0, 0, ist))
	require.NoError(t, err)
	require.False(t, open)
}

func TestNSECalendarHoliday(t *testing.T) {
	ist := mustLoc(t, "Asia/Kolkata")
	window := Window{
		Code:     "NSE",
		Timezone: ist,
		Hours:    TradingHours{OpenHour: 9, OpenMinute: 15, CloseHour: 15, CloseMinute: 30},
	}
	republicDay := time.Date(2025, 1, 26, 0, 0, 0, 0, ist)
	holidays := StaticHolidaySource{ByYear: map[int][]time.Time{2025: {republicDay}}}
	cal := NewNSECalendar(window, holidays, nil)

	open, err := cal.IsOpen(context.Background(), "NSE", time.Date(2025, 1, 26, 10, 0, 0, 0, ist))
	require.NoError(t, err)
	require.False(t, open)
}

func TestNSECalendarMuhuratSession(t *testing.T) {
	ist := mustLoc(t, "Asia/Kolkata")
	window := Window{
		Code:     "NSE",
		Timezone: ist,
		Hours:    TradingHours{OpenHour: 9, OpenMinute: 15, CloseHour: 15, CloseMinute: 30},
	}
	diwali := time.Date(2025, 10, 21, 0, 0, 0, 0, ist)
	sessions := []Session{{
		Date:  diwali,
		Start: 18*time.Hour + 30*time.Minute,
		End:   19*time.Hour + 30*time.Minute,
		Name:  "muhurat",
	}}
	cal := NewNSECalendar(window, StaticHolidaySource{}, sessions)

	// Outside regular hours, but inside the Muhurat window: open.
	open, err := cal.IsOpen(context.Background(), "NSE", time.Date(2025, 10, 21, 19, 0, 0, 0, ist))
	require.NoError(t, err)
	require.True(t, open)

	// Before the Muhurat window starts: closed, even though it's the same
	// special date.
	open, err = cal.IsOpen(context.Background(), "NSE", time.Date(2025, 10, 21, 10, 0, 0, 0, ist))
	require.NoError(t, err)
	require.False(t, open)
}

func TestNSECalendarUnknownCode(t *testing.T) {
	ist := mustLoc(t, "Asia/Kolkata")
	cal := NewNSECalendar(Window{Code: "NSE", Timezone: ist}, StaticHolidaySource{}, nil)
	_, err := cal.IsOpen(context.Background(), "BSE", time.Now())
	require.Error(t, err)
}

func TestNSECalendarEarlyClose(t *testing.T) {
	ist := mustLoc(t, "Asia/Kolkata")
	muhuratEve := time.Date(2025, 10, 20, 0, 0, 0, 0, ist)
	window := Window{
		Code:     "NSE",
		Timezone: ist,
		Hours:    TradingHours{OpenHour: 9, OpenMinute: 15, CloseHour: 15, CloseMinute: 30},
		EarlyClose: []EarlyCloseRule{{
			Name: "muhurat-eve",
			DatePattern: func(t time.Time) bool {
				return t.Year() == muhuratEve.Year() && t.Month() == muhuratEve.Month() && t.Day() == muhuratEve.Day()
			},
			CloseHour:   13,
			CloseMinute: 0,
		}},
	}
	cal := NewNSECalendar(window, StaticHolidaySource{}, nil)

	// Before the early close: open.
	open, err := cal.IsOpen(context.Background(), "NSE", time.Date(2025, 10, 20, 12, 0, 0, 0, ist))
	require.NoError(t, err)
	require.True(t, open)

	// After the early close but before the regular close: closed.
	open, err = cal.IsOpen(context.Background(), "NSE", time.Date(2025, 10, 20, 14, 0, 0, 0, ist))
	require.NoError(t, err)
	require.False(t, open)

	// A day without the rule still uses the regular close.
	open, err = cal.IsOpen(context.Background(), "NSE", time.Date(2025, 10, 21, 14, 0, 0, 0, ist))
	require.NoError(t, err)
	require.True(t, open)
}
