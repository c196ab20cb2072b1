package calendar

import (
	"context"
	"sync"
	"time"
)

// FixedDateHoliday is a holiday that falls on the same month/day every
// year (e.g. Republic Day, Jan 26).
type FixedDateHoliday struct {
	Month int // 1-12
	Day   int
	// ObserveOnWeekday moves the holiday to the nearest weekday if it
	// falls on a weekend — some exchanges do this for fixed holidays,
	// NSE generally does not, but the rule is available per-holiday.
	ObserveOnWeekday bool
}

// RuleBasedHoliday is a holiday computed as the Nth (or last, N=-1)
// occurrence of a weekday in a given month (e.g. "3rd Monday of January").
type RuleBasedHoliday struct {
	Month   int
	Weekday time.Weekday
	N       int // 1 = first occurrence, -1 = last occurrence
}

// EasterBasedHoliday is a holiday offset by a fixed number of days from
// Easter Sunday (e.g. Good Friday, DaysOffset -2).
type EasterBasedHoliday struct {
	DaysOffset int
}

// EarlyCloseRule shortens the regular trading window on days matching
// DatePattern (e.g. the day before a major holiday).
type EarlyCloseRule struct {
	Name                   string
	DatePattern            func(time.Time) bool
	CloseHour, CloseMinute int
}

// HolidayRuleSet is the full rule-based holiday definition for one
// calendar, mirroring the teacher's HolidayRuleSet
// (market_hours/models.go) almost field-for-field.
type HolidayRuleSet struct {
	FixedDateHolidays   []FixedDateHoliday
	RuleBasedHolidays   []RuleBasedHoliday
	EasterBasedHolidays []EasterBasedHoliday
}

// calculateEaster returns the Gregorian-calendar date of Easter Sunday for
// year, via the standard computus algorithm. Ported from the teacher's
// calculateGregorianEaster — NSE/BSE observe Good Friday, which is the
// only Easter-based holiday either exchange needs, so only the Gregorian
// branch is carried over (the teacher's Julian/Orthodox branch has no
// calendar in this system to serve).
func calculateEaster(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// findNthWeekday finds the nth occurrence of weekday in year/month. n=1 is
// the first occurrence.
func findNthWeekday(year, month int, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}
	date = date.AddDate(0, 0, daysToAdd)
	return date.AddDate(0, 0, (n-1)*7)
}

// findLastWeekday finds the last occurrence of weekday in year/month.
func findLastWeekday(year, month int, weekday time.Weekday) time.Time {
	date := time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC)
	daysToSubtract := int(date.Weekday() - weekday)
	if daysToSubtract < 0 {
		daysToSubtract += 7
	}
	return date.AddDate(0, 0, -daysToSubtract)
}

// observeOnWeekday moves a date falling on a weekend to the nearest
// weekday: Saturday -> Friday, Sunday -> Monday.
func observeOnWeekday(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// RuleBasedHolidaySource computes a calendar year's holiday list from a
// HolidayRuleSet rather than requiring the caller to supply a flat
// pre-computed list, mirroring the teacher's
// MarketHoursService.getHolidaysForYear: fixed-date, nth/last-weekday, and
// Easter-offset rules are expanded and cached per year, since the result
// never changes once computed for a given year.
type RuleBasedHolidaySource struct {
	rules HolidayRuleSet

	mu    sync.Mutex
	cache map[int][]time.Time
}

// NewRuleBasedHolidaySource builds a HolidaySource backed by rules.
func NewRuleBasedHolidaySource(rules HolidayRuleSet) *RuleBasedHolidaySource {
	return &RuleBasedHolidaySource{rules: rules, cache: make(map[int][]time.Time)}
}

// Holidays implements HolidaySource, expanding the rule set for year and
// caching the result.
func (s *RuleBasedHolidaySource) Holidays(_ context.Context, year int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dates, ok := s.cache[year]; ok {
		return dates, nil
	}

	var dates []time.Time

	for _, h := range s.rules.FixedDateHolidays {
		date := time.Date(year, time.Month(h.Month), h.Day, 0, 0, 0, 0, time.UTC)
		if h.ObserveOnWeekday {
			date = observeOnWeekday(date)
		}
		dates = append(dates, date)
	}

	for _, h := range s.rules.RuleBasedHolidays {
		if h.N == -1 {
			dates = append(dates, findLastWeekday(year, h.Month, h.Weekday))
		} else {
			dates = append(dates, findNthWeekday(year, h.Month, h.Weekday, h.N))
		}
	}

	for _, h := range s.rules.EasterBasedHolidays {
		dates = append(dates, calculateEaster(year).AddDate(0, 0, h.DaysOffset))
	}

	s.cache[year] = dates
	return dates, nil
}

// NSEHolidayRules is the NSE/BSE equity-segment holiday rule set: the
// handful of fixed national holidays the exchange observes every year
// plus Good Friday, computed from Easter rather than hand-maintained as a
// yearly flat list. Exchange-declared ad-hoc closures (e.g. a one-off
// local holiday) are not rule-expressible and are expected to arrive
// through a different HolidaySource if ever needed — out of scope here,
// same as the rest of the yearly holiday calendar per §1 ("the calendar
// holiday fetcher" is an external collaborator).
func NSEHolidayRules() HolidayRuleSet {
	return HolidayRuleSet{
		FixedDateHolidays: []FixedDateHoliday{
			{Month: 1, Day: 26},  // Republic Day
			{Month: 5, Day: 1},   // Maharashtra Day
			{Month: 8, Day: 15},  // Independence Day
			{Month: 10, Day: 2},  // Gandhi Jayanti
			{Month: 12, Day: 25}, // Christmas
		},
		EasterBasedHolidays: []EasterBasedHoliday{
			{DaysOffset: -2}, // Good Friday
		},
	}
}
