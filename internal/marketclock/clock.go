// Package marketclock classifies timestamps into trading sessions using a
// configurable market timezone, four daily boundaries, and a holiday calendar.
package marketclock

import (
	"fmt"
	"sort"
	"time"

	"github.com/quantbox/marketcache/internal/config"
)

const dateLayout = "2006-01-02"

// precomputedYears is the span of holiday years loaded at construction.
// Dates outside the span fall back to pure on-the-fly computation, so the
// loaded calendar is never mutated at runtime.
const precomputedYears = 7

// Clock classifies timestamps into market sessions. It is immutable after
// construction and safe for concurrent use.
type Clock struct {
	loc      *time.Location
	hours    config.MarketHoursConfig
	holidays map[int]map[string]bool // year -> set of "2006-01-02" dates
	calendar HolidayFunc
}

// New creates a market clock for the configured timezone and boundaries.
// An unknown timezone identifier is fatal.
func New(cfg config.MarketHoursConfig) (*Clock, error) {
	return NewWithCalendar(cfg, USMarketHolidays)
}

// NewWithCalendar creates a market clock with a custom holiday source.
func NewWithCalendar(cfg config.MarketHoursConfig, calendar HolidayFunc) (*Clock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown market timezone %q: %w", cfg.Timezone, err)
	}

	c := &Clock{
		loc:      loc,
		hours:    cfg,
		holidays: make(map[int]map[string]bool, precomputedYears),
		calendar: calendar,
	}

	// Load the holiday calendar once, for a window around the current year.
	startYear := time.Now().Year() - 1
	for year := startYear; year < startYear+precomputedYears; year++ {
		c.holidays[year] = holidaySet(calendar, year)
	}

	return c, nil
}

// holidaySet converts a year's holiday list into a date-string set.
func holidaySet(calendar HolidayFunc, year int) map[string]bool {
	set := make(map[string]bool)
	for _, h := range calendar(year) {
		set[h.Format(dateLayout)] = true
	}
	return set
}

// Location returns the market timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Hours returns the configured daily boundaries.
func (c *Clock) Hours() config.MarketHoursConfig {
	return c.hours
}

// Session classifies a timestamp into exactly one market session.
// Weekends win over everything; weekday holidays collapse to market_closed.
func (c *Clock) Session(now time.Time) MarketSession {
	local := now.In(c.loc)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return SessionWeekend
	}

	if c.IsHoliday(local) {
		return SessionMarketClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes < c.hours.PreMarketStart.Minutes():
		return SessionMarketClosed
	case minutes < c.hours.MarketOpen.Minutes():
		return SessionPreMarket
	case minutes < c.hours.MarketClose.Minutes():
		return SessionMarketOpen
	case minutes <= c.hours.PostMarketEnd.Minutes():
		return SessionPostMarket
	default:
		return SessionMarketClosed
	}
}

// IsHoliday reports whether the local calendar date is a market holiday.
func (c *Clock) IsHoliday(t time.Time) bool {
	local := t.In(c.loc)
	year := local.Year()

	set, ok := c.holidays[year]
	if !ok {
		// Outside the preloaded span: compute without caching to keep the
		// loaded calendar immutable.
		set = holidaySet(c.calendar, year)
	}

	return set[local.Format(dateLayout)]
}

// Holidays returns the market holiday dates for a year as "2006-01-02"
// strings, in chronological order.
func (c *Clock) Holidays(year int) []string {
	days := c.calendar(year)
	dates := make([]string, 0, len(days))
	for _, d := range days {
		dates = append(dates, d.Format(dateLayout))
	}
	sort.Strings(dates)
	return dates
}

// IsTradingDay reports whether the local calendar date is a trading day
// (a weekday that is not a holiday).
func (c *Clock) IsTradingDay(date time.Time) bool {
	local := date.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(local)
}

// NextTradingDay returns the next trading day strictly after the given date,
// at midnight in the market timezone.
func (c *Clock) NextTradingDay(date time.Time) time.Time {
	local := date.In(c.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)

	// Bounded loop: no real-world holiday stretch exceeds a couple of weeks.
	for i := 0; i < 30; i++ {
		next = next.AddDate(0, 0, 1)
		if c.IsTradingDay(next) {
			return next
		}
	}

	return next
}

// TradingDate returns the local calendar date string for a timestamp.
// Used by the cache layer to detect trading-day-boundary crossings.
func (c *Clock) TradingDate(t time.Time) string {
	return t.In(c.loc).Format(dateLayout)
}
