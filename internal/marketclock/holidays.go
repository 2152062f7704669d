package marketclock

import "time"

// HolidayFunc computes the full-day market holidays for a given year.
// The default implementation covers US equity markets; an external feed can
// replace it without changing the Clock contract.
type HolidayFunc func(year int) []time.Time

// USMarketHolidays returns the NYSE/NASDAQ full-day holidays for a year.
func USMarketHolidays(year int) []time.Time {
	holidays := make([]time.Time, 0, 10)

	// New Year's Day - Jan 1 (observed on nearest weekday)
	holidays = append(holidays, observeOnWeekday(time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)))

	// Martin Luther King Jr. Day - 3rd Monday in January
	holidays = append(holidays, nthWeekday(year, 1, time.Monday, 3))

	// Presidents Day - 3rd Monday in February
	holidays = append(holidays, nthWeekday(year, 2, time.Monday, 3))

	// Good Friday - two days before Easter Sunday
	holidays = append(holidays, gregorianEaster(year).AddDate(0, 0, -2))

	// Memorial Day - last Monday in May
	holidays = append(holidays, lastWeekday(year, 5, time.Monday))

	// Juneteenth - June 19 (observed on nearest weekday)
	holidays = append(holidays, observeOnWeekday(time.Date(year, 6, 19, 0, 0, 0, 0, time.UTC)))

	// Independence Day - July 4 (observed on nearest weekday)
	holidays = append(holidays, observeOnWeekday(time.Date(year, 7, 4, 0, 0, 0, 0, time.UTC)))

	// Labor Day - 1st Monday in September
	holidays = append(holidays, nthWeekday(year, 9, time.Monday, 1))

	// Thanksgiving - 4th Thursday in November
	holidays = append(holidays, nthWeekday(year, 11, time.Thursday, 4))

	// Christmas - Dec 25 (observed on nearest weekday)
	holidays = append(holidays, observeOnWeekday(time.Date(year, 12, 25, 0, 0, 0, 0, time.UTC)))

	return holidays
}

// gregorianEaster calculates Easter Sunday using the Gregorian computus.
func gregorianEaster(year int) time.Time {
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

// nthWeekday finds the nth occurrence of a weekday in a month (n >= 1).
func nthWeekday(year, month int, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)

	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}

	return date.AddDate(0, 0, daysToAdd+(n-1)*7)
}

// lastWeekday finds the last occurrence of a weekday in a month.
func lastWeekday(year, month int, weekday time.Weekday) time.Time {
	date := time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC)

	daysToSubtract := int(date.Weekday() - weekday)
	if daysToSubtract < 0 {
		daysToSubtract += 7
	}

	return date.AddDate(0, 0, -daysToSubtract)
}

// observeOnWeekday shifts a weekend holiday to the nearest weekday:
// Saturday -> Friday, Sunday -> Monday.
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
