package util

import (
	"sync"
	"time"

	"barsync/internal/domain"
)

// TradingCalendar provides US equity session awareness (NYSE/NASDAQ). A day
// is a trading day when it is a weekday and not a market holiday. Holidays
// are derived from the exchange rules, so no table needs refreshing.
type TradingCalendar struct {
	mu       sync.Mutex
	years    map[int]map[time.Time]string
	closures map[time.Time]string
}

// SpecialClosures are the unscheduled full-day NYSE closures since 2001,
// which no holiday rule produces.
var SpecialClosures = map[string]string{
	"2001-09-11": "September 11 attacks",
	"2001-09-12": "September 11 attacks",
	"2001-09-13": "September 11 attacks",
	"2001-09-14": "September 11 attacks",
	"2004-06-11": "National Day of Mourning (Reagan)",
	"2007-01-02": "National Day of Mourning (Ford)",
	"2012-10-29": "Hurricane Sandy",
	"2012-10-30": "Hurricane Sandy",
	"2018-12-05": "National Day of Mourning (G.H.W. Bush)",
	"2025-01-09": "National Day of Mourning (Carter)",
}

// NewTradingCalendar creates a TradingCalendar with SpecialClosures plus the
// given extra closures, YYYY-MM-DD → name.
func NewTradingCalendar(closures map[string]string) *TradingCalendar {
	tc := &TradingCalendar{
		years:    make(map[int]map[time.Time]string),
		closures: make(map[time.Time]string, len(SpecialClosures)+len(closures)),
	}
	tc.addClosures(SpecialClosures)
	tc.addClosures(closures)
	return tc
}

func (tc *TradingCalendar) addClosures(closures map[string]string) {
	for date, name := range closures {
		d, err := time.Parse(domain.DateLayout, date)
		if err != nil {
			continue
		}
		tc.closures[d] = name
	}
}

// IsHoliday reports whether the market is closed on a weekday for a holiday
// or a configured closure.
func (tc *TradingCalendar) IsHoliday(t time.Time) bool {
	return tc.HolidayName(t) != ""
}

// HolidayName returns the holiday name for t, or "" when t is not a holiday.
func (tc *TradingCalendar) HolidayName(t time.Time) string {
	d := domain.Day(t)
	if name, ok := tc.closures[d]; ok {
		return name
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	hs, ok := tc.years[d.Year()]
	if !ok {
		hs = holidaysForYear(d.Year())
		tc.years[d.Year()] = hs
	}
	return hs[d]
}

// IsTradingDay returns whether t falls on a regular session day.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	d := domain.Day(t)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !tc.IsHoliday(d)
}

// TradingDates returns every trading day in [start, end] in ascending order,
// as UTC midnights.
func (tc *TradingCalendar) TradingDates(start, end time.Time) []time.Time {
	var dates []time.Time
	for d := domain.Day(start); !d.After(domain.Day(end)); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			dates = append(dates, d)
		}
	}
	return dates
}

// ---------------------------------------------------------------------------
// Holiday rules
// ---------------------------------------------------------------------------

func holidaysForYear(year int) map[time.Time]string {
	hs := make(map[time.Time]string, 10)
	add := func(d time.Time, name string) {
		if d.Year() == year {
			hs[d] = name
		}
	}

	// New Year's Day: a Saturday holiday is not observed on the prior Friday.
	ny := date(year, time.January, 1)
	switch ny.Weekday() {
	case time.Sunday:
		add(ny.AddDate(0, 0, 1), "New Year's Day")
	case time.Saturday:
	default:
		add(ny, "New Year's Day")
	}

	if year >= 1998 {
		add(nthWeekday(year, time.January, time.Monday, 3), "Martin Luther King, Jr. Day")
	}
	add(nthWeekday(year, time.February, time.Monday, 3), "Washington's Birthday")
	add(easter(year).AddDate(0, 0, -2), "Good Friday")
	add(lastWeekday(year, time.May, time.Monday), "Memorial Day")
	if year >= 2022 {
		add(observed(date(year, time.June, 19)), "Juneteenth")
	}
	add(observed(date(year, time.July, 4)), "Independence Day")
	add(nthWeekday(year, time.September, time.Monday, 1), "Labor Day")
	add(nthWeekday(year, time.November, time.Thursday, 4), "Thanksgiving Day")
	add(observed(date(year, time.December, 25)), "Christmas")

	return hs
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// observed shifts a Saturday holiday to Friday and a Sunday holiday to Monday.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	d := date(year, month, 1)
	offset := (int(wd) - int(d.Weekday()) + 7) % 7
	return d.AddDate(0, 0, offset+7*(n-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	d := date(year, month+1, 1).AddDate(0, 0, -1)
	offset := (int(d.Weekday()) - int(wd) + 7) % 7
	return d.AddDate(0, 0, -offset)
}

// easter computes Easter Sunday (Gregorian, anonymous algorithm).
func easter(year int) time.Time {
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
	day := (h+l-7*m+114)%31 + 1
	return date(year, time.Month(month), day)
}
