// Package calendar defines the trading-calendar contract used for gap
// detection and as-of date resolution.
package calendar

import (
	"fmt"
	"time"

	"barsync/internal/domain"
	"barsync/internal/util"
)

// Oracle answers which dates are trading sessions.
type Oracle interface {
	// TradingDates returns the trading days in [start, end], ascending, as
	// UTC midnights.
	TradingDates(start, end time.Time) []time.Time
	// IsHoliday reports whether a weekday is a market holiday.
	IsHoliday(t time.Time) bool
}

// Pinger is implemented by oracles backed by a remote calendar source.
type Pinger interface {
	Ping(now time.Time) error
}

// Check verifies that o can answer for now's year. Rule-based oracles always
// pass.
func Check(o Oracle, now time.Time) error {
	if p, ok := o.(Pinger); ok {
		return p.Ping(now)
	}
	return nil
}

// Compile-time interface check.
var _ Oracle = (*util.TradingCalendar)(nil)

// Eastern is the exchange timezone. Falls back to a fixed -5h zone when the
// tz database is unavailable.
var Eastern = loadEastern()

func loadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// LatestFinishedTradingDay returns the most recent trading day whose session
// has ended as of now. Today counts only once the ET wall clock passes
// cutoff (e.g. 20:05 to let extended-hours data settle).
func LatestFinishedTradingDay(o Oracle, now time.Time, cutoff time.Duration) (time.Time, error) {
	et := now.In(Eastern)
	today := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
	sessionCutoff := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, Eastern).Add(cutoff)

	days := o.TradingDates(today.AddDate(0, 0, -10), today)
	for i := len(days) - 1; i >= 0; i-- {
		d := days[i]
		if d.Equal(today) {
			if et.After(sessionCutoff) {
				return d, nil
			}
			continue
		}
		if d.Before(today) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("resolving as-of date before %s: %w", today.Format(domain.DateLayout), domain.ErrNoTradingDays)
}
