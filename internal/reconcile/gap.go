// Package reconcile brings a bar store up to date with a provider: it detects
// missing trading dates per ticker, schedules them into fetch batches and
// waves, fetches under a shared worker cap, validates the rows and writes
// them back.
package reconcile

import (
	"time"

	"barsync/internal/calendar"
	"barsync/internal/domain"
)

// Gap detection modes.
const (
	// GapModeLast derives the gap from the last stored timestamp only.
	GapModeLast = "last"
	// GapModeDates diffs the full stored date set against the calendar, which
	// also finds holes in the middle of a history.
	GapModeDates = "dates"
)

// DefaultBackstop is where a ticker with no history starts.
var DefaultBackstop = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// GapDetector computes the missing trading dates for one ticker.
type GapDetector struct {
	Mode     string
	Calendar calendar.Oracle // nil means every weekday is a session
	Backstop time.Time
	// LookbackDays widens a last-timestamp gap backwards so recent bars are
	// re-requested. Only applied when there is a gap to begin with.
	LookbackDays int
}

// Detect returns the gap for ticker given its stored state and the as-of
// date. An empty gap means the ticker is up to date.
func (d *GapDetector) Detect(ticker string, state domain.SyncState, asOf time.Time) domain.Gap {
	asOf = domain.Day(asOf)
	if d.Mode == GapModeDates && len(state.Dates) > 0 {
		return d.detectDates(ticker, state.Dates, asOf)
	}
	return d.detectRange(ticker, state.Last, asOf)
}

func (d *GapDetector) detectRange(ticker string, last, asOf time.Time) domain.Gap {
	empty := domain.Gap{Ticker: ticker}

	var start time.Time
	if last.IsZero() {
		start = d.backstop()
	} else {
		if !asOf.After(last) {
			return empty
		}
		start = domain.Day(last).AddDate(0, 0, 1)
		if d.LookbackDays > 0 {
			start = start.AddDate(0, 0, -d.LookbackDays)
		}
	}
	if start.After(asOf) {
		return empty
	}

	sessions := d.tradingDates(start, asOf)
	if len(sessions) == 0 {
		return empty
	}
	return domain.Gap{Ticker: ticker, Start: sessions[0], End: sessions[len(sessions)-1]}
}

func (d *GapDetector) detectDates(ticker string, stored []time.Time, asOf time.Time) domain.Gap {
	have := make(map[time.Time]struct{}, len(stored))
	first := domain.Day(stored[0])
	for _, t := range stored {
		day := domain.Day(t)
		have[day] = struct{}{}
		if day.Before(first) {
			first = day
		}
	}

	missing := make([]time.Time, 0)
	for _, day := range d.tradingDates(first, asOf) {
		if _, ok := have[day]; !ok {
			missing = append(missing, day)
		}
	}

	g := domain.Gap{Ticker: ticker, Dates: missing}
	if len(missing) > 0 {
		g.Start, g.End = missing[0], missing[len(missing)-1]
	}
	return g
}

func (d *GapDetector) backstop() time.Time {
	if d.Backstop.IsZero() {
		return DefaultBackstop
	}
	return domain.Day(d.Backstop)
}

func (d *GapDetector) tradingDates(start, end time.Time) []time.Time {
	if d.Calendar != nil {
		return d.Calendar.TradingDates(start, end)
	}
	var dates []time.Time
	for day := domain.Day(start); !day.After(end); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			dates = append(dates, day)
		}
	}
	return dates
}
