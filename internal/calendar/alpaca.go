package calendar

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"barsync/internal/domain"
)

// calendarClient is the subset of the Alpaca trading client used here.
type calendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaOracle answers trading-day questions from the Alpaca trading calendar
// API. Sessions are fetched per calendar year and cached. Ping must succeed
// at startup; later failed lookups consult the fallback oracle instead.
type AlpacaOracle struct {
	client   calendarClient
	fallback Oracle
	log      *slog.Logger

	mu    sync.Mutex
	years map[int]map[time.Time]struct{}
}

var _ Oracle = (*AlpacaOracle)(nil)

// NewAlpacaOracle creates an oracle backed by the Alpaca trading API.
func NewAlpacaOracle(apiKey, apiSecret, baseURL string, fallback Oracle) *AlpacaOracle {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaOracle(client, fallback)
}

func newAlpacaOracle(client calendarClient, fallback Oracle) *AlpacaOracle {
	return &AlpacaOracle{
		client:   client,
		fallback: fallback,
		log:      slog.Default().With("component", "alpaca-calendar"),
		years:    make(map[int]map[time.Time]struct{}),
	}
}

// Ping loads the sessions of now's year, failing when the API is unreachable.
func (o *AlpacaOracle) Ping(now time.Time) error {
	if _, err := o.sessions(now.Year()); err != nil {
		return fmt.Errorf("alpaca calendar: %w", err)
	}
	return nil
}

// TradingDates returns the sessions in [start, end] in ascending order.
func (o *AlpacaOracle) TradingDates(start, end time.Time) []time.Time {
	start, end = domain.Day(start), domain.Day(end)
	var dates []time.Time
	for year := start.Year(); year <= end.Year(); year++ {
		sessions, err := o.sessions(year)
		if err != nil {
			o.log.Warn("calendar lookup failed, using fallback", "year", year, "err", err)
			if o.fallback == nil {
				continue
			}
			lo := maxTime(start, time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC))
			hi := minTime(end, time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC))
			dates = append(dates, o.fallback.TradingDates(lo, hi)...)
			continue
		}
		for d := maxTime(start, time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)); !d.After(end) && d.Year() == year; d = d.AddDate(0, 0, 1) {
			if _, ok := sessions[d]; ok {
				dates = append(dates, d)
			}
		}
	}
	return dates
}

// IsHoliday reports whether t is a weekday with no session.
func (o *AlpacaOracle) IsHoliday(t time.Time) bool {
	d := domain.Day(t)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	sessions, err := o.sessions(d.Year())
	if err != nil {
		if o.fallback != nil {
			return o.fallback.IsHoliday(d)
		}
		return false
	}
	_, open := sessions[d]
	return !open
}

func (o *AlpacaOracle) sessions(year int) (map[time.Time]struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.years[year]; ok {
		return s, nil
	}

	days, err := o.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar %d: %w", year, err)
	}

	s := make(map[time.Time]struct{}, len(days))
	for _, day := range days {
		d, err := time.Parse(domain.DateLayout, day.Date)
		if err != nil {
			continue
		}
		s[d] = struct{}{}
	}
	o.years[year] = s
	return s, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
