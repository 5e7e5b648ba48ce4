// Package domain defines the core value types shared by the barsync
// packages: bars, raw provider rows, gaps, fetch batches, and run counters.
package domain

import (
	"errors"
	"strings"
	"time"
)

// DateLayout is the canonical YYYY-MM-DD layout used for trading dates.
const DateLayout = "2006-01-02"

// IndexPrefix marks index symbols at the provider (e.g. "^VIX"). It is never
// part of a storage key.
const IndexPrefix = "^"

var (
	// ErrEmptyResponse is returned by providers when a response came back
	// empty or garbled in a way that warrants a retry.
	ErrEmptyResponse = errors.New("empty or malformed provider response")

	// ErrNoTradingDays is returned when a calendar window holds no session.
	ErrNoTradingDays = errors.New("no trading days in range")
)

// StorageKey returns the prefix-free, upper-case key under which a ticker's
// bars are persisted.
func StorageKey(ticker string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(ticker), IndexPrefix))
}

// Day truncates t to midnight UTC of its calendar date in UTC.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// Bar is one validated daily OHLCV observation. Timestamp is UTC, floored to
// the day and anchored at the market-close hour.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// RawRow is a bar as returned by a provider, before validation. Nil pointers
// mean the provider did not supply the field.
type RawRow struct {
	Date       time.Time
	Open       *float64
	High       *float64
	Low        *float64
	Close      *float64
	Volume     *float64
	TradeCount *int64
	VWAP       *float64
}

// ---------------------------------------------------------------------------
// Sync state and gaps
// ---------------------------------------------------------------------------

// SyncState is what the store knows about one ticker: either the last
// persisted timestamp or the full set of persisted dates.
type SyncState struct {
	Ticker string
	Last   time.Time   // zero when nothing is stored
	Dates  []time.Time // nil unless the store exposes the full date set
}

// Gap is the set of trading dates missing for a ticker. A nil Dates slice
// means the contiguous range [Start, End].
type Gap struct {
	Ticker string
	Start  time.Time
	End    time.Time
	Dates  []time.Time
}

// Empty reports whether the gap requires no provider call.
func (g Gap) Empty() bool {
	if g.Dates != nil {
		return len(g.Dates) == 0
	}
	return g.Start.IsZero() || g.End.Before(g.Start)
}

// FetchBatch is a group of tickers that share one fetch window [Start, End].
// Dates, when set for a ticker, restricts the rows kept for that ticker to
// the listed trading dates.
type FetchBatch struct {
	Start   time.Time
	End     time.Time
	Tickers []string
	Dates   map[string][]time.Time
}

// Wave is the sequential unit of a run: its batches are fetched concurrently
// and fully written before the next wave starts.
type Wave struct {
	Index   int
	Batches []FetchBatch
}

// Tickers returns the number of ticker slots across all batches of the wave.
func (w Wave) Tickers() int {
	n := 0
	for _, b := range w.Batches {
		n += len(b.Tickers)
	}
	return n
}
