package domain

import (
	"testing"
	"time"
)

func TestStorageKey(t *testing.T) {
	cases := map[string]string{
		"^VIX":  "VIX",
		"aapl":  "AAPL",
		" SPY ": "SPY",
		"BRK-B": "BRK-B",
	}
	for in, want := range cases {
		if got := StorageKey(in); got != want {
			t.Errorf("StorageKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// 2024-01-02 21:30 ET is 2024-01-03 02:30 UTC.
	ts := time.Date(2024, 1, 2, 21, 30, 0, 0, ny)
	want := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	if got := Day(ts); !got.Equal(want) {
		t.Errorf("Day(%v) = %v, want %v", ts, got, want)
	}
}

func TestGapEmpty(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC) }

	if !(Gap{Ticker: "X"}).Empty() {
		t.Error("zero gap should be empty")
	}
	if !(Gap{Ticker: "X", Start: d(5), End: d(4)}).Empty() {
		t.Error("inverted range should be empty")
	}
	if (Gap{Ticker: "X", Start: d(4), End: d(4)}).Empty() {
		t.Error("single-day range should not be empty")
	}
	if !(Gap{Ticker: "X", Start: d(1), End: d(5), Dates: []time.Time{}}).Empty() {
		t.Error("empty date set should be empty")
	}
}

func TestWaveTickers(t *testing.T) {
	w := Wave{Batches: []FetchBatch{
		{Tickers: []string{"A", "B"}},
		{Tickers: []string{"C"}},
	}}
	if got := w.Tickers(); got != 3 {
		t.Errorf("Wave.Tickers() = %d, want 3", got)
	}
}

func TestRunStatsReport(t *testing.T) {
	var s RunStats
	s.Fetched.Add(10)
	s.Written.Add(7)
	s.AddRejections(map[string]int64{"missing_field": 2, "inverted_range": 1})
	s.MarkFailed("ZZZ", "ABC", "ZZZ")

	r := s.Report()
	if r.Rejected != 3 {
		t.Errorf("Rejected = %d, want 3", r.Rejected)
	}
	if r.RejectedBy["missing_field"] != 2 {
		t.Errorf("RejectedBy[missing_field] = %d, want 2", r.RejectedBy["missing_field"])
	}
	if len(r.FailedTickers) != 2 || r.FailedTickers[0] != "ABC" || r.FailedTickers[1] != "ZZZ" {
		t.Errorf("FailedTickers = %v, want [ABC ZZZ]", r.FailedTickers)
	}
}
