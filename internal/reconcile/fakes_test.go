package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"barsync/internal/domain"
	"barsync/internal/gather"
	"barsync/internal/util"
)

var errTimeout = errors.New("read timeout")

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func f64(v float64) *float64 { return &v }

func rawRow(d time.Time, c float64) domain.RawRow {
	return domain.RawRow{
		Date:   d.Add(5 * time.Hour),
		Open:   f64(c - 1),
		High:   f64(c + 1),
		Low:    f64(c - 2),
		Close:  f64(c),
		Volume: f64(1000),
	}
}

// fakeProvider serves weekday bars for any ticker in the requested window.
// failures[ticker] makes the next n calls for that ticker fail.
type fakeProvider struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	always   map[string]bool // tickers that always fail

	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	onCall   func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failures: make(map[string]int),
		calls:    make(map[string]int),
		always:   make(map[string]bool),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) History(_ context.Context, ticker string, start, end time.Time) ([]domain.RawRow, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.onCall != nil {
		p.onCall()
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.calls[ticker]++
	if p.always[ticker] {
		p.mu.Unlock()
		return nil, errTimeout
	}
	if p.failures[ticker] > 0 {
		p.failures[ticker]--
		p.mu.Unlock()
		return nil, errTimeout
	}
	p.mu.Unlock()

	var rows []domain.RawRow
	for d := domain.Day(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		rows = append(rows, rawRow(d, 100+float64(d.Day())))
	}
	return rows, nil
}

func (p *fakeProvider) callCount(ticker string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ticker]
}

// fakeMultiProvider adds a batched call on top of fakeProvider.
type fakeMultiProvider struct {
	*fakeProvider
	multiCalls atomic.Int32
	empties    atomic.Int32 // next n calls return an empty response
}

var _ gather.MultiProvider = (*fakeMultiProvider)(nil)

func (p *fakeMultiProvider) MultiHistory(ctx context.Context, tickers []string, start, end time.Time) (map[string][]domain.RawRow, error) {
	p.multiCalls.Add(1)
	if p.empties.Add(-1) >= 0 {
		return nil, domain.ErrEmptyResponse
	}
	out := make(map[string][]domain.RawRow)
	for _, t := range tickers {
		rows, err := p.History(ctx, t, start, end)
		if err != nil {
			return nil, err
		}
		out[domain.StorageKey(t)] = rows
	}
	return out, nil
}

// memStore is an in-memory BarStore keyed by (ticker, day).
type memStore struct {
	mu       sync.Mutex
	bars     map[string]map[time.Time]domain.Bar
	failFor  map[string]bool
	stateErr error
	writes   int
}

func newMemStore() *memStore {
	return &memStore{bars: make(map[string]map[time.Time]domain.Bar), failFor: make(map[string]bool)}
}

func (s *memStore) seed(ticker string, days ...time.Time) {
	for _, d := range days {
		s.WriteBars(context.Background(), []domain.Bar{{Symbol: ticker, Timestamp: d.Add(16 * time.Hour), Close: 1, High: 1}})
	}
	s.writes = 0
}

// WriteBars keeps the first bar per day, like the SQLite backend.
func (s *memStore) WriteBars(_ context.Context, bars []domain.Bar) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, b := range bars {
		if s.failFor[b.Symbol] {
			return 0, errors.New("disk full")
		}
	}
	var inserted int64
	for _, b := range bars {
		if s.bars[b.Symbol] == nil {
			s.bars[b.Symbol] = make(map[time.Time]domain.Bar)
		}
		d := domain.Day(b.Timestamp)
		if _, ok := s.bars[b.Symbol][d]; ok {
			continue
		}
		s.bars[b.Symbol][d] = b
		inserted++
	}
	return inserted, nil
}

func (s *memStore) LastTimestamps(context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	out := make(map[string]time.Time)
	for t, byDay := range s.bars {
		for _, b := range byDay {
			if b.Timestamp.After(out[t]) {
				out[t] = b.Timestamp
			}
		}
	}
	return out, nil
}

func (s *memStore) StoredDates(_ context.Context, ticker string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	var out []time.Time
	for d := range s.bars[ticker] {
		out = append(out, d)
	}
	sortTimes(out)
	return out, nil
}

func (s *memStore) ListTickers(context.Context) ([]string, error) { return nil, nil }

func (s *memStore) ReadBars(_ context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bar
	for _, b := range s.bars[ticker] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) count(ticker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars[ticker])
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}

func testFetchConfig() FetcherConfig {
	return FetcherConfig{Workers: 4, Retry: util.RetryPolicy{MaxAttempts: 3}}
}
