package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"barsync/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk, one file per
// ticker and year.
type ParquetStore struct {
	DataDir string
	Market  string

	// locks serializes read-merge-write cycles per ticker.
	locks sync.Map
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. market defaults to "us".
func NewParquetStore(dataDir, market string) *ParquetStore {
	if market == "" {
		market = "us"
	}
	return &ParquetStore{DataDir: dataDir, Market: market}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// ---------------------------------------------------------------------------
// BarWriter
// ---------------------------------------------------------------------------

// WriteBars writes bars grouped by ticker and year, merging with whatever is
// already on disk. Incoming bars replace stored ones for the same day, so
// every bar given counts as stored. Each ticker+year combination lives at:
//
//	<DataDir>/<market>/daily/<TICKER>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		sym := domain.StorageKey(b.Symbol)
		k := key{symbol: sym, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     sym,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	var stored int64
	for k, records := range groups {
		if err := s.mergeYear(k.symbol, k.year, records); err != nil {
			return stored, err
		}
		stored += int64(len(records))
	}
	return stored, nil
}

func (s *ParquetStore) mergeYear(symbol string, year int, records []BarRecord) error {
	mu, _ := s.locks.LoadOrStore(symbol, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	path := s.barPath(symbol, year)
	existing, err := readParquetFile[BarRecord](path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
	}
	merged := mergeBarRecords(existing, records)

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing bars for %s/%d: %w", symbol, year, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// StateReader
// ---------------------------------------------------------------------------

// LastTimestamps returns the latest bar timestamp per ticker. Only the newest
// year file of each ticker is read.
func (s *ParquetStore) LastTimestamps(ctx context.Context) (map[string]time.Time, error) {
	tickers, err := s.ListTickers(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time, len(tickers))
	for _, t := range tickers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		years, err := s.years(t)
		if err != nil {
			return nil, err
		}
		// Walk back in case the newest file is empty.
		for i := len(years) - 1; i >= 0; i-- {
			records, err := readParquetFile[BarRecord](s.barPath(t, years[i]))
			if err != nil {
				return nil, fmt.Errorf("reading bars for %s/%d: %w", t, years[i], err)
			}
			if len(records) == 0 {
				continue
			}
			var last int64
			for _, r := range records {
				last = max(last, r.Timestamp)
			}
			out[t] = time.UnixMilli(last).UTC()
			break
		}
	}
	return out, nil
}

// StoredDates returns every date with a bar for ticker.
func (s *ParquetStore) StoredDates(_ context.Context, ticker string) ([]time.Time, error) {
	ticker = domain.StorageKey(ticker)
	years, err := s.years(ticker)
	if err != nil {
		return nil, err
	}

	var dates []time.Time
	for _, y := range years {
		records, err := readParquetFile[BarRecord](s.barPath(ticker, y))
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", ticker, y, err)
		}
		for _, r := range records {
			dates = append(dates, domain.Day(time.UnixMilli(r.Timestamp)))
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// ListTickers lists all tickers that have bar data in the store's market.
func (s *ParquetStore) ListTickers(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, s.Market, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tickers []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			tickers = append(tickers, e.Name())
		}
	}
	sort.Strings(tickers)
	return tickers, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// ReadBars reads bar data for the given ticker and time range.
func (s *ParquetStore) ReadBars(_ context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	ticker = domain.StorageKey(ticker)
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(ticker, year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			if b := r.bar(); inRange(b.Timestamp, start, end) {
				bars = append(bars, b)
			}
		}
	}
	return bars, nil
}

// Ping checks that the data directory exists or can be created.
func (s *ParquetStore) Ping(_ context.Context) error {
	return os.MkdirAll(filepath.Join(s.DataDir, s.Market, "daily"), 0o755)
}

// Close is a no-op; files are closed after every write.
func (s *ParquetStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<TICKER>/<YYYY>.parquet
func (s *ParquetStore) barPath(ticker string, year int) string {
	return filepath.Join(s.DataDir, s.Market, "daily", strings.ToUpper(ticker), strconv.Itoa(year)+".parquet")
}

// years lists the years with a file for ticker, ascending.
func (s *ParquetStore) years(ticker string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, s.Market, "daily", ticker))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var years []int
	for _, e := range entries {
		y, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".parquet"))
		if err != nil || e.IsDir() {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write to a temp file first so a crash never leaves a truncated year.
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by (symbol, day), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		day    int64
	}
	dayOf := func(ms int64) int64 { return domain.Day(time.UnixMilli(ms)).UnixMilli() }

	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, dayOf(r.Timestamp)}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, dayOf(r.Timestamp)}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
