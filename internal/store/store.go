// Package store defines storage interfaces for persisting daily bars and for
// reading back the sync state a reconciliation run starts from.
package store

import (
	"context"
	"fmt"
	"time"

	"barsync/internal/domain"
)

// Columns is the fixed column order every tabular backend writes.
var Columns = []string{"time", "ticker", "open", "high", "low", "close", "volume"}

// StateReader reads the persisted state a gap detector works from.
type StateReader interface {
	// LastTimestamps returns the most recent bar timestamp per storage key.
	LastTimestamps(ctx context.Context) (map[string]time.Time, error)

	// StoredDates returns every persisted date for ticker, ascending, as UTC
	// midnights.
	StoredDates(ctx context.Context, ticker string) ([]time.Time, error)

	// ListTickers returns all storage keys with at least one bar.
	ListTickers(ctx context.Context) ([]string, error)
}

// BarWriter persists bars. Implementations deduplicate on (ticker, date) so
// writing the same bar twice leaves one row. WriteBars reports how many rows
// it stored; bars skipped as duplicates are not counted.
type BarWriter interface {
	WriteBars(ctx context.Context, bars []domain.Bar) (int64, error)
}

// BarStore is a complete daily-bar backend.
type BarStore interface {
	StateReader
	BarWriter

	// ReadBars returns bars for ticker within [start, end].
	ReadBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.Bar, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver      string // parquet | sqlite | postgres
	DataDir     string
	Market      string
	SQLitePath  string
	PostgresDSN string
	Table       string
	OnConflict  bool
	CopyFrom    bool
	MaxConns    int
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (BarStore, error) {
	switch opts.Driver {
	case "", "parquet":
		return NewParquetStore(opts.DataDir, opts.Market), nil
	case "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres", "questdb":
		return NewPostgresStore(ctx, PostgresOptions{
			DSN:        opts.PostgresDSN,
			Table:      opts.Table,
			OnConflict: opts.OnConflict,
			CopyFrom:   opts.CopyFrom,
			MaxConns:   opts.MaxConns,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// inRange reports whether t lies within [start, end].
func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
