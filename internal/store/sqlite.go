package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"barsync/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ BarStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bars (
	time   INTEGER NOT NULL,
	ticker TEXT    NOT NULL,
	open   REAL    NOT NULL,
	high   REAL    NOT NULL,
	low    REAL    NOT NULL,
	close  REAL    NOT NULL,
	volume INTEGER NOT NULL,
	UNIQUE (ticker, time)
);
CREATE INDEX IF NOT EXISTS bars_ticker_time ON bars (ticker, time);
`

// SQLiteStore implements BarStore backed by a single SQLite table. Times are
// stored as Unix milliseconds; the (ticker, time) unique key makes re-writes
// of an existing bar a no-op.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WriteBars inserts bars in one transaction and returns the number of new
// rows. Bars already present are ignored.
func (s *SQLiteStore) WriteBars(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO bars (time, ticker, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx,
			b.Timestamp.UnixMilli(), domain.StorageKey(b.Symbol),
			b.Open, b.High, b.Low, b.Close, b.Volume,
		)
		if err != nil {
			return 0, fmt.Errorf("insert %s %s: %w", b.Symbol, b.Timestamp.Format(domain.DateLayout), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// LastTimestamps returns max(time) per ticker.
func (s *SQLiteStore) LastTimestamps(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, MAX(time) FROM bars GROUP BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("querying last timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			ticker string
			ms     int64
		)
		if err := rows.Scan(&ticker, &ms); err != nil {
			return nil, err
		}
		out[ticker] = time.UnixMilli(ms).UTC()
	}
	return out, rows.Err()
}

// StoredDates returns every stored date for ticker, ascending.
func (s *SQLiteStore) StoredDates(ctx context.Context, ticker string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time FROM bars WHERE ticker = ? ORDER BY time`, domain.StorageKey(ticker))
	if err != nil {
		return nil, fmt.Errorf("querying dates for %s: %w", ticker, err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		dates = append(dates, domain.Day(time.UnixMilli(ms)))
	}
	return dates, rows.Err()
}

// ListTickers returns the distinct tickers in the table.
func (s *SQLiteStore) ListTickers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT ticker FROM bars ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("listing tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// ReadBars returns bars for ticker within [start, end], ordered by time.
func (s *SQLiteStore) ReadBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, ticker, open, high, low, close, volume FROM bars
		 WHERE ticker = ? AND time >= ? AND time <= ? ORDER BY time`,
		domain.StorageKey(ticker), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("reading bars for %s: %w", ticker, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			b  domain.Bar
			ms int64
		)
		if err := rows.Scan(&ms, &b.Symbol, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Timestamp = time.UnixMilli(ms).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
