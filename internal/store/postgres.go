package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"barsync/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*PostgresStore)(nil)

// PostgresOptions configures a PostgresStore.
type PostgresOptions struct {
	DSN   string
	Table string
	// OnConflict appends ON CONFLICT DO NOTHING to inserts. Requires a unique
	// key on (ticker, time); leave off for QuestDB, which dedups on its own.
	OnConflict bool
	// CopyFrom streams rows with the COPY protocol instead of batched inserts.
	CopyFrom bool
	// MaxConns caps the pool; set it to the fetch worker count.
	MaxConns int
}

// PostgresStore implements BarStore over the Postgres wire protocol (Postgres,
// TimescaleDB, QuestDB). Every unit of work acquires one pooled connection and
// releases it when done.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	opts  PostgresOptions
}

// NewPostgresStore connects a pool sized to opts.MaxConns.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.Table == "" {
		opts.Table = "bars"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres: %w", err)
	}
	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{opts.Table}.Sanitize(),
		opts:  opts,
	}, nil
}

// Close closes all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WriteBars writes bars on a single acquired connection and returns the
// number of rows the server reports as inserted.
func (s *PostgresStore) WriteBars(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if s.opts.CopyFrom {
		rows := make([][]any, len(bars))
		for i, b := range bars {
			rows[i] = barValues(b)
		}
		n, err := conn.CopyFrom(ctx, pgx.Identifier{s.opts.Table}, Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, fmt.Errorf("copy into %s: %w", s.table, err)
		}
		return n, nil
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (time, ticker, open, high, low, close, volume) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.table)
	if s.opts.OnConflict {
		query += ` ON CONFLICT DO NOTHING`
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(query, barValues(b)...)
	}
	br := conn.SendBatch(ctx, batch)
	var inserted int64
	for range bars {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert into %s: %w", s.table, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return inserted, nil
}

func barValues(b domain.Bar) []any {
	return []any{b.Timestamp.UTC(), domain.StorageKey(b.Symbol), b.Open, b.High, b.Low, b.Close, b.Volume}
}

// LastTimestamps returns max(time) per ticker.
func (s *PostgresStore) LastTimestamps(ctx context.Context) (map[string]time.Time, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT ticker, max(time) FROM %s GROUP BY ticker`, s.table))
	if err != nil {
		return nil, fmt.Errorf("querying last timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			ticker string
			ts     time.Time
		)
		if err := rows.Scan(&ticker, &ts); err != nil {
			return nil, err
		}
		out[ticker] = ts.UTC()
	}
	return out, rows.Err()
}

// StoredDates returns every stored date for ticker, ascending.
func (s *PostgresStore) StoredDates(ctx context.Context, ticker string) ([]time.Time, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT time FROM %s WHERE ticker = $1 ORDER BY time`, s.table),
		domain.StorageKey(ticker))
	if err != nil {
		return nil, fmt.Errorf("querying dates for %s: %w", ticker, err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		d := domain.Day(ts)
		if n := len(dates); n > 0 && dates[n-1].Equal(d) {
			continue
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// ListTickers returns the distinct tickers in the table.
func (s *PostgresStore) ListTickers(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT DISTINCT ticker FROM %s ORDER BY ticker`, s.table))
	if err != nil {
		return nil, fmt.Errorf("listing tickers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ReadBars returns bars for ticker within [start, end], ordered by time.
func (s *PostgresStore) ReadBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		fmt.Sprintf(`SELECT time, ticker, open, high, low, close, volume FROM %s
		 WHERE ticker = $1 AND time >= $2 AND time <= $3 ORDER BY time`, s.table),
		domain.StorageKey(ticker), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("reading bars for %s: %w", ticker, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Timestamp, &b.Symbol, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Timestamp = b.Timestamp.UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
