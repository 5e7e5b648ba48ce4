package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"barsync/internal/domain"
	"barsync/internal/store"
)

// WriteResult summarizes one Write call. Inserted counts rows the store
// reports as stored, not bars submitted.
type WriteResult struct {
	Inserted      int64
	Failed        int64
	FailedTickers []string
}

// Writer persists normalized bars, one store call per ticker so a failure
// for one ticker never loses another's rows.
type Writer struct {
	store       store.BarWriter
	concurrency int
	log         *slog.Logger
}

// NewWriter creates a Writer issuing at most concurrency store calls at once.
func NewWriter(s store.BarWriter, concurrency int, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		store:       s,
		concurrency: max(concurrency, 1),
		log:         log.With("component", "writer"),
	}
}

// Write groups bars by storage key and writes each group. Failures are
// logged and counted. Writes are detached from ctx cancellation so a run that
// is being cancelled still completes what it already fetched.
func (w *Writer) Write(ctx context.Context, bars []domain.Bar) WriteResult {
	groups := make(map[string][]domain.Bar)
	seen := make(map[string]map[time.Time]int)
	for _, b := range bars {
		key := domain.StorageKey(b.Symbol)
		b.Symbol = key
		day := domain.Day(b.Timestamp)
		if seen[key] == nil {
			seen[key] = make(map[time.Time]int)
		}
		if i, dup := seen[key][day]; dup {
			groups[key][i] = b
			continue
		}
		seen[key][day] = len(groups[key])
		groups[key] = append(groups[key], b)
	}

	tickers := make([]string, 0, len(groups))
	for t := range groups {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	writeCtx := context.WithoutCancel(ctx)
	var (
		mu  sync.Mutex
		res WriteResult
		g   errgroup.Group
	)
	g.SetLimit(w.concurrency)

	for _, t := range tickers {
		group := groups[t]
		g.Go(func() error {
			n, err := w.store.WriteBars(writeCtx, group)

			mu.Lock()
			defer mu.Unlock()
			res.Inserted += n
			if err != nil {
				w.log.Error("write failed", "ticker", t, "bars", len(group), "stored", n, "err", err)
				res.Failed += int64(len(group)) - n
				res.FailedTickers = append(res.FailedTickers, t)
				return nil
			}
			if skipped := int64(len(group)) - n; skipped > 0 {
				w.log.Debug("bars already stored", "ticker", t, "skipped", skipped)
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(res.FailedTickers)
	return res
}
