package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"barsync/internal/domain"
	"barsync/internal/gather"
	"barsync/internal/util"
)

// FetcherConfig holds the pacing knobs for provider calls.
type FetcherConfig struct {
	Workers         int
	JitterMin       time.Duration
	JitterMax       time.Duration
	RateLimitPerMin int
	Retry           util.RetryPolicy
}

// FetchResult is the outcome of one FetchBatch. Rows are keyed by the
// ticker as it appears in the batch.
type FetchResult struct {
	Batch  domain.FetchBatch
	Rows   map[string][]domain.RawRow
	Failed []string
	// Err is set when the batch did not run to completion (cancellation).
	Err error
}

// Fetcher calls the provider for FetchBatches. Every provider call, whether
// for a whole batch or for one ticker of it, holds one slot of a semaphore
// shared across all batches, so Workers caps concurrent calls globally.
type Fetcher struct {
	provider gather.Provider
	cfg      FetcherConfig
	sem      chan struct{}
	limiter  *util.RateLimiter
	stats    *domain.RunStats
	log      *slog.Logger
}

// NewFetcher creates a Fetcher. stats may be nil.
func NewFetcher(p gather.Provider, cfg FetcherConfig, stats *domain.RunStats, log *slog.Logger) *Fetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = util.DefaultRetryPolicy()
	}
	if stats == nil {
		stats = &domain.RunStats{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		provider: p,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
		limiter:  util.NewRateLimiter(cfg.RateLimitPerMin),
		stats:    stats,
		log:      log.With("component", "fetcher", "provider", p.Name()),
	}
}

// FetchWave fetches every batch of the wave concurrently and delivers
// results in completion order. The channel is closed once all batches are
// done.
func (f *Fetcher) FetchWave(ctx context.Context, wave domain.Wave) <-chan FetchResult {
	out := make(chan FetchResult, len(wave.Batches))
	var wg sync.WaitGroup
	for _, b := range wave.Batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- f.Fetch(ctx, b)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Fetch retrieves one batch. Tickers whose retries are exhausted land in
// Failed; the rest of the batch is unaffected.
func (f *Fetcher) Fetch(ctx context.Context, batch domain.FetchBatch) FetchResult {
	res := FetchResult{Batch: batch, Rows: make(map[string][]domain.RawRow, len(batch.Tickers))}

	if mp, ok := f.provider.(gather.MultiProvider); ok && len(batch.Tickers) > 1 {
		f.fetchMulti(ctx, mp, batch, &res)
	} else {
		f.fetchEach(ctx, batch, &res)
	}

	var fetched int64
	for t, rows := range res.Rows {
		rows = keepRequested(rows, batch, t)
		res.Rows[t] = rows
		fetched += int64(len(rows))
	}
	f.stats.Fetched.Add(fetched)

	if fetched == 0 && len(res.Failed) == 0 && res.Err == nil {
		f.log.Info("no data for batch",
			"tickers", len(batch.Tickers),
			"start", batch.Start.Format(domain.DateLayout),
			"end", batch.End.Format(domain.DateLayout),
		)
	}
	return res
}

func (f *Fetcher) fetchMulti(ctx context.Context, mp gather.MultiProvider, batch domain.FetchBatch, res *FetchResult) {
	var got map[string][]domain.RawRow
	err := f.call(ctx, batch.Tickers, func(callCtx context.Context) error {
		var err error
		got, err = mp.MultiHistory(callCtx, batch.Tickers, batch.Start, batch.End)
		return err
	})
	if err != nil {
		f.settle(err, batch.Tickers, res)
		return
	}
	for _, t := range batch.Tickers {
		if rows, ok := got[domain.StorageKey(t)]; ok {
			res.Rows[t] = rows
		}
	}
}

func (f *Fetcher) fetchEach(ctx context.Context, batch domain.FetchBatch, res *FetchResult) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, t := range batch.Tickers {
		g.Go(func() error {
			var rows []domain.RawRow
			err := f.call(ctx, []string{t}, func(callCtx context.Context) error {
				var err error
				rows, err = f.provider.History(callCtx, t, batch.Start, batch.End)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.settle(err, []string{t}, res)
				return nil
			}
			if len(rows) > 0 {
				res.Rows[t] = rows
			}
			return nil
		})
	}
	g.Wait()
}

// settle records a failed call on res: cancellation marks the batch as not
// completed, anything else fails the tickers.
func (f *Fetcher) settle(err error, tickers []string, res *FetchResult) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Err = err
		return
	}
	f.log.Error("fetch failed", "tickers", tickers, "err", err)
	res.Failed = append(res.Failed, tickers...)
}

// call runs one provider call under the global semaphore with jitter, the
// optional rate limiter and the retry policy. The call itself gets a context
// that survives cancellation so a request already on the wire completes;
// waits before and between attempts stop on cancellation.
func (f *Fetcher) call(ctx context.Context, tickers []string, fn func(context.Context) error) error {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-f.sem }()

	callCtx := context.WithoutCancel(ctx)
	err := f.cfg.Retry.Do(ctx, func() error {
		if err := util.Jitter(ctx, f.cfg.JitterMin, f.cfg.JitterMax); err != nil {
			return err
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(callCtx)
	}, func(retry int, err error) {
		f.stats.Retries.Add(1)
		f.log.Warn("retrying fetch", "tickers", tickers, "retry", retry, "err", err)
	})
	if err != nil && ctx.Err() != nil {
		// Stopped early by cancellation, not by exhausting retries.
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// keepRequested drops rows outside the batch window and, for date-set
// chunks, rows for dates that were not requested.
func keepRequested(rows []domain.RawRow, batch domain.FetchBatch, ticker string) []domain.RawRow {
	want := batch.Dates[ticker]
	var set map[time.Time]struct{}
	if want != nil {
		set = make(map[time.Time]struct{}, len(want))
		for _, d := range want {
			set[domain.Day(d)] = struct{}{}
		}
	}

	kept := rows[:0:0]
	for _, r := range rows {
		if r.Date.IsZero() {
			// Let the validator count it.
			kept = append(kept, r)
			continue
		}
		day := domain.Day(r.Date)
		if day.Before(domain.Day(batch.Start)) || day.After(domain.Day(batch.End)) {
			continue
		}
		if set != nil {
			if _, ok := set[day]; !ok {
				continue
			}
		}
		kept = append(kept, r)
	}
	return kept
}
