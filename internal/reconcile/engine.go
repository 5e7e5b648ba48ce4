package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"barsync/internal/calendar"
	"barsync/internal/domain"
	"barsync/internal/gather"
	"barsync/internal/store"
	"barsync/internal/util"
)

var _ gather.Gatherer = (*Engine)(nil)

// Config holds every tunable of a sync run.
type Config struct {
	GapMode      string
	Backstop     time.Time
	LookbackDays int
	CloseHour    int

	MaxGroupSize int
	MaxChunkSize int
	WaveSize     int
	BatchPause   time.Duration

	Fetch FetcherConfig

	// Cutoff is the ET wall-clock offset after which today's session counts
	// as finished when Run resolves the as-of date.
	Cutoff time.Duration
}

// Universe supplies the tickers to keep in sync.
type Universe interface {
	Tickers(ctx context.Context) ([]string, error)
}

// CompletionMarker remembers the last as-of date a run completed for.
type CompletionMarker interface {
	IsCompleted(date string) bool
	MarkCompleted(date string) error
}

// Progress is a snapshot passed to OnProgress after every batch.
type Progress struct {
	Wave     int
	Waves    int
	Batches  int
	Done     int64
	Fetched  int64
	Written  int64
	Rejected int64
	Failed   int
}

// Engine runs sync passes: read state, detect gaps, schedule, fetch in waves,
// normalize and write.
type Engine struct {
	cfg        Config
	store      store.BarStore
	provider   gather.Provider
	calendar   calendar.Oracle
	universe   Universe
	marker     CompletionMarker
	normalizer *Normalizer
	log        *slog.Logger

	// OnProgress, if set, is called from the collecting goroutine after each
	// batch is written.
	OnProgress func(Progress)
	// OnReport, if set, receives the report of every sync Run performs.
	OnReport func(*domain.RunReport)
}

// NewEngine creates an Engine. universe and marker are only needed by Run;
// marker may be nil.
func NewEngine(cfg Config, s store.BarStore, p gather.Provider, cal calendar.Oracle, u Universe, marker CompletionMarker) *Engine {
	if cfg.GapMode == "" {
		cfg.GapMode = GapModeLast
	}
	if cfg.MaxGroupSize <= 0 {
		cfg.MaxGroupSize = 50
	}
	log := slog.Default().With("component", "reconcile")
	return &Engine{
		cfg:        cfg,
		store:      s,
		provider:   p,
		calendar:   cal,
		universe:   u,
		marker:     marker,
		normalizer: NewNormalizer(cfg.CloseHour, log),
		log:        log,
	}
}

// Name returns the gatherer identifier.
func (e *Engine) Name() string { return "barsync" }

// Run resolves the universe and the latest finished session, then syncs. It
// is a no-op when the marker shows that session already completed.
func (e *Engine) Run(ctx context.Context) error {
	asOf, err := calendar.LatestFinishedTradingDay(e.calendar, time.Now(), e.cfg.Cutoff)
	if err != nil {
		return fmt.Errorf("determining as-of date: %w", err)
	}
	asOfStr := asOf.Format(domain.DateLayout)

	if e.marker != nil && e.marker.IsCompleted(asOfStr) {
		e.log.Info("already completed", "asOf", asOfStr)
		return nil
	}

	if e.universe == nil {
		return fmt.Errorf("no universe configured")
	}
	tickers, err := e.universe.Tickers(ctx)
	if err != nil {
		return fmt.Errorf("loading universe: %w", err)
	}

	report, err := e.Sync(ctx, tickers, asOf)
	if err != nil {
		return err
	}
	if e.OnReport != nil {
		e.OnReport(report)
	}

	switch report.Status {
	case domain.StatusCancelled:
		return ctx.Err()
	case domain.StatusComplete, domain.StatusUpToDate:
		if e.marker != nil {
			if err := e.marker.MarkCompleted(asOfStr); err != nil {
				return fmt.Errorf("marking completed: %w", err)
			}
		}
	}
	return nil
}

// Sync brings tickers up to date as of asOf. Failing to read the stored
// state is the only error; fetch, validation and write problems are counted
// in the report.
func (e *Engine) Sync(ctx context.Context, tickers []string, asOf time.Time) (*domain.RunReport, error) {
	runStart := time.Now()
	asOf = domain.Day(asOf)
	tickers = uniqueTickers(tickers)

	gaps, err := e.DetectGaps(ctx, tickers, asOf)
	if err != nil {
		return nil, err
	}

	stats := &domain.RunStats{}
	batches := Schedule(gaps, e.cfg.MaxGroupSize, e.cfg.MaxChunkSize)
	waves := Waves(batches, e.cfg.WaveSize)

	e.log.Info("starting sync",
		"asOf", asOf.Format(domain.DateLayout),
		"tickers", len(tickers),
		"gaps", len(gaps),
		"batches", len(batches),
		"waves", len(waves),
	)

	report := func(status string) *domain.RunReport {
		r := stats.Report()
		r.AsOf = asOf
		r.Status = status
		r.Tickers = len(tickers)
		r.Gaps = len(gaps)
		r.Batches = len(batches)
		r.Waves = len(waves)
		r.Elapsed = time.Since(runStart).Round(time.Millisecond)
		return &r
	}

	if len(gaps) == 0 {
		e.log.Info("all tickers up to date")
		return report(domain.StatusUpToDate), nil
	}

	fetcher := NewFetcher(e.provider, e.cfg.Fetch, stats, e.log)
	writer := NewWriter(e.store, e.cfg.Fetch.Workers, e.log)

	cancelled := false
	for i, wave := range waves {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if i > 0 && e.cfg.BatchPause > 0 {
			if err := util.Sleep(ctx, e.cfg.BatchPause); err != nil {
				cancelled = true
				break
			}
		}

		e.log.Info("wave start", "wave", fmt.Sprintf("%d/%d", i+1, len(waves)), "batches", len(wave.Batches), "tickers", wave.Tickers())
		for res := range fetcher.FetchWave(ctx, wave) {
			if res.Err != nil {
				cancelled = true
			}
			e.collect(ctx, res, stats, writer)

			if e.OnProgress != nil {
				e.OnProgress(Progress{
					Wave:     i + 1,
					Waves:    len(waves),
					Batches:  len(batches),
					Done:     stats.BatchesDone.Load(),
					Fetched:  stats.Fetched.Load(),
					Written:  stats.Written.Load(),
					Rejected: stats.Rejected.Load(),
					Failed:   len(stats.FailedTickers()),
				})
			}
		}
	}

	status := domain.StatusComplete
	switch {
	case cancelled || ctx.Err() != nil:
		status = domain.StatusCancelled
	case stats.BatchesFailed.Load() > 0 || stats.WriteFailed.Load() > 0:
		status = domain.StatusPartial
	}

	r := report(status)
	e.log.Info("sync done",
		"status", r.Status,
		"fetched", r.Fetched,
		"rejected", r.Rejected,
		"written", r.Written,
		"writeFailed", r.WriteFailed,
		"failedTickers", len(r.FailedTickers),
		"retries", r.Retries,
		"elapsed", r.Elapsed,
	)
	return r, nil
}

// collect normalizes and writes one batch result.
func (e *Engine) collect(ctx context.Context, res FetchResult, stats *domain.RunStats, writer *Writer) {
	stats.BatchesDone.Add(1)
	if len(res.Failed) > 0 {
		stats.BatchesFailed.Add(1)
		stats.MarkFailed(storageKeys(res.Failed)...)
	}

	var bars []domain.Bar
	for _, t := range res.Batch.Tickers {
		rows, ok := res.Rows[t]
		if !ok || len(rows) == 0 {
			continue
		}
		valid, rejected := e.normalizer.Normalize(rows, t)
		if len(rejected) > 0 {
			stats.AddRejections(rejected)
		}
		bars = append(bars, valid...)
	}
	if len(bars) == 0 {
		return
	}

	wr := writer.Write(ctx, bars)
	stats.Written.Add(wr.Inserted)
	stats.WriteFailed.Add(wr.Failed)
	if len(wr.FailedTickers) > 0 {
		stats.MarkFailed(wr.FailedTickers...)
	}
}

// DetectGaps reads the stored state and returns the non-empty gaps, in
// universe order.
func (e *Engine) DetectGaps(ctx context.Context, tickers []string, asOf time.Time) ([]domain.Gap, error) {
	states, err := e.readState(ctx, tickers)
	if err != nil {
		return nil, err
	}

	det := &GapDetector{
		Mode:         e.cfg.GapMode,
		Calendar:     e.calendar,
		Backstop:     e.cfg.Backstop,
		LookbackDays: e.cfg.LookbackDays,
	}

	var gaps []domain.Gap
	for _, t := range tickers {
		g := det.Detect(t, states[domain.StorageKey(t)], asOf)
		if g.Empty() {
			e.log.Debug("up to date", "ticker", t)
			continue
		}
		gaps = append(gaps, g)
	}
	return gaps, nil
}

func (e *Engine) readState(ctx context.Context, tickers []string) (map[string]domain.SyncState, error) {
	states := make(map[string]domain.SyncState, len(tickers))

	if e.cfg.GapMode == GapModeDates {
		for _, t := range tickers {
			key := domain.StorageKey(t)
			dates, err := e.store.StoredDates(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("reading stored dates for %s: %w", key, err)
			}
			states[key] = domain.SyncState{Ticker: key, Dates: dates}
		}
		return states, nil
	}

	last, err := e.store.LastTimestamps(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading last timestamps: %w", err)
	}
	for _, t := range tickers {
		key := domain.StorageKey(t)
		states[key] = domain.SyncState{Ticker: key, Last: last[key]}
	}
	return states, nil
}

// uniqueTickers drops blanks and tickers whose storage key repeats, keeping
// the first spelling.
func uniqueTickers(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		key := domain.StorageKey(t)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func storageKeys(tickers []string) []string {
	out := make([]string, len(tickers))
	for i, t := range tickers {
		out[i] = domain.StorageKey(t)
	}
	sort.Strings(out)
	return out
}
