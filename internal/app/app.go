// Package app wires configuration into the store, provider, calendar and
// reconcile engine shared by the barsync binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"barsync/internal/calendar"
	"barsync/internal/config"
	"barsync/internal/gather"
	"barsync/internal/gather/polygon"
	"barsync/internal/gather/us"
	"barsync/internal/progress"
	"barsync/internal/reconcile"
	"barsync/internal/store"
	"barsync/internal/universe"
	"barsync/internal/util"
)

// App holds the components of one barsync process.
type App struct {
	Config   *config.Config
	Store    store.BarStore
	Provider gather.Provider
	Calendar calendar.Oracle
	Universe *universe.Universe
	Marker   *progress.Marker
	Engine   *reconcile.Engine
}

// New opens the configured store and builds the engine around it. The caller
// must Close the App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	s, err := store.Open(ctx, StoreOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Driver, err)
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("pinging %s store: %w", cfg.Storage.Driver, err)
	}

	p, err := NewProvider(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	marker, err := progress.NewMarker(cfg.Storage.DataDir)
	if err != nil {
		s.Close()
		return nil, err
	}

	cal := NewCalendar(cfg)
	if err := calendar.Check(cal, time.Now()); err != nil {
		s.Close()
		return nil, fmt.Errorf("reaching calendar source: %w", err)
	}
	u := universe.New(cfg.Universe.Tickers, cfg.Universe.Files, s, cfg.Universe.FromStore)

	return &App{
		Config:   cfg,
		Store:    s,
		Provider: p,
		Calendar: cal,
		Universe: u,
		Marker:   marker,
		Engine:   reconcile.NewEngine(EngineConfig(cfg), s, p, cal, u, marker),
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// StoreOptions maps the storage section onto store.Options. The Postgres pool
// is sized to the worker count so every concurrent write gets a connection.
func StoreOptions(cfg *config.Config) store.Options {
	return store.Options{
		Driver:      cfg.Storage.Driver,
		DataDir:     cfg.Storage.DataDir,
		Market:      cfg.Storage.Market,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.Postgres.DSN,
		Table:       cfg.Storage.Postgres.Table,
		OnConflict:  cfg.Storage.Postgres.OnConflict,
		CopyFrom:    cfg.Storage.Postgres.CopyFrom,
		MaxConns:    cfg.Sync.Workers,
	}
}

// NewProvider returns the configured data provider.
func NewProvider(cfg *config.Config) (gather.Provider, error) {
	switch cfg.Provider {
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("alpaca provider needs api_key and api_secret")
		}
		return us.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Alpaca.Adjustment), nil
	case "polygon":
		if cfg.Polygon.APIKey == "" {
			return nil, fmt.Errorf("polygon provider needs api_key")
		}
		return polygon.New(cfg.Polygon.APIKey, !cfg.Polygon.Unadjusted), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// NewCalendar returns the rule-based NYSE calendar, or the Alpaca calendar
// when sync.calendar is "alpaca". The rules back the Alpaca calendar for
// lookups that fail after startup.
func NewCalendar(cfg *config.Config) calendar.Oracle {
	rules := util.NewTradingCalendar(cfg.Sync.ExtraClosures)
	if cfg.Sync.Calendar == "alpaca" && cfg.Alpaca.APIKey != "" {
		return calendar.NewAlpacaOracle(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, rules)
	}
	return rules
}

// EngineConfig maps the sync section onto reconcile.Config.
func EngineConfig(cfg *config.Config) reconcile.Config {
	y := cfg.Sync
	cutoff, _ := cfg.Daemon.CutoffOffset()
	return reconcile.Config{
		GapMode:      y.GapMode,
		Backstop:     y.Backstop(),
		LookbackDays: y.LookbackDays,
		CloseHour:    y.CloseHour,
		MaxGroupSize: y.MaxGroupSize,
		MaxChunkSize: y.MaxChunkSize,
		WaveSize:     y.WaveSize,
		BatchPause:   y.BatchPause,
		Fetch: reconcile.FetcherConfig{
			Workers:         y.Workers,
			JitterMin:       y.JitterMin,
			JitterMax:       y.JitterMax,
			RateLimitPerMin: y.RateLimitPerMin,
			Retry: util.RetryPolicy{
				MaxAttempts: y.Retry.MaxAttempts,
				BaseDelay:   y.Retry.BaseDelay,
				Multiplier:  y.Retry.Multiplier,
				MaxDelay:    y.Retry.MaxDelay,
			},
		},
		Cutoff: cutoff,
	}
}

// SetupLogging installs a default logger writing to stdout and to
// <logDir>/<name>-YYYY-MM-DD.log. The returned file must be closed by the
// caller.
func SetupLogging(cfg *config.Config, name, logDir string) (*slog.Logger, io.Closer, error) {
	path := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", name, time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("creating log file: %w", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, f))
	util.SetDefault(logger)
	logger.Info("logging", "file", path)
	return logger, f, nil
}
