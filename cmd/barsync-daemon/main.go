package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"barsync/internal/api"
	"barsync/internal/app"
	"barsync/internal/config"
	"barsync/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default $BARSYNC_CONFIG or "+config.DefaultPath+")")
	logDir := flag.String("log-dir", "/tmp", "directory for the dated log file")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, logFile, err := app.SetupLogging(cfg, "barsync-daemon", *logDir)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer logFile.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	srv := api.NewServer(logger)
	a.Engine.OnReport = srv.Observe

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Daemon.GRPCPort))
	})
	g.Go(func() error {
		return loop(ctx, a, cfg.Daemon.CheckInterval)
	})

	slog.Info("starting barsync daemon",
		"grpcPort", cfg.Daemon.GRPCPort,
		"checkInterval", cfg.Daemon.CheckInterval,
		"cutoff", cfg.Daemon.Cutoff,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("daemon error: %v", err)
	}
	slog.Info("daemon stopped")
}

// loop runs a sync pass every interval. Run is a no-op once the latest
// finished session is marked completed, so frequent checks are cheap.
func loop(ctx context.Context, a *app.App, interval time.Duration) error {
	for {
		if err := a.Engine.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Store or calendar trouble; retry on the next tick.
			slog.Error("sync run failed", "error", err)
		}
		if err := util.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}
