package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"barsync/internal/app"
	"barsync/internal/calendar"
	"barsync/internal/config"
	"barsync/internal/domain"
	"barsync/internal/progress"
	"barsync/internal/universe"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default $BARSYNC_CONFIG or "+config.DefaultPath+")")
	tickersFlag := flag.String("tickers", "", "comma-separated tickers, replaces the configured universe")
	asOfFlag := flag.String("as-of", "", "sync up to this date (YYYY-MM-DD) instead of the latest finished session")
	force := flag.Bool("force", false, "sync even if the latest session is already marked completed")
	logDir := flag.String("log-dir", "/tmp", "directory for the dated log file")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	_, logFile, err := app.SetupLogging(cfg, "barsync", *logDir)
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

	printer := progress.NewPrinter(os.Stderr)
	a.Engine.OnProgress = printer.Sync

	var report *domain.RunReport
	a.Engine.OnReport = func(r *domain.RunReport) { report = r }

	if *force {
		if err := a.Marker.Reset(); err != nil {
			log.Fatalf("resetting completion marker: %v", err)
		}
	}

	slog.Info("starting barsync", "driver", cfg.Storage.Driver, "provider", cfg.Provider, "gapMode", cfg.Sync.GapMode)

	// Explicit tickers or date bypass the universe and the completion marker.
	if *tickersFlag != "" || *asOfFlag != "" {
		tickers := universe.Dedup(strings.Split(*tickersFlag, ","))
		if len(tickers) == 0 {
			tickers, err = a.Universe.Tickers(ctx)
			if err != nil {
				log.Fatalf("loading universe: %v", err)
			}
		}
		asOf, err := resolveAsOf(*asOfFlag, a.Calendar, cfg)
		if err != nil {
			log.Fatalf("%v", err)
		}
		report, err = a.Engine.Sync(ctx, tickers, asOf)
		if err != nil {
			log.Fatalf("sync: %v", err)
		}
	} else if err := a.Engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("sync: %v", err)
	}

	printer.Complete("")
	if report != nil {
		printReport(report)
	}
}

func resolveAsOf(s string, cal calendar.Oracle, cfg *config.Config) (time.Time, error) {
	if s != "" {
		t, err := time.Parse(domain.DateLayout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing -as-of: %w", err)
		}
		return t, nil
	}
	cutoff, _ := cfg.Daemon.CutoffOffset()
	return calendar.LatestFinishedTradingDay(cal, time.Now(), cutoff)
}

func printReport(r *domain.RunReport) {
	fmt.Printf("as of %s: %s\n", r.AsOf.Format(domain.DateLayout), r.Status)
	fmt.Printf("  tickers %d, gaps %d, batches %d in %d waves\n", r.Tickers, r.Gaps, r.Batches, r.Waves)
	fmt.Printf("  fetched %d, rejected %d, written %d, write failures %d, retries %d\n",
		r.Fetched, r.Rejected, r.Written, r.WriteFailed, r.Retries)
	for reason, n := range r.RejectedBy {
		fmt.Printf("  rejected %-16s %d\n", reason, n)
	}
	if len(r.FailedTickers) > 0 {
		fmt.Printf("  failed tickers (%d): %s\n", len(r.FailedTickers), strings.Join(r.FailedTickers, ", "))
	}
	fmt.Printf("  elapsed %s\n", r.Elapsed)
}
