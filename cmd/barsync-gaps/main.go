package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"barsync/internal/app"
	"barsync/internal/calendar"
	"barsync/internal/config"
	"barsync/internal/domain"
	"barsync/internal/reconcile"
	"barsync/internal/store"
	"barsync/internal/universe"
	"barsync/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default $BARSYNC_CONFIG or "+config.DefaultPath+")")
	tickersFlag := flag.String("tickers", "", "comma-separated tickers, replaces the configured universe")
	asOfFlag := flag.String("as-of", "", "detect gaps up to this date (YYYY-MM-DD)")
	verbose := flag.Bool("v", false, "list every batch")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgFlag))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr))

	ctx := context.Background()
	s, err := store.Open(ctx, app.StoreOptions(cfg))
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer s.Close()

	cal := app.NewCalendar(cfg)
	if err := calendar.Check(cal, time.Now()); err != nil {
		log.Fatalf("reaching calendar source: %v", err)
	}
	u := universe.New(cfg.Universe.Tickers, cfg.Universe.Files, s, cfg.Universe.FromStore)

	tickers := universe.Dedup(strings.Split(*tickersFlag, ","))
	if len(tickers) == 0 {
		if tickers, err = u.Tickers(ctx); err != nil {
			log.Fatalf("loading universe: %v", err)
		}
	}

	var asOf time.Time
	if *asOfFlag != "" {
		if asOf, err = time.Parse(domain.DateLayout, *asOfFlag); err != nil {
			log.Fatalf("parsing -as-of: %v", err)
		}
	} else {
		cutoff, _ := cfg.Daemon.CutoffOffset()
		if asOf, err = calendar.LatestFinishedTradingDay(cal, time.Now(), cutoff); err != nil {
			log.Fatalf("determining as-of date: %v", err)
		}
	}

	// Gap detection never touches the provider.
	ec := app.EngineConfig(cfg)
	e := reconcile.NewEngine(ec, s, nil, cal, u, nil)
	gaps, err := e.DetectGaps(ctx, tickers, asOf)
	if err != nil {
		log.Fatalf("detecting gaps: %v", err)
	}
	batches := reconcile.Schedule(gaps, ec.MaxGroupSize, ec.MaxChunkSize)
	waves := reconcile.Waves(batches, ec.WaveSize)

	fmt.Printf("as of %s: %d tickers, %d with gaps, %d batches in %d waves\n",
		asOf.Format(domain.DateLayout), len(tickers), len(gaps), len(batches), len(waves))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tSTART\tEND\tMISSING")
	for _, g := range gaps {
		missing := "-"
		if g.Dates != nil {
			missing = fmt.Sprintf("%d", len(g.Dates))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Ticker, g.Start.Format(domain.DateLayout), g.End.Format(domain.DateLayout), missing)
	}
	tw.Flush()

	if !*verbose {
		return
	}
	fmt.Println()
	for i, w := range waves {
		fmt.Printf("wave %d: %d batches, %d tickers\n", i+1, len(w.Batches), w.Tickers())
		for _, b := range w.Batches {
			fmt.Printf("  %s..%s  %s\n", b.Start.Format(domain.DateLayout), b.End.Format(domain.DateLayout), strings.Join(b.Tickers, ","))
		}
	}
}
