package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"barsync/internal/calendar"
	"barsync/internal/config"
	"barsync/internal/gather/polygon"
	"barsync/internal/gather/us"
	"barsync/internal/util"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Storage: config.Storage{
			Driver:     "sqlite",
			DataDir:    dir,
			SQLitePath: filepath.Join(dir, "bars.db"),
		},
		Alpaca:   config.Alpaca{APIKey: "k", APISecret: "s"},
		Universe: config.Universe{Tickers: []string{"AAPL", "^GSPC"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestEngineConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Workers = 7
	cfg.Sync.Retry.MaxAttempts = 4

	ec := EngineConfig(cfg)
	if ec.GapMode != "last" || ec.MaxGroupSize != 50 || ec.CloseHour != 16 {
		t.Errorf("EngineConfig = %+v", ec)
	}
	if ec.Fetch.Workers != 7 || ec.Fetch.Retry.MaxAttempts != 4 {
		t.Errorf("Fetch = %+v", ec.Fetch)
	}
	if !ec.Backstop.Equal(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Backstop = %v", ec.Backstop)
	}
	if ec.Cutoff != 20*time.Hour+5*time.Minute {
		t.Errorf("Cutoff = %v", ec.Cutoff)
	}

	if opts := StoreOptions(cfg); opts.MaxConns != 7 || opts.Driver != "sqlite" {
		t.Errorf("StoreOptions = %+v", opts)
	}
}

func TestNewProvider(t *testing.T) {
	cfg := testConfig(t)

	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*us.AlpacaProvider); !ok {
		t.Errorf("provider = %T, want *us.AlpacaProvider", p)
	}

	cfg.Provider = "polygon"
	if _, err := NewProvider(cfg); err == nil {
		t.Error("expected error for polygon without a key")
	}
	cfg.Polygon.APIKey = "pk"
	p, err = NewProvider(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*polygon.Provider); !ok {
		t.Errorf("provider = %T, want *polygon.Provider", p)
	}

	cfg.Provider = "alpaca"
	cfg.Alpaca.APISecret = ""
	if _, err := NewProvider(cfg); err == nil {
		t.Error("expected error for alpaca without a secret")
	}
}

func TestNewCalendar(t *testing.T) {
	cfg := testConfig(t)
	if _, ok := NewCalendar(cfg).(*util.TradingCalendar); !ok {
		t.Error("default calendar should be rule based")
	}
	cfg.Sync.Calendar = "alpaca"
	if _, ok := NewCalendar(cfg).(*calendar.AlpacaOracle); !ok {
		t.Error("alpaca calendar not selected")
	}
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	tickers, err := a.Universe.Tickers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tickers) != 2 {
		t.Errorf("Tickers = %v", tickers)
	}
	if a.Engine == nil || a.Marker == nil {
		t.Error("engine or marker not built")
	}
}

func TestNewFailsWhenCalendarUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":40310000,"message":"forbidden"}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Sync.Calendar = "alpaca"
	cfg.Alpaca.BaseURL = srv.URL

	a, err := New(context.Background(), cfg)
	if err == nil {
		a.Close()
		t.Fatal("New should fail when the calendar source cannot be reached")
	}
}
