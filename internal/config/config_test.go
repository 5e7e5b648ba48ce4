package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "barsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// clearEnv unsets every variable applyEnvOverrides reads for the duration of
// the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "BARSYNC_STORAGE_DRIVER", "DATABASE_URL",
		"BARSYNC_PROVIDER", "ALPACA_API_KEY", "ALPACA_API_SECRET",
		"ALPACA_BASE_URL", "ALPACA_DATA_URL", "POLYGON_API_KEY", "LOG_LEVEL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		if old, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}

func TestLoadExplicitValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  driver: sqlite
  data_dir: "/tmp/barsync/data"
  sqlite_path: "/tmp/barsync/bars.db"
provider: polygon
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  feed: iex
polygon:
  api_key: "poly-key"
logging:
  level: debug
  format: json
universe:
  tickers: [AAPL, "^GSPC"]
  from_store: true
sync:
  gap_mode: dates
  backstop_date: "2015-01-02"
  lookback_days: 3
  max_group_size: 25
  workers: 4
  jitter_min: 50ms
  jitter_max: 75ms
  batch_pause: 2s
  retry:
    max_attempts: 5
    base_delay: 500ms
  extra_closures:
    "2025-01-09": "National Day of Mourning"
daemon:
  grpc_port: 7070
  cutoff: "19:30"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.SQLitePath != "/tmp/barsync/bars.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}

	// -- Providers --
	if cfg.Provider != "polygon" {
		t.Errorf("Provider = %q, want polygon", cfg.Provider)
	}
	if cfg.Alpaca.Feed != "iex" || cfg.Polygon.APIKey != "poly-key" {
		t.Errorf("Alpaca.Feed = %q, Polygon.APIKey = %q", cfg.Alpaca.Feed, cfg.Polygon.APIKey)
	}

	// -- Universe --
	if len(cfg.Universe.Tickers) != 2 || cfg.Universe.Tickers[1] != "^GSPC" || !cfg.Universe.FromStore {
		t.Errorf("Universe = %+v", cfg.Universe)
	}

	// -- Sync --
	s := cfg.Sync
	if s.GapMode != "dates" || s.LookbackDays != 3 || s.MaxGroupSize != 25 || s.Workers != 4 {
		t.Errorf("Sync = %+v", s)
	}
	if s.JitterMin != 50*time.Millisecond || s.JitterMax != 75*time.Millisecond {
		t.Errorf("jitter = %v..%v, want 50ms..75ms", s.JitterMin, s.JitterMax)
	}
	if s.BatchPause != 2*time.Second {
		t.Errorf("BatchPause = %v, want 2s", s.BatchPause)
	}
	if s.Retry.MaxAttempts != 5 || s.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry = %+v", s.Retry)
	}
	// Unset retry fields still get defaults.
	if s.Retry.Multiplier != 2 || s.Retry.MaxDelay != 10*time.Second {
		t.Errorf("Retry defaults = %+v", s.Retry)
	}
	if !s.Backstop().Equal(time.Date(2015, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Backstop() = %v", s.Backstop())
	}
	if s.ExtraClosures["2025-01-09"] == "" {
		t.Error("extra closure not loaded")
	}

	// -- Daemon --
	if cfg.Daemon.GRPCPort != 7070 {
		t.Errorf("Daemon.GRPCPort = %d, want 7070", cfg.Daemon.GRPCPort)
	}
	off, err := cfg.Daemon.CutoffOffset()
	if err != nil || off != 19*time.Hour+30*time.Minute {
		t.Errorf("CutoffOffset() = %v, %v", off, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "universe:\n  tickers: [AAPL]\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.Driver != "parquet" || cfg.Storage.Market != "us" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Provider != "alpaca" {
		t.Errorf("Provider = %q, want alpaca", cfg.Provider)
	}
	s := cfg.Sync
	if s.GapMode != "last" || s.Calendar != "rules" || s.CloseHour != 16 {
		t.Errorf("Sync mode defaults = %q %q %d", s.GapMode, s.Calendar, s.CloseHour)
	}
	if s.MaxGroupSize != 50 || s.Workers != 10 || s.Retry.MaxAttempts != 3 {
		t.Errorf("Sync size defaults = %d %d %d", s.MaxGroupSize, s.Workers, s.Retry.MaxAttempts)
	}
	if s.JitterMin != 100*time.Millisecond || s.JitterMax != 300*time.Millisecond {
		t.Errorf("jitter defaults = %v..%v", s.JitterMin, s.JitterMax)
	}
	if cfg.Daemon.Cutoff != "20:05" {
		t.Errorf("Daemon.Cutoff = %q", cfg.Daemon.Cutoff)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("POLYGON_API_KEY", "env-poly")
	t.Setenv("APCA_API_SECRET_KEY", "apca-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "apca-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (APCA override)", cfg.Alpaca.APISecret, "apca-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Polygon.APIKey != "env-poly" {
		t.Errorf("Polygon.APIKey = %q, want env-poly", cfg.Polygon.APIKey)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"driver":     "storage:\n  driver: mongo\n",
		"postgres":   "storage:\n  driver: postgres\n",
		"provider":   "provider: yahoo\n",
		"gap mode":   "sync:\n  gap_mode: fuzzy\n",
		"backstop":   "sync:\n  backstop_date: yesterday\n",
		"jitter":     "sync:\n  jitter_min: 2s\n  jitter_max: 1s\n",
		"cutoff":     "daemon:\n  cutoff: \"8pm\"\n",
		"closure":    "sync:\n  extra_closures:\n    \"Jan 9\": x\n",
		"close hour": "sync:\n  close_hour: 24\n",
		"bad yaml":   "sync: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("BARSYNC_CONFIG", "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path(\"\") = %q, want %q", got, DefaultPath)
	}
	t.Setenv("BARSYNC_CONFIG", "/etc/barsync.yaml")
	if got := Path(""); got != "/etc/barsync.yaml" {
		t.Errorf("Path(\"\") = %q, want env value", got)
	}
	if got := Path("x.yaml"); got != "x.yaml" {
		t.Errorf("Path(flag) = %q, want x.yaml", got)
	}
}
