package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither a flag nor BARSYNC_CONFIG names a file.
const DefaultPath = "config/barsync.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for barsync.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Provider string   `yaml:"provider"` // alpaca | polygon
	Alpaca   Alpaca   `yaml:"alpaca"`
	Polygon  Polygon  `yaml:"polygon"`
	Logging  Logging  `yaml:"logging"`
	Universe Universe `yaml:"universe"`
	Sync     Sync     `yaml:"sync"`
	Daemon   Daemon   `yaml:"daemon"`
}

// Storage selects the bar backend.
type Storage struct {
	Driver     string   `yaml:"driver"` // parquet | sqlite | postgres
	DataDir    string   `yaml:"data_dir"`
	Market     string   `yaml:"market"`
	SQLitePath string   `yaml:"sqlite_path"`
	Postgres   Postgres `yaml:"postgres"`
}

// Postgres configures the Postgres-wire backend (Postgres, TimescaleDB,
// QuestDB).
type Postgres struct {
	DSN        string `yaml:"dsn"`
	Table      string `yaml:"table"`
	OnConflict bool   `yaml:"on_conflict"`
	CopyFrom   bool   `yaml:"copy_from"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	BaseURL    string `yaml:"base_url"`
	DataURL    string `yaml:"data_url"`
	Feed       string `yaml:"feed"`
	Adjustment string `yaml:"adjustment"`
}

// Polygon holds the Polygon.io REST key.
type Polygon struct {
	APIKey     string `yaml:"api_key"`
	Unadjusted bool   `yaml:"unadjusted"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Universe lists where tickers come from.
type Universe struct {
	Tickers   []string `yaml:"tickers"`
	Files     []string `yaml:"files"`
	FromStore bool     `yaml:"from_store"`
}

// Sync holds the gap detection, batching and pacing parameters.
type Sync struct {
	GapMode         string            `yaml:"gap_mode"` // last | dates
	Calendar        string            `yaml:"calendar"` // rules | alpaca
	BackstopDate    string            `yaml:"backstop_date"`
	LookbackDays    int               `yaml:"lookback_days"`
	CloseHour       int               `yaml:"close_hour"`
	MaxGroupSize    int               `yaml:"max_group_size"`
	MaxChunkSize    int               `yaml:"max_chunk_size"`
	WaveSize        int               `yaml:"wave_size"`
	Workers         int               `yaml:"workers"`
	JitterMin       time.Duration     `yaml:"jitter_min"`
	JitterMax       time.Duration     `yaml:"jitter_max"`
	BatchPause      time.Duration     `yaml:"batch_pause"`
	RateLimitPerMin int               `yaml:"rate_limit_per_min"`
	Retry           Retry             `yaml:"retry"`
	ExtraClosures   map[string]string `yaml:"extra_closures"`
}

// Retry configures the fetch retry policy.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Daemon configures the long-running scheduler.
type Daemon struct {
	GRPCPort      int           `yaml:"grpc_port"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// Cutoff is the ET wall-clock time after which today's session counts
	// as finished, "HH:MM".
	Cutoff string `yaml:"cutoff"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns flagValue if set, else $BARSYNC_CONFIG, else DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("BARSYNC_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides (including a .env
// file in the working directory, if present) and fills defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env", "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("BARSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}

	if v := os.Getenv("BARSYNC_PROVIDER"); v != "" {
		cfg.Provider = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Polygon.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars win; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Validate fills unset fields with defaults and rejects values no run could
// work with.
func (c *Config) Validate() error {
	s := &c.Storage
	if s.Driver == "" {
		s.Driver = "parquet"
	}
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.Market == "" {
		s.Market = "us"
	}
	if s.SQLitePath == "" {
		s.SQLitePath = "data/barsync.db"
	}
	if s.Postgres.Table == "" {
		s.Postgres.Table = "bars"
	}
	switch s.Driver {
	case "parquet", "sqlite":
	case "postgres", "questdb":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for driver %q", s.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", s.Driver)
	}

	if c.Provider == "" {
		c.Provider = "alpaca"
	}
	switch c.Provider {
	case "alpaca", "polygon":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	y := &c.Sync
	if y.GapMode == "" {
		y.GapMode = "last"
	}
	if y.GapMode != "last" && y.GapMode != "dates" {
		return fmt.Errorf("unknown sync.gap_mode %q", y.GapMode)
	}
	if y.Calendar == "" {
		y.Calendar = "rules"
	}
	if y.Calendar != "rules" && y.Calendar != "alpaca" {
		return fmt.Errorf("unknown sync.calendar %q", y.Calendar)
	}
	if y.BackstopDate == "" {
		y.BackstopDate = "2000-01-01"
	}
	if _, err := time.Parse("2006-01-02", y.BackstopDate); err != nil {
		return fmt.Errorf("sync.backstop_date: %w", err)
	}
	for date := range y.ExtraClosures {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("sync.extra_closures: %w", err)
		}
	}
	if y.CloseHour == 0 {
		y.CloseHour = 16
	}
	if y.CloseHour < 0 || y.CloseHour > 23 {
		return fmt.Errorf("sync.close_hour %d out of range", y.CloseHour)
	}
	if y.MaxGroupSize <= 0 {
		y.MaxGroupSize = 50
	}
	if y.MaxChunkSize <= 0 {
		y.MaxChunkSize = 365
	}
	if y.WaveSize <= 0 {
		y.WaveSize = 500
	}
	if y.Workers <= 0 {
		y.Workers = 10
	}
	if y.JitterMin == 0 && y.JitterMax == 0 {
		y.JitterMin, y.JitterMax = 100*time.Millisecond, 300*time.Millisecond
	}
	if y.JitterMax < y.JitterMin {
		return fmt.Errorf("sync.jitter_max %v below jitter_min %v", y.JitterMax, y.JitterMin)
	}
	if y.BatchPause == 0 {
		y.BatchPause = time.Second
	}
	if y.Retry.MaxAttempts <= 0 {
		y.Retry.MaxAttempts = 3
	}
	if y.Retry.BaseDelay == 0 {
		y.Retry.BaseDelay = time.Second
	}
	if y.Retry.Multiplier == 0 {
		y.Retry.Multiplier = 2
	}
	if y.Retry.MaxDelay == 0 {
		y.Retry.MaxDelay = 10 * time.Second
	}

	d := &c.Daemon
	if d.GRPCPort == 0 {
		d.GRPCPort = 9090
	}
	if d.CheckInterval == 0 {
		d.CheckInterval = 15 * time.Minute
	}
	if d.Cutoff == "" {
		d.Cutoff = "20:05"
	}
	if _, err := d.CutoffOffset(); err != nil {
		return err
	}
	return nil
}

// Backstop returns the parsed backstop date.
func (y Sync) Backstop() time.Time {
	t, _ := time.Parse("2006-01-02", y.BackstopDate)
	return t
}

// CutoffOffset parses Cutoff into an offset from midnight.
func (d Daemon) CutoffOffset() (time.Duration, error) {
	hh, mm, ok := strings.Cut(d.Cutoff, ":")
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if !ok || errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("daemon.cutoff %q: want HH:MM", d.Cutoff)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
