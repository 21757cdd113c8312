package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "SQUEEZE_"

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds application configuration.
//
// Values are layered: defaults, then the TOML file named by -config or
// SQUEEZE_CONFIG, then SQUEEZE_* environment variables, then flags that
// were set explicitly on the command line.
type Config struct {
	Addr            string        `toml:"addr" env:"ADDR"`
	Backend         string        `toml:"backend" env:"BACKEND"`
	DatabaseDSN     string        `toml:"database_dsn" env:"DATABASE_DSN"`
	DBPath          string        `toml:"db_path" env:"DB"`
	OutputDir       string        `toml:"output_dir" env:"OUTPUT_DIR"`
	ArtifactBaseURL string        `toml:"artifact_base_url" env:"ARTIFACT_BASE_URL"`
	Workers         int           `toml:"workers" env:"WORKERS"`
	PollInterval    time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	MaxAttempts     int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	FetchTimeout    time.Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	FetchRetries    int           `toml:"fetch_retries" env:"FETCH_RETRIES"`
	FetchBackoff    time.Duration `toml:"fetch_backoff" env:"FETCH_BACKOFF"`
	MaxImageBytes   int64         `toml:"max_image_bytes" env:"MAX_IMAGE_BYTES"`
	MaxImagePixels  int64         `toml:"max_image_pixels" env:"MAX_IMAGE_PIXELS"`
	JPEGQuality     int           `toml:"jpeg_quality" env:"JPEG_QUALITY"`
	MaxUploadBytes  int64         `toml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	Dev             bool          `toml:"dev" env:"DEV"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "squeeze", "squeeze.db")
}

// DefaultOutputDir returns the default artifact directory using XDG_DATA_HOME.
func DefaultOutputDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "squeeze", "artifacts")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:           ":8080",
		DBPath:         DefaultDBPath(),
		OutputDir:      DefaultOutputDir(),
		Workers:        2,
		PollInterval:   2 * time.Second,
		MaxAttempts:    3,
		FetchTimeout:   30 * time.Second,
		FetchRetries:   3,
		FetchBackoff:   500 * time.Millisecond,
		MaxImageBytes:  20 << 20,
		MaxImagePixels: 50_000_000,
		JPEGQuality:    50,
		MaxUploadBytes: 10 << 20,
	}
}

// Load builds Config from args (without the program name), an optional
// config file and the environment.
func Load(args []string) (*Config, error) {
	// First pass only locates the config file.
	var configPath string
	scratch := flagSet(Default(), &configPath)
	if err := scratch.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	if err := env.Parse(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	// Second pass: flags default to the layered values, so only
	// explicitly set flags change anything.
	if err := flagSet(cfg, &configPath).Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

func flagSet(cfg *Config, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet("squeeze", flag.ContinueOnError)

	fs.StringVar(configPath, "config", os.Getenv(envPrefix+"CONFIG"), "TOML config file (env: SQUEEZE_CONFIG)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: sqlite, postgres or memory (default: postgres when -database-dsn is set)")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for compressed images")
	fs.StringVar(&cfg.ArtifactBaseURL, "artifact-base-url", cfg.ArtifactBaseURL, "Public base URL for compressed images")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent workers")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Worker poll interval")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum attempts per job")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "Timeout for one image download")
	fs.IntVar(&cfg.FetchRetries, "fetch-retries", cfg.FetchRetries, "Retries per image on transient download errors")
	fs.DurationVar(&cfg.FetchBackoff, "fetch-backoff", cfg.FetchBackoff, "Initial delay between download retries")
	fs.Int64Var(&cfg.MaxImageBytes, "max-image-bytes", cfg.MaxImageBytes, "Maximum size of a source image")
	fs.Int64Var(&cfg.MaxImagePixels, "max-image-pixels", cfg.MaxImagePixels, "Maximum width times height of a source image")
	fs.IntVar(&cfg.JPEGQuality, "jpeg-quality", cfg.JPEGQuality, "JPEG quality of compressed images (1-100)")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", cfg.MaxUploadBytes, "Maximum size of an uploaded CSV")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "Human-readable development logging")

	return fs
}

// StorageBackend returns the configured backend, resolving the default.
func (c *Config) StorageBackend() string {
	if c.Backend != "" {
		return c.Backend
	}
	if c.DatabaseDSN != "" {
		return BackendPostgres
	}
	return BackendSQLite
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageBackend() {
	case BackendSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("database dsn is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout))
	}
	if c.FetchRetries < 0 {
		errs = append(errs, fmt.Errorf("fetch retries must not be negative, got %d", c.FetchRetries))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality))
	}
	if c.MaxImageBytes <= 0 {
		errs = append(errs, fmt.Errorf("max image bytes must be positive, got %d", c.MaxImageBytes))
	}
	if c.MaxImagePixels <= 0 {
		errs = append(errs, fmt.Errorf("max image pixels must be positive, got %d", c.MaxImagePixels))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes))
	}

	return errors.Join(errs...)
}
