// Package daemon manages the mediaq coordinator lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config holds all mediaq configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Database  DatabaseConfig  `toml:"database"`
	Storage   StorageConfig   `toml:"storage"`
	Retention RetentionConfig `toml:"retention"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Logging   LoggingConfig   `toml:"logging"`
	Health    HealthConfig    `toml:"health"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	MaxBody string `toml:"max_body"`
	Metrics bool   `toml:"metrics"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite or postgres
	Dir    string `toml:"dir"`    // sqlite only
	DSN    string `toml:"dsn"`    // postgres only
}

// StorageConfig sizes and locates file storage.
type StorageConfig struct {
	ContentDir string `toml:"content_dir"`
	StagingDir string `toml:"staging_dir"`
	Limit      string `toml:"limit"`
	ChunkSize  string `toml:"chunk_size"`
}

// RetentionConfig controls the sweeps.
type RetentionConfig struct {
	Window        string `toml:"window"`
	SessionTTL    string `toml:"session_ttl"`
	UploadSweep   string `toml:"upload_sweep"`
	ArtifactSweep string `toml:"artifact_sweep"`
}

// QueueConfig tunes the coordinator.
type QueueConfig struct {
	SignalTTL string `toml:"signal_ttl"`
	PageSize  int    `toml:"page_size"`
}

// WorkerConfig configures `mediaq worker`.
type WorkerConfig struct {
	Server        string   `toml:"server"`
	ID            string   `toml:"id"`
	PollInterval  string   `toml:"poll_interval"`
	Timeout       string   `toml:"timeout"`
	WorkDir       string   `toml:"work_dir"`
	Extractor     string   `toml:"extractor"`
	ExtractorArgs []string `toml:"extractor_args"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// HealthConfig controls the health checker.
type HealthConfig struct {
	Interval string  `toml:"interval"`
	Headroom float64 `toml:"headroom"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	homeDir := mediaqHome()
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			MaxBody: "16MiB",
			Metrics: true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Dir:    homeDir,
		},
		Storage: StorageConfig{
			ContentDir: filepath.Join(homeDir, "content"),
			StagingDir: filepath.Join(homeDir, "staging"),
			Limit:      "50GiB",
			ChunkSize:  "10MiB",
		},
		Retention: RetentionConfig{
			Window:        "720h",
			SessionTTL:    "24h",
			UploadSweep:   "1h",
			ArtifactSweep: "6h",
		},
		Queue: QueueConfig{
			SignalTTL: "2s",
			PageSize:  40,
		},
		Worker: WorkerConfig{
			Server:       "http://127.0.0.1:8080",
			PollInterval: "10s",
			Timeout:      "30m",
			WorkDir:      filepath.Join(homeDir, "work"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Interval: "60s",
			Headroom: 0.95,
		},
	}
}

// ConfigPath returns the location of config.toml.
func ConfigPath() string {
	return filepath.Join(mediaqHome(), "config.toml")
}

// LoadConfig reads config from $MEDIAQ_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path. A missing file yields the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $MEDIAQ_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// Validate parses every size and duration and checks their relationships.
func (c Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	maxBody, err := c.API.MaxBodyBytes()
	check(err)
	chunk, err := c.Storage.ChunkBytes()
	check(err)
	_, err = c.Storage.LimitBytes()
	check(err)
	if chunk > 0 && maxBody > 0 && maxBody < chunk+(64<<10) {
		errs = append(errs, fmt.Errorf("api.max_body %s must exceed storage.chunk_size %s",
			humanize.IBytes(uint64(maxBody)), humanize.IBytes(uint64(chunk))))
	}

	for name, v := range map[string]string{
		"retention.window":         c.Retention.Window,
		"retention.session_ttl":    c.Retention.SessionTTL,
		"retention.upload_sweep":   c.Retention.UploadSweep,
		"retention.artifact_sweep": c.Retention.ArtifactSweep,
		"queue.signal_ttl":         c.Queue.SignalTTL,
		"worker.poll_interval":     c.Worker.PollInterval,
		"worker.timeout":           c.Worker.Timeout,
		"health.interval":          c.Health.Interval,
	} {
		_, err := parseDuration(name, v)
		check(err)
	}

	if c.Queue.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("queue.page_size must be positive"))
	}
	if c.Health.Headroom <= 0 || c.Health.Headroom > 1 {
		errs = append(errs, fmt.Errorf("health.headroom %.2f must be in (0, 1]", c.Health.Headroom))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ─── Parsed accessors ───────────────────────────────────────────────────────

// MaxBodyBytes parses max_body.
func (a APIConfig) MaxBodyBytes() (int64, error) { return parseSize("api.max_body", a.MaxBody) }

// Addr returns host:port.
func (a APIConfig) Addr() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// LimitBytes parses the storage cap.
func (s StorageConfig) LimitBytes() (int64, error) { return parseSize("storage.limit", s.Limit) }

// ChunkBytes parses the chunk size.
func (s StorageConfig) ChunkBytes() (int64, error) {
	return parseSize("storage.chunk_size", s.ChunkSize)
}

func parseSize(name, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, s, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("%s %q: out of range", name, s)
	}
	return int64(n), nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s %q: must be positive", name, s)
	}
	return d, nil
}

// mustDuration is for values Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// mediaqHome returns the mediaq data directory.
func mediaqHome() string {
	if env := os.Getenv("MEDIAQ_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mediaq")
}

// Home is exported for use by other packages.
func Home() string {
	return mediaqHome()
}
