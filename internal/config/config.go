package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root agent configuration. This mirrors config/agent.yaml.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Collect   CollectConfig   `yaml:"collect"`
	Upload    UploadConfig    `yaml:"upload"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // sqlite file holding buffer + mirror
}

// RemoteConfig points at the central source-of-truth for configuration
// entities. DSN is a lib/pq connection string.
type RemoteConfig struct {
	DSN      string `yaml:"dsn"`
	TenantID string `yaml:"tenant_id"`
}

type CollectConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	FallbackTimeout    time.Duration `yaml:"fallback_timeout"`
	DeviceBackoff      time.Duration `yaml:"device_backoff"`
	FlushBatchSize     int           `yaml:"flush_batch_size"`
	AdaptiveBatching   *bool         `yaml:"adaptive_batching"`
	SequentialFallback *bool         `yaml:"sequential_fallback"`
	Precheck           bool          `yaml:"precheck"`
}

type UploadConfig struct {
	// URL and APIKey are bootstrap values; reconciliation replaces them
	// with whatever the tenant record carries.
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Schedule      string        `yaml:"schedule"` // cron expression
	BatchSize     int           `yaml:"batch_size"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type ReconcileConfig struct {
	Interval     time.Duration `yaml:"interval"`
	LogRetention time.Duration `yaml:"log_retention"`
}

// Load reads and validates the YAML config at path, filling documented
// defaults for anything left unset.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/edgesync.sqlite"
	}
	if c.Collect.Interval <= 0 {
		c.Collect.Interval = 5 * time.Minute
	}
	if c.Collect.ReadTimeout <= 0 {
		c.Collect.ReadTimeout = 3 * time.Second
	}
	if c.Collect.BatchTimeout <= 0 {
		c.Collect.BatchTimeout = 5 * time.Second
	}
	if c.Collect.FallbackTimeout <= 0 {
		c.Collect.FallbackTimeout = 3 * time.Second
	}
	if c.Collect.DeviceBackoff <= 0 {
		c.Collect.DeviceBackoff = 5 * time.Minute
	}
	if c.Collect.FlushBatchSize <= 0 {
		c.Collect.FlushBatchSize = 100
	}
	if c.Collect.AdaptiveBatching == nil {
		c.Collect.AdaptiveBatching = boolPtr(true)
	}
	if c.Collect.SequentialFallback == nil {
		c.Collect.SequentialFallback = boolPtr(true)
	}
	if c.Upload.Schedule == "" {
		c.Upload.Schedule = "*/15 * * * *"
	}
	if c.Upload.BatchSize <= 0 || c.Upload.BatchSize > 50 {
		c.Upload.BatchSize = 50
	}
	if c.Upload.ProbeInterval <= 0 {
		c.Upload.ProbeInterval = time.Minute
	}
	if c.Upload.ProbeTimeout <= 0 {
		c.Upload.ProbeTimeout = 2 * time.Second
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = time.Hour
	}
	if c.Reconcile.LogRetention <= 0 {
		c.Reconcile.LogRetention = 30 * 24 * time.Hour
	}
}

func (c *Config) validate() error {
	if c.Remote.DSN == "" {
		return fmt.Errorf("remote.dsn must be set")
	}
	if c.Remote.TenantID == "" {
		return fmt.Errorf("remote.tenant_id must be set")
	}
	if c.Upload.URL == "" {
		return fmt.Errorf("upload.url must be set")
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
