// Package config loads the controller's configuration tree (spec.md §6)
// from a YAML file with environment-variable overrides, following the
// teacher's internal/config.Load pattern of env-first overlay helpers
// (getEnv/getIntEnv/getBoolEnv) generalized to this subsystem's field set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration tree described in spec.md §6.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Collector   CollectorConfig   `yaml:"collector"`
	Store       StoreConfig       `yaml:"store"`
	Resource    ResourceConfig    `yaml:"resource"`
	Log         LogConfig         `yaml:"log"`
	Bots        []BotConfig       `yaml:"bots"`
}

type ServerConfig struct {
	TCP struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"tcp"`
	HTTPPort             int           `yaml:"http_port"`
	IdleTimeoutSeconds   int           `yaml:"idle_timeout_seconds"`
	ShutdownBudgetSeconds int          `yaml:"shutdown_budget_seconds"`
}

func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownBudget() time.Duration {
	return time.Duration(s.ShutdownBudgetSeconds) * time.Second
}

type ReconcilerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	MaxRetries      int  `yaml:"max_retries"`
	DeleteOrphans   bool `yaml:"delete_orphans"`
}

func (r ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

type CollectorConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	HistoryDepth        int `yaml:"history_depth"`
}

func (c CollectorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

type StoreConfig struct {
	DataDir                     string `yaml:"data_dir"`
	BackupRetentionDays         int    `yaml:"backup_retention_days"`
	BackupRetentionCount        int    `yaml:"backup_retention_count"`
	MetricsFlushIntervalSeconds int    `yaml:"metrics_flush_interval_seconds"`
}

func (s StoreConfig) MetricsFlushInterval() time.Duration {
	return time.Duration(s.MetricsFlushIntervalSeconds) * time.Second
}

type ResourceConfig struct {
	Cores          int     `yaml:"cores"`
	MemoryBytes    int64   `yaml:"memory_bytes"`
	MaxBotsFactor  float32 `yaml:"max_bots_factor"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BotConfig is one `bots[]` entry: the same desired-state shape the
// hotreload.Manager parses at runtime. Load decodes it into Config.Bots;
// the startup path does not read it, so bots are seeded only from the
// desired-state file.
type BotConfig struct {
	ID            string                 `yaml:"id"`
	Kind          string                 `yaml:"kind"`
	DesiredStatus string                 `yaml:"desired_status"`
	Config        map[string]interface{} `yaml:"config"`
	Resources     struct {
		CPU    float64 `yaml:"cpu"`
		Memory int64   `yaml:"memory"`
	} `yaml:"resources"`
}

// envPrefix is the documented prefix scheme for environment overrides
// (`*_TCP_PORT`, `*_HTTP_PORT`, `*_LOG_LEVEL`, `*_DATA_DIR`, `*_DEMO_MODE`),
// spec.md §6.
const envPrefix = "BOTCORE"

// Load reads path (if it exists) and overlays recognised environment
// variables, then applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := getIntEnv(envPrefix+"_TCP_PORT", 0); v != 0 {
		cfg.Server.TCP.Port = v
	}
	if v := getIntEnv(envPrefix+"_HTTP_PORT", 0); v != 0 {
		cfg.Server.HTTPPort = v
	}
	if v := getEnv(envPrefix+"_LOG_LEVEL", ""); v != "" {
		cfg.Log.Level = v
	}
	if v := getEnv(envPrefix+"_DATA_DIR", ""); v != "" {
		cfg.Store.DataDir = v
	}
}

// DemoMode reports whether `<prefix>_DEMO_MODE` requests the synthetic
// bootstrap bot used for integration tests (spec.md §6).
func DemoMode() bool {
	return getBoolEnv(envPrefix+"_DEMO_MODE", false)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.TCP.Port == 0 {
		cfg.Server.TCP.Port = 8888
	}
	if cfg.Server.TCP.BindAddress == "" {
		cfg.Server.TCP.BindAddress = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 9090
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 300
	}
	if cfg.Server.ShutdownBudgetSeconds == 0 {
		cfg.Server.ShutdownBudgetSeconds = 10
	}
	if cfg.Reconciler.IntervalSeconds == 0 {
		cfg.Reconciler.IntervalSeconds = 30
	}
	if cfg.Reconciler.MaxRetries == 0 {
		cfg.Reconciler.MaxRetries = 3
	}
	if cfg.Collector.TickIntervalSeconds == 0 {
		cfg.Collector.TickIntervalSeconds = 10
	}
	if cfg.Collector.HistoryDepth == 0 {
		cfg.Collector.HistoryDepth = 360 // 1 hour at the default 10s tick
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "state"
	}
	if cfg.Store.BackupRetentionDays == 0 {
		cfg.Store.BackupRetentionDays = 30
	}
	if cfg.Store.BackupRetentionCount == 0 {
		cfg.Store.BackupRetentionCount = 30
	}
	if cfg.Store.MetricsFlushIntervalSeconds == 0 {
		cfg.Store.MetricsFlushIntervalSeconds = 30
	}
	if cfg.Resource.MaxBotsFactor == 0 {
		cfg.Resource.MaxBotsFactor = 2.0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Server.TCP.Port < 1 || c.Server.TCP.Port > 65535 {
		return fmt.Errorf("server.tcp.port out of range: %d", c.Server.TCP.Port)
	}
	if c.Resource.MaxBotsFactor <= 0 {
		return fmt.Errorf("resource.max_bots_factor must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
