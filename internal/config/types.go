package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete siterelay configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Dispatch  DispatchConfig  `yaml:"dispatch,omitempty"`
	Watchdog  WatchdogConfig  `yaml:"watchdog,omitempty"`
	Retention RetentionConfig `yaml:"retention,omitempty"`
	Cooldown  CooldownConfig  `yaml:"cooldown,omitempty"`
	Policy    PolicyConfig    `yaml:"policy,omitempty"`

	// SourceFiles keeps the parsed document node per file so SetPath can
	// rewrite a value without clobbering comments or key order.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StorageConfig defines where the command queue database lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen       string        `yaml:"listen"`
	Auth         APIAuthConfig `yaml:"auth"`
	ReplayWindow time.Duration `yaml:"replay_window"`
}

// APIAuthConfig defines operator authentication settings.
// Site admission tokens are verified per tenant and are not configured here.
type APIAuthConfig struct {
	// APIKey is a single bearer token with admin access.
	APIKey string `yaml:"api_key"`
	// JWTSecret signs and verifies scoped operator tokens.
	JWTSecret string `yaml:"jwt_secret"`
}

// DispatchConfig defines worker pool and retry settings.
type DispatchConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
}

// WatchdogConfig defines how often stuck in-flight commands are reclaimed.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RetentionConfig defines how long terminal commands are kept.
// Days of zero disables the sweeper.
type RetentionConfig struct {
	Days          int           `yaml:"days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CooldownConfig selects the cooldown ledger backend.
type CooldownConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig defines the connection for the redis cooldown backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PolicyConfig points at the plan entitlement table.
// An empty path selects the builtin table.
type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ChecksumManifest is the parsed form of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult collects the outcome of a manifest verification pass.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "siterelay",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Storage: StorageConfig{
			Path: "./data/siterelay.db",
		},
		API: APIConfig{
			Listen:       "127.0.0.1:8080",
			ReplayWindow: 5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Workers:        4,
			PollInterval:   1 * time.Second,
			ExecuteTimeout: 30 * time.Second,
			MaxRetries:     3,
			BackoffBase:    30 * time.Second,
			BackoffCap:     30 * time.Minute,
		},
		Watchdog: WatchdogConfig{
			Interval: 15 * time.Second,
		},
		Retention: RetentionConfig{
			Days:          30,
			SweepInterval: 1 * time.Hour,
		},
		Cooldown: CooldownConfig{
			Backend: "sqlite",
		},
	}
}
