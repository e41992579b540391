package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
service:
  name: relay-test
storage:
  path: ./test.db
api:
  listen: 127.0.0.1:9090
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "relay-test" {
					t.Error("service.name not parsed")
				}
				if cfg.Storage.Path != "./test.db" {
					t.Error("storage.path not parsed")
				}
				if cfg.API.Listen != "127.0.0.1:9090" {
					t.Error("api.listen not parsed")
				}
				// Check defaults applied
				if cfg.Service.LogLevel != "info" {
					t.Error("default log_level not applied")
				}
				if cfg.Dispatch.Workers != 4 {
					t.Error("default dispatch.workers not applied")
				}
				if cfg.Dispatch.BackoffCap != 30*time.Minute {
					t.Error("default dispatch.backoff_cap not applied")
				}
				if cfg.API.ReplayWindow != 5*time.Minute {
					t.Error("default api.replay_window not applied")
				}
				if cfg.Retention.Days != 30 {
					t.Error("default retention.days not applied")
				}
				if cfg.Cooldown.Backend != "sqlite" {
					t.Error("default cooldown.backend not applied")
				}
			},
		},
		{
			name: "durations parsed from strings",
			yaml: `
storage:
  path: ./test.db
api:
  replay_window: 2m
dispatch:
  workers: 8
  poll_interval: 250ms
  execute_timeout: 45s
  backoff_base: 10s
  backoff_cap: 5m
watchdog:
  interval: 30s
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.ReplayWindow != 2*time.Minute {
					t.Errorf("replay_window = %v, want 2m", cfg.API.ReplayWindow)
				}
				if cfg.Dispatch.PollInterval != 250*time.Millisecond {
					t.Errorf("poll_interval = %v, want 250ms", cfg.Dispatch.PollInterval)
				}
				if cfg.Dispatch.ExecuteTimeout != 45*time.Second {
					t.Errorf("execute_timeout = %v, want 45s", cfg.Dispatch.ExecuteTimeout)
				}
				if cfg.Watchdog.Interval != 30*time.Second {
					t.Errorf("watchdog.interval = %v, want 30s", cfg.Watchdog.Interval)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
storage:
  path: ${RELAY_DB_PATH}
api:
  auth:
    api_key: ${RELAY_API_KEY}
`,
			env: map[string]string{
				"RELAY_DB_PATH": "/tmp/relay.db",
				"RELAY_API_KEY": "secret123",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Path != "/tmp/relay.db" {
					t.Errorf("env var not interpolated in storage.path: %s", cfg.Storage.Path)
				}
				if cfg.API.Auth.APIKey != "secret123" {
					t.Error("env var not interpolated in api.auth.api_key")
				}
			},
		},
		{
			name: "missing env var in api key fails validation",
			yaml: `
storage:
  path: ./test.db
api:
  auth:
    api_key: ${RELAY_MISSING_VAR}
`,
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: trace
storage:
  path: ./test.db
`,
			wantErr: true,
		},
		{
			name: "invalid log format",
			yaml: `
service:
  log_format: xml
storage:
  path: ./test.db
`,
			wantErr: true,
		},
		{
			name: "backoff cap below base",
			yaml: `
storage:
  path: ./test.db
dispatch:
  backoff_base: 1m
  backoff_cap: 30s
`,
			wantErr: true,
		},
		{
			name: "unknown cooldown backend",
			yaml: `
storage:
  path: ./test.db
cooldown:
  backend: memcached
`,
			wantErr: true,
		},
		{
			name: "redis backend requires addr",
			yaml: `
storage:
  path: ./test.db
cooldown:
  backend: redis
`,
			wantErr: true,
		},
		{
			name: "redis backend with addr",
			yaml: `
storage:
  path: ./test.db
cooldown:
  backend: redis
  redis:
    addr: 127.0.0.1:6379
    db: 2
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Cooldown.Redis.Addr != "127.0.0.1:6379" {
					t.Error("redis addr not parsed")
				}
				if cfg.Cooldown.Redis.DB != 2 {
					t.Error("redis db not parsed")
				}
			},
		},
		{
			name: "retention disabled stays disabled",
			yaml: `
storage:
  path: ./test.db
retention:
  days: 0
  sweep_interval: 1h
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Retention.Days != 0 {
					t.Errorf("retention.days = %d, want 0 (disabled)", cfg.Retention.Days)
				}
			},
		},
		{
			name: "negative retention days",
			yaml: `
storage:
  path: ./test.db
retention:
  days: -1
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadAcceptsDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	yaml := "storage:\n  path: ./test.db\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.Storage.Path != "./test.db" {
		t.Error("config.yaml inside directory not loaded")
	}
}

func TestLoadVerifiesChecksums(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yaml := "storage:\n  path: ./test.db\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	if err := GenerateChecksums(tmpDir, ScopeFiles); err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}

	// Untampered file loads fine.
	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	// Tampering is detected.
	if err := os.WriteFile(configPath, []byte(yaml+"api:\n  listen: 0.0.0.0:80\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on tampered config")
	}
	if !strings.Contains(err.Error(), "config verification failed") {
		t.Errorf("error should mention verification failure, got: %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${HOME}/data",
			env:   map[string]string{"HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${USER}:${PASS}@${HOST}",
			env: map[string]string{
				"USER": "admin",
				"PASS": "secret",
				"HOST": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${UNDEFINED}",
			env:   map[string]string{},
			want:  "key: ${UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			env:   map[string]string{},
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			got := interpolateEnv(tt.input)
			if got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name:    "missing storage path",
			mutate:  func(cfg *Config) { cfg.Storage.Path = "" },
			wantErr: true,
		},
		{
			name:    "zero workers",
			mutate:  func(cfg *Config) { cfg.Dispatch.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			mutate:  func(cfg *Config) { cfg.Dispatch.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero replay window",
			mutate:  func(cfg *Config) { cfg.API.ReplayWindow = 0 },
			wantErr: true,
		},
		{
			name:    "zero watchdog interval",
			mutate:  func(cfg *Config) { cfg.Watchdog.Interval = 0 },
			wantErr: true,
		},
		{
			name: "retention enabled without sweep interval",
			mutate: func(cfg *Config) {
				cfg.Retention.Days = 7
				cfg.Retention.SweepInterval = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
