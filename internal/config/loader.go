package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// The pipeline is read, interpolate environment variables, apply defaults,
// verify checksums when a .checksums manifest is present, validate.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// load is Load with hash verification made optional so SetPath can
// re-validate a freshly written file before the manifest is regenerated.
func load(configPath string, verifyHashes bool) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Keep the raw document around for SetPath. Raw, not interpolated:
	// writing it back must never bake resolved secrets into the file.
	cfg.SourceFiles = make(map[string]*yaml.Node)
	var rootNode yaml.Node
	if err := yaml.Unmarshal(data, &rootNode); err == nil {
		cfg.SourceFiles[absPath] = &rootNode
	}

	applyConfigDefaults(&cfg)

	if verifyHashes {
		paths := []string{absPath}
		if cfg.Policy.Path != "" {
			if policyPath, err := filepath.Abs(cfg.Policy.Path); err == nil {
				if _, err := os.Stat(policyPath); err == nil {
					paths = append(paths, policyPath)
				}
			}
		}
		if err := verifyConfigHashes(paths); err != nil {
			return nil, err
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigDir finds the config location by checking standard paths.
// Priority order: $SITERELAY_CONFIG_DIR, ~/.config/siterelay, /etc/siterelay, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("SITERELAY_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "siterelay")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/siterelay"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $SITERELAY_CONFIG_DIR, ~/.config/siterelay, /etc/siterelay, ./config.yaml)")
}

// verifyConfigHashes checks each path against the .checksums manifest of its
// directory. Directories without a manifest are skipped; a manifest that
// exists must cover every config file in its directory.
func verifyConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums here, nothing to enforce.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: siterelay config lock --config-dir %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: siterelay config lock --config-dir %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.ReplayWindow == 0 {
		cfg.API.ReplayWindow = defaults.API.ReplayWindow
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = defaults.Dispatch.Workers
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = defaults.Dispatch.PollInterval
	}
	if cfg.Dispatch.ExecuteTimeout == 0 {
		cfg.Dispatch.ExecuteTimeout = defaults.Dispatch.ExecuteTimeout
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = defaults.Dispatch.MaxRetries
	}
	if cfg.Dispatch.BackoffBase == 0 {
		cfg.Dispatch.BackoffBase = defaults.Dispatch.BackoffBase
	}
	if cfg.Dispatch.BackoffCap == 0 {
		cfg.Dispatch.BackoffCap = defaults.Dispatch.BackoffCap
	}

	if cfg.Watchdog.Interval == 0 {
		cfg.Watchdog.Interval = defaults.Watchdog.Interval
	}

	// Retention days of zero is meaningful (sweeper disabled), so the
	// default only applies when the whole section is absent.
	if cfg.Retention.Days == 0 && cfg.Retention.SweepInterval == 0 {
		cfg.Retention = defaults.Retention
	} else if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = defaults.Retention.SweepInterval
	}

	if cfg.Cooldown.Backend == "" {
		cfg.Cooldown.Backend = defaults.Cooldown.Backend
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if cfg.API.ReplayWindow <= 0 {
		return fmt.Errorf("api.replay_window must be positive")
	}
	// Secrets may arrive via ${VAR}; a placeholder that survived
	// interpolation means the variable is missing (security: fail loud
	// rather than run with a literal "${X}" credential).
	if err := checkResolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	if err := checkResolved("api.auth.jwt_secret", cfg.API.Auth.JWTSecret); err != nil {
		return err
	}

	if cfg.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if cfg.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("dispatch.poll_interval must be positive")
	}
	if cfg.Dispatch.ExecuteTimeout <= 0 {
		return fmt.Errorf("dispatch.execute_timeout must be positive")
	}
	if cfg.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if cfg.Dispatch.BackoffBase <= 0 {
		return fmt.Errorf("dispatch.backoff_base must be positive")
	}
	if cfg.Dispatch.BackoffCap < cfg.Dispatch.BackoffBase {
		return fmt.Errorf("dispatch.backoff_cap must not be less than dispatch.backoff_base")
	}

	if cfg.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be positive")
	}

	if cfg.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative")
	}
	if cfg.Retention.Days > 0 && cfg.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be positive")
	}

	switch cfg.Cooldown.Backend {
	case "sqlite":
	case "redis":
		if cfg.Cooldown.Redis.Addr == "" {
			return fmt.Errorf("cooldown.redis.addr is required when cooldown.backend is redis")
		}
		if err := checkResolved("cooldown.redis.password", cfg.Cooldown.Redis.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cooldown.backend must be one of: sqlite, redis (got %q)", cfg.Cooldown.Backend)
	}

	return nil
}

// checkResolved rejects values still holding a ${VAR} placeholder.
func checkResolved(key, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", key, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", key)
}
