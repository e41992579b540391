package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"siterelay/internal/api"
	"siterelay/internal/config"
	"siterelay/internal/cooldown"
	"siterelay/internal/dispatch"
	"siterelay/internal/doctor"
	"siterelay/internal/events"
	"siterelay/internal/lock"
	"siterelay/internal/log"
	"siterelay/internal/metrics"
	"siterelay/internal/policy"
	"siterelay/internal/queue"
	"siterelay/internal/retry"
	"siterelay/internal/scheduler"
	"siterelay/internal/storage"
)

// Overridden at build time via -ldflags.
var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "tenant":
		return runTenantNoun(args)
	case "token":
		return runTokenNoun(args)
	case "command":
		return runCommandNoun(args)
	case "admin":
		return runAdminNoun(args)

	// --- ROOT ALIASES ---
	case "serve", "start":
		if hasHelpFlag(args) {
			printSystemServeHelp()
			return 0
		}
		return runServe(args)
	case "status":
		if hasHelpFlag(args) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: siterelay version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("siterelay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`siterelay - Command dispatch queue and remote execution controller

Usage:
  siterelay <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  config    Configuration and integrity
  tenant    Tenant directory
  token     Operator credentials
  command   Queued command inspection
  admin     Queue maintenance

System Commands:
  system serve      Run the controller in the foreground
  system status     Show whether an instance is running and its health

Config Commands:
  config lock       Authorize current state (update integrity hashes)
  config check      Validate configuration, policy, and integrity
  config show       Show the resolved configuration
  config get        Read a single configuration value
  config set        Change a configuration value

Tenant Commands:
  tenant add        Register or update a tenant directory row
  tenant list       List known tenants

Token Commands:
  token issue       Mint a scoped operator JWT

Command Commands:
  command inspect   Report one command's full story from the local database

Admin Commands:
  admin cleanup     Delete old completed/failed/cancelled commands

General:
  serve             Alias for system serve
  status            Alias for system status
  doctor            Alias for config check
  version           Show version information
  help              Show this help message

Use 'siterelay <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "serve", "start":
		if hasHelpFlag(actionArgs) {
			printSystemServeHelp()
			return 0
		}
		return runServe(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siterelay system <action>")
	fmt.Fprintln(w, "Actions: serve, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: siterelay config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check, show, get, set")
}

func printSystemServeHelp() {
	fmt.Println("Usage: siterelay system serve [--config PATH]")
	fmt.Println("Run the controller in the foreground: API, dispatch workers, watchdog, sweeper.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: siterelay system status [--config PATH] [--json]")
	fmt.Println("Report whether an instance holds the PID lock and what /healthz says.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: siterelay config lock [--config PATH | --config-dir PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating scope file integrity hashes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: siterelay config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: siterelay config show [path] [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration or a single subtree.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: siterelay config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: siterelay config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

// --- ACTION IMPLEMENTATIONS ---

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("siterelay starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Storage.Path)

	metrics.Init(db)

	store := queue.New(db)

	provider, err := policy.NewProvider(cfg.Policy.Path)
	if err != nil {
		logger.Error("failed to load policy", "path", cfg.Policy.Path, "error", err)
		return 1
	}
	if cfg.Policy.Path == "" {
		logger.Info("policy loaded", "source", "builtin")
	} else {
		logger.Info("policy loaded", "source", cfg.Policy.Path, "plans", len(provider.Plans()))
	}

	var ledger cooldown.Ledger
	switch cfg.Cooldown.Backend {
	case "redis":
		rdb, err := cooldown.DialRedis(ctx, cfg.Cooldown.Redis.Addr, cfg.Cooldown.Redis.Password, cfg.Cooldown.Redis.DB)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Cooldown.Redis.Addr, "error", err)
			return 1
		}
		defer rdb.Close()
		ledger = cooldown.NewRedisLedger(rdb)
		logger.Info("cooldown ledger ready", "backend", "redis", "addr", cfg.Cooldown.Redis.Addr)
	default:
		ledger = cooldown.NewSQLLedger(db)
		logger.Info("cooldown ledger ready", "backend", "sqlite")
	}

	hub := events.NewHub(256)

	sched := scheduler.New(scheduler.Config{
		Workers:          cfg.Dispatch.Workers,
		PollInterval:     cfg.Dispatch.PollInterval,
		ExecuteTimeout:   cfg.Dispatch.ExecuteTimeout,
		Backoff:          retry.Policy{Base: cfg.Dispatch.BackoffBase, Cap: cfg.Dispatch.BackoffCap},
		WatchdogInterval: cfg.Watchdog.Interval,
		RetentionAge:     time.Duration(cfg.Retention.Days) * 24 * time.Hour,
		SweepInterval:    cfg.Retention.SweepInterval,
	}, store, dispatch.NewExecutor(cfg.Dispatch.ExecuteTimeout), hub, log.Get())

	apiServer := api.New(api.Config{
		Listen:       cfg.API.Listen,
		APIKey:       cfg.API.Auth.APIKey,
		JWTSecret:    cfg.API.Auth.JWTSecret,
		ReplayWindow: cfg.API.ReplayWindow,
		MaxRetries:   cfg.Dispatch.MaxRetries,
	}, store, provider, ledger, hub, log.Get())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}

	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	if cfg.Policy.Watch && cfg.Policy.Path != "" {
		go func() {
			if err := provider.Watch(ctx); err != nil {
				errCh <- fmt.Errorf("policy watch: %w", err)
			}
		}()
		logger.Info("policy hot reload enabled", "path", cfg.Policy.Path)
	}

	logger.Info("siterelay running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		sched.Stop()
		return 1
	}

	cancel()
	sched.Stop()
	logger.Info("siterelay stopped")
	return 0
}

type statusReport struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid,omitempty"`
	Listen        string `json:"listen"`
	Health        string `json:"health,omitempty"`
	HealthError   string `json:"health_error,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	pidPath := getPIDLockPath(cfg)
	held, pid, err := lock.Held(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock check failed: %v\n", err)
		return 1
	}

	st := statusReport{Running: held, PID: pid, Listen: cfg.API.Listen}
	if held {
		if hz, err := fetchHealthz(cfg.API.Listen); err != nil {
			st.Health = "unreachable"
			st.HealthError = err.Error()
		} else {
			st.Health = hz.Status
			st.UptimeSeconds = hz.UptimeSeconds
			st.QueueDepth = hz.QueueDepth
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
	} else if st.Running {
		fmt.Printf("siterelay is running (pid %d)\n", st.PID)
		if st.HealthError != "" {
			fmt.Printf("  api:    %s (%s)\n", st.Listen, st.HealthError)
		} else {
			fmt.Printf("  api:    %s (%s)\n", st.Listen, st.Health)
			fmt.Printf("  uptime: %ds\n", st.UptimeSeconds)
			fmt.Printf("  queued: %d\n", st.QueueDepth)
		}
	} else {
		fmt.Println("siterelay is not running")
	}

	if !st.Running {
		return 1
	}
	return 0
}

// fetchHealthz asks the running instance for its health. Wildcard listen
// addresses are probed over loopback.
func fetchHealthz(listen string) (*api.HealthzResponse, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("healthz returned %d", resp.StatusCode)
	}

	var hz api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&hz); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &hz, nil
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	// Handle -json alias for format=json
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	doc := doctor.New(cfg, configDirOf(configPath))
	result := doc.Validate(context.Background())

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath, configDir string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&configDir, "config-dir", "", "Path to config directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath != "" && configDir != "" {
		fmt.Fprintf(os.Stderr, "Error: use only one of --config or --config-dir\n")
		return 1
	}

	targetDir := configDir
	if targetDir == "" {
		resolved := configPath
		if resolved == "" {
			discovered, err := config.DiscoverConfigDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
				return 1
			}
			resolved = discovered
		}
		targetDir = configDirOf(resolved)
	}

	report, err := config.GenerateChecksumsWithReport(targetDir, config.ScopeFiles, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", targetDir, err)
		return 1
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", targetDir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found (optional)\n", file.Filename)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
		} else {
			fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %s (no files written)\n", targetDir)
	} else {
		fmt.Printf("Successfully locked configuration in %s\n", targetDir)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: siterelay config get <path> [--json]\n")
		return 1
	}
	path := fs.Arg(0)

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if kvPair == "" {
		fmt.Fprintf(os.Stderr, "Usage: siterelay config set <path>=<value> [--dry-run | --apply]\n")
		return 1
	}

	if !dryRun && !apply {
		fmt.Println("Error: either --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	parts := strings.SplitN(kvPair, "=", 2)
	path, value := parts[0], parts[1]

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		// In-memory test without persistence
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}

	if err := cfg.SetPath(path, value, true); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}

	fmt.Printf("Successfully set %q to %q\n", path, value)
	fmt.Println("Note: the rewritten file no longer matches .checksums; run 'siterelay config lock'.")
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func configDirOf(configPath string) string {
	if stat, err := os.Stat(configPath); err == nil && stat.IsDir() {
		return configPath
	}
	return filepath.Dir(configPath)
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.Storage.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	nameWithoutExt := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, nameWithoutExt+".pid")
}
