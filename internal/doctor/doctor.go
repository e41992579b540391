// Package doctor validates siterelay configuration and runtime prerequisites
// without starting the service.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"siterelay/internal/config"
	"siterelay/internal/cooldown"
	"siterelay/internal/policy"
	"siterelay/internal/queue"
	"siterelay/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the world it will run in:
// the database opens, the policy table parses, the cooldown backend answers,
// the integrity manifest matches.
type Doctor struct {
	cfg       *config.Config
	configDir string
}

// New creates a Doctor. configDir locates the .checksums manifest; empty
// skips integrity checks.
func New(cfg *config.Config, configDir string) *Doctor {
	return &Doctor{cfg: cfg, configDir: configDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkStorage(ctx, r)
	d.checkAPI(r)
	d.checkPolicy(r)
	d.checkCooldown(ctx, r)
	d.checkRetention(r)
	d.checkIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkStorage opens the database the same way serve does, so path,
// filesystem, and bootstrap problems surface here first.
func (d *Doctor) checkStorage(ctx context.Context, r *Result) {
	db, err := storage.OpenSQLite(ctx, d.cfg.Storage.Path)
	if err != nil {
		d.addError(r, "storage", "storage.path", err.Error())
		return
	}
	defer db.Close()

	var tenants int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tenants;").Scan(&tenants); err != nil {
		d.addError(r, "storage", "storage.path", fmt.Sprintf("query tenants: %v", err))
		return
	}
	if tenants == 0 {
		d.addWarning(r, "storage", "",
			"tenant directory is empty; every submission will be rejected. Run: siterelay tenant add")
	}
}

func (d *Doctor) checkAPI(r *Result) {
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen",
			fmt.Sprintf("listen address %q is not host:port: %v", d.cfg.API.Listen, err))
	}

	if d.cfg.API.Auth.APIKey == "" && d.cfg.API.Auth.JWTSecret == "" {
		d.addWarning(r, "api", "api.auth",
			"no operator credentials configured; every operator endpoint will return 401")
	}
	if s := d.cfg.API.Auth.JWTSecret; s != "" && len(s) < 16 {
		d.addWarning(r, "api", "api.auth.jwt_secret",
			"jwt_secret is short; use at least 16 bytes")
	}
}

func (d *Doctor) checkPolicy(r *Result) {
	if d.cfg.Policy.Path == "" {
		if d.cfg.Policy.Watch {
			d.addWarning(r, "policy", "policy.watch",
				"watch has no effect without policy.path (builtin table in use)")
		}
		return
	}

	p, err := policy.NewProvider(d.cfg.Policy.Path)
	if err != nil {
		d.addError(r, "policy", "policy.path", err.Error())
		return
	}

	for _, plan := range p.Plans() {
		allowsAny := false
		for _, ct := range queue.CommandTypes {
			if p.Allowed(plan, ct) {
				allowsAny = true
				break
			}
		}
		if !allowsAny {
			d.addWarning(r, "policy", "",
				fmt.Sprintf("plan %q allows no command types", plan))
		}
	}
}

func (d *Doctor) checkCooldown(ctx context.Context, r *Result) {
	if d.cfg.Cooldown.Backend != "redis" {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rdb, err := cooldown.DialRedis(dialCtx, d.cfg.Cooldown.Redis.Addr, d.cfg.Cooldown.Redis.Password, d.cfg.Cooldown.Redis.DB)
	if err != nil {
		// serve refuses to start without redis, so this is an error, not a warning.
		d.addError(r, "cooldown", "cooldown.redis.addr", err.Error())
		return
	}
	_ = rdb.Close()
}

func (d *Doctor) checkRetention(r *Result) {
	if d.cfg.Retention.Days == 0 {
		d.addWarning(r, "retention", "retention.days",
			"retention sweeper disabled; terminal commands accumulate until cleaned manually")
	}
}

func (d *Doctor) checkIntegrity(r *Result) {
	if d.configDir == "" {
		return
	}

	result, err := config.VerifyIntegrity(d.configDir)
	if err != nil {
		d.addError(r, "integrity", "", err.Error())
		return
	}
	for _, e := range result.Errors {
		d.addError(r, "integrity", "", e)
	}
	for _, w := range result.Warnings {
		d.addWarning(r, "integrity", "", w)
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
