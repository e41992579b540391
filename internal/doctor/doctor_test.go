package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"siterelay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.API.Auth.APIKey = "operator-key-0123456789"
	return cfg
}

func assertHasError(t *testing.T, r *Result, category, field string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && e.Field == field {
			return
		}
	}
	t.Fatalf("expected error with category %q field %q, got: %+v", category, field, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category string, contains string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, contains) {
			return
		}
	}
	t.Fatalf("expected warning with category %q containing %q, got: %+v", category, contains, r.Warnings)
}

func TestValidate_HealthySetup(t *testing.T) {
	t.Parallel()
	d := New(testConfig(t), "")
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	// Fresh database has no tenants yet.
	assertHasWarning(t, r, "storage", "tenant directory is empty")
}

func TestValidate_BadListenAddress(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.API.Listen = "not-an-address"
	d := New(cfg, "")
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "api", "api.listen")
}

func TestValidate_NoCredentialsWarns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.API.Auth.APIKey = ""
	cfg.API.Auth.JWTSecret = ""
	d := New(cfg, "")
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("missing credentials should warn, not fail: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "no operator credentials")
}

func TestValidate_ShortJWTSecretWarns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.API.Auth.JWTSecret = "short"
	d := New(cfg, "")
	r := d.Validate(context.Background())
	assertHasWarning(t, r, "api", "jwt_secret is short")
}

func TestValidate_PolicyFileBroken(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("plans: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Policy.Path = policyPath

	d := New(cfg, "")
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "policy", "policy.path")
}

func TestValidate_PlanAllowingNothingWarns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	policy := "plans:\n  free:\n    allowed: []\n"
	if err := os.WriteFile(policyPath, []byte(policy), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Policy.Path = policyPath

	d := New(cfg, "")
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("empty plan should warn, not fail: %v", r.Errors)
	}
	assertHasWarning(t, r, "policy", "allows no command types")
}

func TestValidate_WatchWithoutPathWarns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Policy.Watch = true
	d := New(cfg, "")
	r := d.Validate(context.Background())
	assertHasWarning(t, r, "policy", "watch has no effect")
}

func TestValidate_RedisUnreachable(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cooldown.Backend = "redis"
	cfg.Cooldown.Redis.Addr = "127.0.0.1:1"

	d := New(cfg, "")
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid when redis backend is unreachable")
	}
	assertHasError(t, r, "cooldown", "cooldown.redis.addr")
}

func TestValidate_RetentionDisabledWarns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Retention.Days = 0
	d := New(cfg, "")
	r := d.Validate(context.Background())
	assertHasWarning(t, r, "retention", "sweeper disabled")
}

func TestValidate_IntegrityTampered(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	configDir := t.TempDir()
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  path: ./x.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := config.GenerateChecksums(configDir, config.ScopeFiles); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte("storage:\n  path: ./tampered.db\n"), 0644); err != nil {
		t.Fatal(err)
	}

	d := New(cfg, configDir)
	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid for tampered config dir")
	}
	assertHasError(t, r, "integrity", "")
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	r := &Result{Valid: true}
	if got := FormatHuman(r); got != "Configuration valid.\n" {
		t.Fatalf("FormatHuman(valid) = %q", got)
	}

	r = &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "api", Field: "api.listen", Message: "bad address"}},
		Warnings: []Issue{{Category: "retention", Message: "sweeper disabled"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{"Configuration invalid (1 error(s), 1 warning(s))", "ERROR [api] api.listen: bad address", "WARN  [retention] sweeper disabled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("FormatHuman missing %q in:\n%s", want, out)
		}
	}
}
