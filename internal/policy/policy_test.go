package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"siterelay/internal/queue"
)

const testPolicy = `
plans:
  free:
    allowed: [sync, heartbeat]
  gold:
    allowed: [sync, heartbeat, security_scan]
command_types:
  security_scan:
    cooldown_sec: 120
    priority: 2
defaults:
  cooldown_sec: 45
`

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "plans.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestBuiltinTable(t *testing.T) {
	t.Parallel()
	p, err := NewProvider("")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if !p.Allowed("free", queue.TypeSync) {
		t.Error("free plan should allow sync")
	}
	if !p.Allowed("free", queue.TypeHeartbeat) {
		t.Error("free plan should allow heartbeat")
	}
	if p.Allowed("free", queue.TypeSecurityScan) {
		t.Error("free plan must not allow security_scan")
	}
	if !p.Allowed("enterprise", queue.TypeDeepScan) {
		t.Error("enterprise plan should allow deep_scan")
	}
	if p.Allowed("no-such-plan", queue.TypeSync) {
		t.Error("unknown plan must deny everything")
	}
	if got := p.Cooldown(queue.TypeSync); got != 5*time.Minute {
		t.Errorf("sync cooldown = %v, want 5m", got)
	}
	if got := p.Priority(queue.TypeHeartbeat); got != queue.PriorityCritical {
		t.Errorf("heartbeat priority = %d, want %d", got, queue.PriorityCritical)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := writePolicy(t, t.TempDir(), testPolicy)

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if !p.Allowed("gold", queue.TypeSecurityScan) {
		t.Error("gold plan should allow security_scan")
	}
	if p.Allowed("free", queue.TypeSecurityScan) {
		t.Error("free plan must not allow security_scan")
	}
	if !p.Allowed("GOLD", queue.TypeSync) {
		t.Error("plan lookup should be case-insensitive")
	}
	if got := p.Cooldown(queue.TypeSecurityScan); got != 2*time.Minute {
		t.Errorf("security_scan cooldown = %v, want 2m", got)
	}
	if got := p.Cooldown(queue.TypeSync); got != 45*time.Second {
		t.Errorf("sync cooldown should fall back to defaults, got %v", got)
	}
	if got := p.Priority(queue.TypeSecurityScan); got != queue.PriorityHigh {
		t.Errorf("security_scan priority = %d, want %d", got, queue.PriorityHigh)
	}
	if got := p.Priority(queue.TypeReport); got != queue.PriorityNormal {
		t.Errorf("report priority should fall back to defaults, got %d", got)
	}
}

func TestParseRejectsUnknownCommandType(t *testing.T) {
	t.Parallel()
	_, err := parseTable([]byte("plans:\n  free:\n    allowed: [reboot_moon]\n"))
	if err == nil {
		t.Fatal("unknown command type should fail parsing")
	}
}

func TestParseRejectsUnknownPriorityTier(t *testing.T) {
	t.Parallel()
	_, err := parseTable([]byte("plans:\n  free:\n    allowed: [sync]\ncommand_types:\n  sync:\n    priority: 3\n"))
	if err == nil {
		t.Fatal("priority outside the defined tiers should fail parsing")
	}
}

func TestReloadKeepsPreviousTableOnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writePolicy(t, dir, testPolicy)

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	if err := os.WriteFile(path, []byte("plans: ["), 0o644); err != nil {
		t.Fatalf("corrupt policy: %v", err)
	}
	if err := p.Reload(); err == nil {
		t.Fatal("reload of a broken file should fail")
	}

	if !p.Allowed("gold", queue.TypeSecurityScan) {
		t.Error("previous table should survive a failed reload")
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writePolicy(t, dir, testPolicy)

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	// Give the watcher a moment to register before the write.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, dir, `
plans:
  free:
    allowed: [sync, heartbeat]
  free_plus:
    allowed: [sync, flush_cache]
`)

	deadline := time.Now().Add(3 * time.Second)
	for !p.Allowed("free_plus", queue.TypeFlushCache) {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the policy change")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
