package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"siterelay/internal/queue"
	"siterelay/internal/storage"
)

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return queue.New(db)
}

func TestBuildReportRendersCommandAndTenant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertTenant(ctx, queue.Tenant{
		ID:      "t1",
		Plan:    "pro",
		SiteURL: "https://blog.example.com",
		Secret:  "shh",
		Enabled: true,
	}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	id, err := store.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:    "t1",
		CommandType: queue.TypeFlushCache,
		Payload:     json.RawMessage(`{"scope":"page_cache"}`),
		Priority:    queue.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	out, err := BuildReport(ctx, store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, needle := range []string{
		"Command Report",
		id,
		"Tenant      : t1 (pro, enabled)",
		"Site        : https://blog.example.com",
		"Type        : flush_cache",
		"Status      : pending",
		"Priority    : 2 (high)",
		"Retries     : 0 of 3 used",
		"Started     : <never>",
		"page_cache",
		"result      : <none>",
		"error       : <none>",
	} {
		if !strings.Contains(out, needle) {
			t.Fatalf("output missing %q:\n%s", needle, out)
		}
	}
}

func TestBuildReportCompletedCommandShowsResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:    "t-gone",
		CommandType: queue.TypeSync,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.Claim(ctx); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Complete(ctx, id, json.RawMessage(`{"synced":17}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	out, err := BuildReport(ctx, store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, needle := range []string{
		"Tenant      : t-gone (not in directory)",
		"Status      : completed",
		`"synced": 17`,
	} {
		if !strings.Contains(out, needle) {
			t.Fatalf("output missing %q:\n%s", needle, out)
		}
	}
	if strings.Contains(out, "Finished    : <never>") {
		t.Fatalf("completed command should have a finish time:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:    "t1",
		CommandType: queue.TypeHeartbeat,
		Priority:    queue.PriorityCritical,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	out, err := BuildJSONReport(ctx, store, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to unmarshal JSON output: %v", err)
	}

	if report.ID != id {
		t.Errorf("id = %s, want %s", report.ID, id)
	}
	if report.CommandType != "heartbeat" {
		t.Errorf("command_type = %s, want heartbeat", report.CommandType)
	}
	if report.PriorityName != "critical" {
		t.Errorf("priority_name = %s, want critical", report.PriorityName)
	}
	if report.Tenant != nil {
		t.Errorf("tenant should be nil for an unknown directory row, got %+v", report.Tenant)
	}
}

func TestBuildReportUnknownCommand(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)

	if _, err := BuildReport(ctx, store, "no-such-id"); err == nil {
		t.Fatal("expected error for unknown command id")
	}
}
