package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"siterelay/internal/api"
	"siterelay/internal/auth"
	"siterelay/internal/cooldown"
	"siterelay/internal/dispatch"
	"siterelay/internal/events"
	"siterelay/internal/log"
	"siterelay/internal/policy"
	"siterelay/internal/queue"
	"siterelay/internal/retry"
	"siterelay/internal/scheduler"
	"siterelay/internal/storage"
)

const (
	tenantID     = "tenant-e2e"
	tenantSecret = "e2e-shared-secret"
	operatorKey  = "operator-key-0123456789"
)

func TestEndToEndCommandRelay(t *testing.T) {
	// 1. Setup Environment
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "siterelay.db")

	log.Setup("ERROR", "text") // Keep logs clean
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	store := queue.New(db)
	ledger := cooldown.NewSQLLedger(db)
	provider, err := policy.NewProvider("")
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	hub := events.NewHub(64)
	logger := log.Get()

	// 2. Fake Tenant Site
	// Records what the executor delivers so the assertions can check the
	// wire contract a real site agent depends on.
	var (
		mu         sync.Mutex
		deliveries []delivery
	)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		mu.Lock()
		deliveries = append(deliveries, delivery{
			path:           r.URL.Path,
			idempotencyKey: r.Header.Get("X-Idempotency-Key"),
			signature:      r.Header.Get("X-Siterelay-Signature"),
			body:           body,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"flushed":true,"objects":42}`)
	}))
	defer site.Close()

	// 3. Seed Tenant Directory
	err = store.UpsertTenant(ctx, queue.Tenant{
		ID:      tenantID,
		Plan:    "pro",
		SiteURL: site.URL,
		Secret:  tenantSecret,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}

	// 4. Start API and Scheduler
	apiServer := api.New(api.Config{
		APIKey:       operatorKey,
		ReplayWindow: 5 * time.Minute,
		MaxRetries:   3,
	}, store, provider, ledger, hub, logger)
	srv := httptest.NewServer(apiServer.Handler())
	defer srv.Close()

	sched := scheduler.New(scheduler.Config{
		Workers:        2,
		PollInterval:   20 * time.Millisecond,
		ExecuteTimeout: 5 * time.Second,
		Backoff:        retry.Policy{Base: 50 * time.Millisecond, Cap: time.Second},
	}, store, dispatch.NewExecutor(5*time.Second), hub, logger)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// 5. Submit a Command Over HTTP
	token := auth.SignAdmission(tenantID, tenantSecret, time.Now())
	submitBody, _ := json.Marshal(api.SubmitCommandRequest{
		TenantID:    tenantID,
		CommandType: "flush_cache",
		Token:       token,
		Payload:     json.RawMessage(`{"scope":"page_cache"}`),
	})
	resp, err := http.Post(srv.URL+"/api/v1/commands", "application/json", bytes.NewReader(submitBody))
	if err != nil {
		t.Fatalf("submit request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var submitted api.SubmitCommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("failed to decode submit response: %v", err)
	}
	resp.Body.Close()
	if submitted.Status != "pending" {
		t.Fatalf("expected pending after admission, got %q", submitted.Status)
	}

	// 6. Wait for the Worker to Complete It
	view := waitForStatus(t, srv.URL, submitted.ID, "completed", 5*time.Second)

	// 7. Verify the Delivery Contract
	mu.Lock()
	recorded := append([]delivery(nil), deliveries...)
	mu.Unlock()

	if len(recorded) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(recorded))
	}
	d := recorded[0]
	if d.path != "/siterelay/v1/execute" {
		t.Errorf("delivered to %q, want /siterelay/v1/execute", d.path)
	}
	if d.idempotencyKey != submitted.ID {
		t.Errorf("idempotency key %q does not match command id %q", d.idempotencyKey, submitted.ID)
	}

	// The site-side signature check: hex HMAC-SHA256 of the body under the
	// tenant secret.
	mac := hmac.New(sha256.New, []byte(tenantSecret))
	mac.Write(d.body)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); d.signature != want {
		t.Errorf("signature %q does not verify against the delivered body", d.signature)
	}

	var env struct {
		CommandID   string          `json:"command_id"`
		CommandType string          `json:"command_type"`
		TenantID    string          `json:"tenant_id"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(d.body, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if env.CommandID != submitted.ID || env.TenantID != tenantID || env.CommandType != "flush_cache" {
		t.Errorf("envelope mismatch: %+v", env)
	}
	if !bytes.Contains(env.Payload, []byte("page_cache")) {
		t.Errorf("payload not carried through: %s", env.Payload)
	}

	if view.Priority != queue.PriorityHigh {
		t.Errorf("flush_cache should dispatch at priority %d, got %d", queue.PriorityHigh, view.Priority)
	}
	if view.ExecutedAt == nil {
		t.Error("executed_at not set on completed command")
	}
	var result map[string]any
	if err := json.Unmarshal(view.Result, &result); err != nil {
		t.Fatalf("stored result is not valid JSON: %v", err)
	}
	if result["flushed"] != true {
		t.Errorf("site response not stored as result, got %v", result)
	}

	var dbStatus, dbResult string
	db.QueryRow("SELECT status, result FROM commands WHERE id = ?", submitted.ID).Scan(&dbStatus, &dbResult)
	if dbStatus != "completed" {
		t.Errorf("db status = %q, want completed", dbStatus)
	}
	if !json.Valid([]byte(dbResult)) {
		t.Errorf("db result column holds invalid JSON: %s", dbResult)
	}

	// 8. Cooldown Holds on Resubmit
	// flush_cache has a one-minute window; a second submit inside it must be
	// turned away with a retry hint, and no new command may appear.
	token = auth.SignAdmission(tenantID, tenantSecret, time.Now())
	submitBody, _ = json.Marshal(api.SubmitCommandRequest{
		TenantID:    tenantID,
		CommandType: "flush_cache",
		Token:       token,
	})
	resp, err = http.Post(srv.URL+"/api/v1/commands", "application/json", bytes.NewReader(submitBody))
	if err != nil {
		t.Fatalf("resubmit request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside cooldown window, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
	var rejection api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&rejection); err != nil {
		t.Fatalf("failed to decode rejection: %v", err)
	}
	if rejection.Code != api.CodeCooldownActive {
		t.Errorf("rejection code = %q, want %q", rejection.Code, api.CodeCooldownActive)
	}
	if rejection.RetryAfterSeconds < 1 || rejection.RetryAfterSeconds > 60 {
		t.Errorf("retry_after_seconds = %d, want within (0, 60]", rejection.RetryAfterSeconds)
	}

	var total int
	db.QueryRow("SELECT COUNT(*) FROM commands WHERE tenant_id = ?", tenantID).Scan(&total)
	if total != 1 {
		t.Errorf("rejected submit must not enqueue; found %d commands", total)
	}
}

func TestDeliveryRetriesUntilSiteRecovers(t *testing.T) {
	// 1. Setup Environment
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "siterelay.db")

	log.Setup("ERROR", "text")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	store := queue.New(db)
	logger := log.Get()

	// 2. Flaky Site
	// Two transient failures, then recovery. The worker must redeliver with
	// the same idempotency key each time.
	var (
		mu       sync.Mutex
		attempts []string
	)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, r.Header.Get("X-Idempotency-Key"))
		n := len(attempts)
		mu.Unlock()
		if n <= 2 {
			http.Error(w, `{"error":"db locked"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"synced":true}`)
	}))
	defer site.Close()

	err = store.UpsertTenant(ctx, queue.Tenant{
		ID:      tenantID,
		Plan:    "free",
		SiteURL: site.URL,
		Secret:  tenantSecret,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}

	// 3. Enqueue Directly and Run the Scheduler
	id, err := store.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:    tenantID,
		CommandType: queue.TypeSync,
		MaxRetries:  3,
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		Workers:        1,
		PollInterval:   20 * time.Millisecond,
		ExecuteTimeout: 5 * time.Second,
		Backoff:        retry.Policy{Base: 50 * time.Millisecond, Cap: 200 * time.Millisecond},
	}, store, dispatch.NewExecutor(5*time.Second), nil, logger)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// 4. Wait Through Two Backoff Rounds
	deadline := time.Now().Add(10 * time.Second)
	var cmd *queue.Command
	for {
		cmd, err = store.Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to load command: %v", err)
		}
		if cmd.Status == queue.StatusCompleted {
			break
		}
		if cmd.Status == queue.StatusFailed {
			t.Fatalf("command failed instead of recovering: %v", cmd.ErrorMessage)
		}
		if time.Now().After(deadline) {
			mu.Lock()
			n := len(attempts)
			mu.Unlock()
			t.Fatalf("command never completed, stuck at %s after %d attempts", cmd.Status, n)
		}
		time.Sleep(25 * time.Millisecond)
	}

	// 5. Assertions
	mu.Lock()
	recorded := append([]string(nil), attempts...)
	mu.Unlock()

	if len(recorded) != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", len(recorded))
	}
	for i, key := range recorded {
		if key != id {
			t.Errorf("attempt %d used idempotency key %q, want %q", i+1, key, id)
		}
	}
	if cmd.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", cmd.RetryCount)
	}
	if cmd.ErrorMessage != nil {
		t.Errorf("completed command still carries an error: %q", *cmd.ErrorMessage)
	}
	if !bytes.Contains(cmd.Result, []byte("synced")) {
		t.Errorf("final result not stored, got %s", cmd.Result)
	}
}

type delivery struct {
	path           string
	idempotencyKey string
	signature      string
	body           []byte
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		t.Errorf("failed to read delivery body: %v", err)
	}
	return buf.Bytes()
}

// waitForStatus polls the operator API until the command reaches want.
func waitForStatus(t *testing.T, baseURL, id, want string, timeout time.Duration) api.CommandView {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var view api.CommandView
	for {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/api/v1/commands/"+id, nil)
		req.Header.Set("Authorization", "Bearer "+operatorKey)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get command failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("get command returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			resp.Body.Close()
			t.Fatalf("failed to decode command view: %v", err)
		}
		resp.Body.Close()

		if view.Status == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("command %s never reached %s, last status %s", id, want, view.Status)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
