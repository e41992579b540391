// Package dispatch delivers a claimed command to its tenant's site endpoint
// and classifies the outcome. Delivery is one HTTP POST; the command id
// doubles as the idempotency key, so the site treats redelivery after a
// timeout as the same logical operation.
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"siterelay/internal/queue"
	"siterelay/internal/retry"
)

const (
	executePath = "/siterelay/v1/execute"

	// Stored results are capped; a site that streams megabytes back gets
	// truncated, not buffered.
	maxResultBytes = 64 << 10

	maxErrorBytes = 512
)

// Result is the classified outcome of one delivery attempt.
type Result struct {
	Class    retry.Class
	Status   int
	Body     json.RawMessage
	Err      error
	Duration time.Duration
}

// ErrorMessage renders the failure for the command's error_message column.
func (r Result) ErrorMessage() string {
	if r.Err != nil {
		return truncate(r.Err.Error(), maxErrorBytes)
	}
	return truncate(fmt.Sprintf("site returned %d: %s", r.Status, string(r.Body)), maxErrorBytes)
}

type Executor struct {
	client  *http.Client
	timeout time.Duration
}

// NewExecutor builds the delivery client. timeout bounds one full attempt,
// connect through body read.
func NewExecutor(timeout time.Duration) *Executor {
	return &Executor{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// envelope is the body POSTed to the site agent.
type envelope struct {
	CommandID   string            `json:"command_id"`
	CommandType queue.CommandType `json:"command_type"`
	TenantID    string            `json:"tenant_id"`
	Payload     json.RawMessage   `json:"payload"`
	IssuedAt    string            `json:"issued_at"`
}

// Execute delivers cmd to tenant's site and classifies the response:
// 2xx success, 5xx or transport failure retryable, anything else permanent.
func (e *Executor) Execute(ctx context.Context, tenant queue.Tenant, cmd queue.Command) Result {
	start := time.Now()

	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(envelope{
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		TenantID:    cmd.TenantID,
		Payload:     payload,
		IssuedAt:    start.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{Class: retry.Permanent, Err: fmt.Errorf("marshal envelope: %w", err), Duration: time.Since(start)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	url := strings.TrimRight(tenant.SiteURL, "/") + executePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Class: retry.Permanent, Err: fmt.Errorf("build request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Siterelay-Command-Id", cmd.ID)
	req.Header.Set("X-Idempotency-Key", cmd.ID)
	req.Header.Set("X-Siterelay-Timestamp", strconv.FormatInt(start.Unix(), 10))
	req.Header.Set("X-Siterelay-Signature", signBody(tenant.Secret, body))

	resp, err := e.client.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS: the site may recover.
		return Result{Class: retry.Retryable, Err: fmt.Errorf("deliver command: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return Result{Class: retry.Retryable, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err), Duration: time.Since(start)}
	}

	res := Result{Status: resp.StatusCode, Body: normalizeResult(respBody), Duration: time.Since(start)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Class = retry.Success
	case resp.StatusCode >= 500:
		res.Class = retry.Retryable
	default:
		res.Class = retry.Permanent
	}
	return res
}

// normalizeResult keeps the stored result valid JSON even when the site
// answers with plain text or an empty body.
func normalizeResult(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(trimmed) {
		return trimmed
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(trimmed)})
	if err != nil {
		return json.RawMessage("{}")
	}
	return wrapped
}

// signBody computes the request signature the site verifies before running
// anything: hex HMAC-SHA256 of the body under the tenant secret, in the
// "sha256=<hex>" form.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
