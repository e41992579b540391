package api

import (
	"encoding/json"
	"time"

	"siterelay/internal/queue"
)

// Admission error codes, stable across releases. Clients branch on these,
// not on the human-readable message.
const (
	CodeInvalidSignature = "invalid_signature"
	CodeExpiredToken     = "expired_token"
	CodePlanNotAllowed   = "plan_not_allowed"
	CodeCooldownActive   = "cooldown_active"
)

// SubmitCommandRequest is the JSON body for POST /api/v1/commands.
type SubmitCommandRequest struct {
	TenantID    string          `json:"tenant_id"`
	CommandType string          `json:"command_type"`
	Token       string          `json:"token"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SubmitCommandResponse is returned on successful admission.
type SubmitCommandResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CommandView is the external shape of a queued command.
type CommandView struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	CommandType  string          `json:"command_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

func commandView(c *queue.Command) CommandView {
	return CommandView{
		ID:           c.ID,
		TenantID:     c.TenantID,
		CommandType:  string(c.CommandType),
		Payload:      c.Payload,
		Priority:     c.Priority,
		Status:       string(c.Status),
		RetryCount:   c.RetryCount,
		MaxRetries:   c.MaxRetries,
		ScheduledAt:  c.ScheduledAt,
		CreatedAt:    c.CreatedAt,
		StartedAt:    c.StartedAt,
		ExecutedAt:   c.ExecutedAt,
		Result:       c.Result,
		ErrorMessage: c.ErrorMessage,
	}
}

// CommandListResponse is returned by GET /api/v1/commands.
type CommandListResponse struct {
	Commands []CommandView `json:"commands"`
	Count    int           `json:"count"`
}

// TransitionResponse is returned by retry and cancel.
type TransitionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RetryFailedRequest is the JSON body for POST /api/v1/commands/retry-failed.
type RetryFailedRequest struct {
	TenantID string `json:"tenant_id"`
}

// RetryFailedResponse reports how many failed commands were requeued and how
// many were left alone (cooldown still closed, or raced by another operator).
type RetryFailedResponse struct {
	Retried int `json:"retried"`
	Skipped int `json:"skipped"`
}

// CleanupRequest is the JSON body for POST /api/v1/admin/cleanup.
type CleanupRequest struct {
	Days int `json:"days"`
}

// CleanupResponse reports how many terminal commands were deleted.
type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// TenantView is the external shape of a tenant directory row. The site
// secret never leaves the server.
type TenantView struct {
	ID        string    `json:"id"`
	Plan      string    `json:"plan"`
	SiteURL   string    `json:"site_url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantListResponse is returned by GET /api/v1/tenants.
type TenantListResponse struct {
	Tenants []TenantView `json:"tenants"`
	Count   int          `json:"count"`
}

// ErrorResponse is returned on errors. Code and RetryAfterSeconds are set
// only for admission rejections.
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
