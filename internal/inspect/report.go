package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"siterelay/internal/queue"
)

// Report is the structured JSON representation of a command inspection.
type Report struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	CommandType  string          `json:"command_type"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	PriorityName string          `json:"priority_name"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Tenant       *TenantSummary  `json:"tenant,omitempty"`
}

// TenantSummary is the directory row behind the command, without the secret.
type TenantSummary struct {
	Plan    string `json:"plan"`
	SiteURL string `json:"site_url"`
	Enabled bool   `json:"enabled"`
}

// BuildReport renders a terminal-friendly inspection of one command.
func BuildReport(ctx context.Context, store *queue.Store, id string) (string, error) {
	report, err := gatherReportData(ctx, store, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Command Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	if report.Tenant != nil {
		state := "enabled"
		if !report.Tenant.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&out, "Tenant      : %s (%s, %s)\n", report.TenantID, report.Tenant.Plan, state)
		fmt.Fprintf(&out, "Site        : %s\n", report.Tenant.SiteURL)
	} else {
		fmt.Fprintf(&out, "Tenant      : %s (not in directory)\n", report.TenantID)
	}
	fmt.Fprintf(&out, "Type        : %s\n", report.CommandType)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Priority    : %d (%s)\n", report.Priority, report.PriorityName)
	fmt.Fprintf(&out, "Retries     : %d of %d used\n", report.RetryCount, report.MaxRetries)
	fmt.Fprintf(&out, "Created     : %s\n", renderTime(&report.CreatedAt))
	fmt.Fprintf(&out, "Scheduled   : %s\n", renderTime(&report.ScheduledAt))
	fmt.Fprintf(&out, "Started     : %s\n", renderTime(report.StartedAt))
	fmt.Fprintf(&out, "Finished    : %s\n", renderTime(report.ExecutedAt))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "payload     :\n")
	writeIndentedJSON(&out, report.Payload)

	if len(report.Result) > 0 {
		fmt.Fprintf(&out, "result      :\n")
		writeIndentedJSON(&out, report.Result)
	} else {
		fmt.Fprintf(&out, "result      : <none>\n")
	}

	if report.ErrorMessage != "" {
		fmt.Fprintf(&out, "error       : %s\n", report.ErrorMessage)
	} else {
		fmt.Fprintf(&out, "error       : <none>\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON inspection.
func BuildJSONReport(ctx context.Context, store *queue.Store, id string) (string, error) {
	report, err := gatherReportData(ctx, store, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, store *queue.Store, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("command id is required")
	}

	cmd, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, fmt.Errorf("command %q not found", id)
		}
		return nil, fmt.Errorf("load command %q: %w", id, err)
	}

	report := &Report{
		ID:           cmd.ID,
		TenantID:     cmd.TenantID,
		CommandType:  string(cmd.CommandType),
		Status:       string(cmd.Status),
		Priority:     cmd.Priority,
		PriorityName: priorityName(cmd.Priority),
		RetryCount:   cmd.RetryCount,
		MaxRetries:   cmd.MaxRetries,
		CreatedAt:    cmd.CreatedAt,
		ScheduledAt:  cmd.ScheduledAt,
		StartedAt:    cmd.StartedAt,
		ExecutedAt:   cmd.ExecutedAt,
		Payload:      cmd.Payload,
		Result:       cmd.Result,
	}
	if cmd.ErrorMessage != nil {
		report.ErrorMessage = *cmd.ErrorMessage
	}

	// The directory row may be gone (tenant offboarded, rows retained).
	tenant, err := store.GetTenant(ctx, cmd.TenantID)
	if err == nil {
		report.Tenant = &TenantSummary{
			Plan:    tenant.Plan,
			SiteURL: tenant.SiteURL,
			Enabled: tenant.Enabled,
		}
	} else if !errors.Is(err, queue.ErrTenantNotFound) {
		return nil, fmt.Errorf("load tenant %q: %w", cmd.TenantID, err)
	}

	return report, nil
}

func priorityName(p int) string {
	switch p {
	case queue.PriorityCritical:
		return "critical"
	case queue.PriorityHigh:
		return "high"
	case queue.PriorityNormal:
		return "normal"
	case queue.PriorityLow:
		return "low"
	}
	return "custom"
}

func renderTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "<never>"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeIndentedJSON(out *strings.Builder, raw json.RawMessage) {
	body := prettyJSON(raw)
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
