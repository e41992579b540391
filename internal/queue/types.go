package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidStatus reports whether s is a member of the status set.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CommandType is the closed set of operations a site agent understands.
type CommandType string

const (
	TypeSync         CommandType = "sync"
	TypeHeartbeat    CommandType = "heartbeat"
	TypeFlushCache   CommandType = "flush_cache"
	TypeSecurityScan CommandType = "security_scan"
	TypeDeepScan     CommandType = "deep_scan"
	TypeReport       CommandType = "report"
	TypeUpdateConfig CommandType = "update_config"
	TypeQuickScan    CommandType = "quick_scan"
)

// CommandTypes lists every known command type.
var CommandTypes = []CommandType{
	TypeSync,
	TypeHeartbeat,
	TypeFlushCache,
	TypeSecurityScan,
	TypeDeepScan,
	TypeReport,
	TypeUpdateConfig,
	TypeQuickScan,
}

// ValidCommandType reports whether t names a known command type.
func ValidCommandType(t string) bool {
	for _, ct := range CommandTypes {
		if CommandType(t) == ct {
			return true
		}
	}
	return false
}

// Priority tiers. Lower value dispatches first.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 5
	PriorityLow      = 10
)

// ValidPriority reports whether p is one of the defined tiers.
func ValidPriority(p int) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

type Command struct {
	ID           string
	TenantID     string
	CommandType  CommandType
	Payload      json.RawMessage
	Priority     int
	Status       Status
	RetryCount   int
	MaxRetries   int
	ScheduledAt  time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	ExecutedAt   *time.Time
	Result       json.RawMessage
	ErrorMessage *string
}

// EnqueueRequest carries the fields admission provides for a new command.
type EnqueueRequest struct {
	TenantID    string
	CommandType CommandType
	Payload     json.RawMessage
	Priority    int
	MaxRetries  int
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	TenantID    string
	Status      Status
	CommandType CommandType
	Limit       int
	Offset      int
}

// Stats is the aggregate view over the command table.
type Stats struct {
	StatusCounts      map[string]int `json:"status_counts"`
	TypeCounts        map[string]int `json:"type_counts"`
	PendingCount      int            `json:"pending_count"`
	AvgPendingAgeSecs float64        `json:"avg_pending_age_seconds"`
	Total             int            `json:"total"`
}

// Tenant is a row from the externally provisioned tenant directory.
type Tenant struct {
	ID        string
	Plan      string
	SiteURL   string
	Secret    string
	Enabled   bool
	CreatedAt time.Time
}

var (
	ErrNotFound = errors.New("command not found")

	// ErrConflict reports a conditional transition that found the record in
	// another state (already claimed, already terminal, reclaimed meanwhile).
	ErrConflict = errors.New("command state conflict")

	ErrTenantNotFound = errors.New("tenant not found")
)
