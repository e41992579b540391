// Package cooldown tracks the last accepted dispatch per (tenant, command
// type) and gates re-admission until the per-type period has passed. The
// acquire operation is compare-and-set: under concurrent submissions at most
// one caller wins a given window.
package cooldown

import (
	"context"
	"time"

	"siterelay/internal/queue"
)

// Ledger is the admission-side view of the cooldown state.
type Ledger interface {
	// Acquire stamps (tenantID, commandType) with the current time if the
	// previous stamp is at least period old (or absent). Returns ok=false
	// with the remaining wait when the window is still closed. A period of
	// zero or less always admits without stamping.
	Acquire(ctx context.Context, tenantID string, commandType queue.CommandType, period time.Duration) (bool, time.Duration, error)

	// Clear drops every stamp for a tenant. Offboarding glue; nothing in
	// the dispatch path calls it.
	Clear(ctx context.Context, tenantID string) error
}

func clampRetryAfter(d, period time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if period > 0 && d > period {
		return period
	}
	return d
}
