package scheduler

import (
	"context"
	"time"

	"siterelay/internal/dispatch"
	"siterelay/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_deps.go -package=mocks siterelay/internal/scheduler Store,Executor

// Store is the queue surface the scheduler drives: claiming work, settling
// outcomes, reclaiming stuck claims, and retention.
type Store interface {
	Claim(ctx context.Context) (*queue.Command, error)
	Complete(ctx context.Context, id string, result []byte) error
	Fail(ctx context.Context, id, errMsg string) error
	Requeue(ctx context.Context, id string, at time.Time, errMsg string) error
	ReapStale(ctx context.Context, cutoff, retryAt time.Time, errMsg string) (int64, int64, error)
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
	GetTenant(ctx context.Context, id string) (*queue.Tenant, error)
}

// Executor delivers one claimed command to its tenant's site.
type Executor interface {
	Execute(ctx context.Context, tenant queue.Tenant, cmd queue.Command) dispatch.Result
}
