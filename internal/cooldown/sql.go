package cooldown

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"siterelay/internal/queue"
)

// SQLLedger keeps stamps in the cooldowns table as unix seconds. The single
// conditional upsert is the whole CAS: the row updates only when the stored
// stamp is old enough, and RowsAffected is the verdict.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const acquireSQL = `
INSERT INTO cooldowns (tenant_id, command_type, last_dispatched_at)
VALUES (?, ?, ?)
ON CONFLICT(tenant_id, command_type) DO UPDATE
SET last_dispatched_at = excluded.last_dispatched_at
WHERE excluded.last_dispatched_at - cooldowns.last_dispatched_at >= ?`

func (l *SQLLedger) Acquire(ctx context.Context, tenantID string, commandType queue.CommandType, period time.Duration) (bool, time.Duration, error) {
	if period <= 0 {
		return true, 0, nil
	}
	now := time.Now().Unix()
	periodSec := int64(period / time.Second)
	if periodSec < 1 {
		periodSec = 1
	}

	res, err := l.db.ExecContext(ctx, acquireSQL, tenantID, string(commandType), now, periodSec)
	if err != nil {
		return false, 0, fmt.Errorf("acquire cooldown: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("acquire cooldown: %w", err)
	}
	if n > 0 {
		return true, 0, nil
	}

	// Window still closed. Read the stamp that beat us to compute the wait.
	var last int64
	err = l.db.QueryRowContext(ctx,
		`SELECT last_dispatched_at FROM cooldowns WHERE tenant_id = ? AND command_type = ?`,
		tenantID, string(commandType),
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		// Row deleted between the upsert and the read. The window is gone
		// with it, so the caller may simply try again.
		return false, time.Second, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("read cooldown stamp: %w", err)
	}

	remaining := time.Duration(last+periodSec-now) * time.Second
	return false, clampRetryAfter(remaining, period), nil
}

func (l *SQLLedger) Clear(ctx context.Context, tenantID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("clear cooldowns: %w", err)
	}
	return nil
}
