package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed-width UTC so string comparison in SQL follows time
// order. Parses fine as RFC3339Nano.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const defaultMaxRetries = 3

// Store is the SQLite-backed command queue and tenant directory.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Enqueue inserts a new pending command and returns its id.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.TenantID == "" {
		return "", fmt.Errorf("tenant_id is empty")
	}
	if !ValidCommandType(string(req.CommandType)) {
		return "", fmt.Errorf("unknown command type %q", req.CommandType)
	}

	priority := req.Priority
	if priority <= 0 {
		priority = PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	payload := "{}"
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	id := uuid.NewString()
	now := fmtTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands(
  id, tenant_id, command_type, payload, priority, status, retry_count, max_retries,
  scheduled_at, created_at
)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
`, id, req.TenantID, req.CommandType, payload, priority, StatusPending, maxRetries, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}
	return id, nil
}

// Claim atomically marks the next eligible pending command processing and
// returns it. Returns (nil, nil) when nothing is eligible.
//
// Eligibility: pending, due, and no other command for the same tenant is
// processing. Serializing per tenant inside the claim statement makes the
// guarantee hold across workers and across processes sharing the database.
// Order: priority ascending, then created_at, then rowid.
func (s *Store) Claim(ctx context.Context) (*Command, error) {
	now := fmtTime(time.Now())

	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM commands
  WHERE status = ? AND scheduled_at <= ?
    AND tenant_id NOT IN (SELECT tenant_id FROM commands WHERE status = ?)
  ORDER BY priority ASC, created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE commands
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING
  id, tenant_id, command_type, payload, priority, status, retry_count, max_retries,
  scheduled_at, created_at, started_at, executed_at, result, error_message;
`, StatusPending, now, StatusProcessing, StatusProcessing, now)

	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	return cmd, nil
}

// Complete transitions processing -> completed and stores the result.
func (s *Store) Complete(ctx context.Context, id string, result []byte) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	var resultVal any
	if len(result) > 0 {
		resultVal = string(result)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, executed_at = ?, result = ?, error_message = NULL
WHERE id = ? AND status = ?;
`, StatusCompleted, fmtTime(time.Now()), resultVal, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	return s.oneRowOr(ctx, res, id)
}

// Fail transitions processing -> failed (terminal).
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, executed_at = ?, error_message = ?
WHERE id = ? AND status = ?;
`, StatusFailed, fmtTime(time.Now()), errMsg, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail command: %w", err)
	}
	return s.oneRowOr(ctx, res, id)
}

// Requeue transitions processing -> pending for another attempt: bumps
// retry_count, schedules the next run, clears the claim mark.
func (s *Store) Requeue(ctx context.Context, id string, at time.Time, errMsg string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, started_at = NULL, error_message = ?
WHERE id = ? AND status = ?;
`, StatusPending, fmtTime(at), errMsg, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("requeue command: %w", err)
	}
	return s.oneRowOr(ctx, res, id)
}

// Cancel transitions pending -> cancelled. A command that was already
// claimed or finished reports ErrConflict.
func (s *Store) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?
WHERE id = ? AND status = ?;
`, StatusCancelled, id, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	return s.oneRowOr(ctx, res, id)
}

// Retry returns a failed command to the pool, due immediately, with result
// and error cleared. retry_count stays where the failure left it, so a
// command that already spent its budget gets exactly one more attempt per
// operator retry. Only failed commands are eligible.
func (s *Store) Retry(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, scheduled_at = ?, started_at = NULL,
    executed_at = NULL, result = NULL, error_message = NULL
WHERE id = ? AND status = ?;
`, StatusPending, fmtTime(time.Now()), id, StatusFailed)
	if err != nil {
		return fmt.Errorf("retry command: %w", err)
	}
	return s.oneRowOr(ctx, res, id)
}

// oneRowOr maps a zero-row conditional update to ErrNotFound or ErrConflict.
func (s *Store) oneRowOr(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM commands WHERE id = ?;`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check command %s: %w", id, err)
	}
	return ErrConflict
}

// Get returns a single command by id.
func (s *Store) Get(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, command_type, payload, priority, status, retry_count, max_retries,
       scheduled_at, created_at, started_at, executed_at, result, error_message
FROM commands
WHERE id = ?;
`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// List returns commands newest-first, narrowed by filter.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Command, error) {
	query := `
SELECT id, tenant_id, command_type, payload, priority, status, retry_count, max_retries,
       scheduled_at, created_at, started_at, executed_at, result, error_message
FROM commands
WHERE 1=1`
	args := []any{}
	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.CommandType != "" {
		query += " AND command_type = ?"
		args = append(args, f.CommandType)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return out, nil
}

// FailedCommands returns failed commands, oldest first. Empty tenantID means
// all tenants.
func (s *Store) FailedCommands(ctx context.Context, tenantID string) ([]*Command, error) {
	query := `
SELECT id, tenant_id, command_type, payload, priority, status, retry_count, max_retries,
       scheduled_at, created_at, started_at, executed_at, result, error_message
FROM commands
WHERE status = ?`
	args := []any{StatusFailed}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed command: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failed commands: %w", err)
	}
	return out, nil
}

// ReapStale reclaims processing commands whose claim is older than cutoff:
// back to pending with retry budget left, failed otherwise. Returns
// (requeued, failed) counts. Both arms run in one transaction.
func (s *Store) ReapStale(ctx context.Context, cutoff, retryAt time.Time, errMsg string) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoffS := fmtTime(cutoff)

	res, err := tx.ExecContext(ctx, `
UPDATE commands
SET status = ?, executed_at = ?, error_message = ?
WHERE status = ? AND started_at <= ? AND retry_count >= max_retries;
`, StatusFailed, fmtTime(time.Now()), errMsg, StatusProcessing, cutoffS)
	if err != nil {
		return 0, 0, fmt.Errorf("reap exhausted: %w", err)
	}
	failed, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
UPDATE commands
SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, started_at = NULL, error_message = ?
WHERE status = ? AND started_at <= ? AND retry_count < max_retries;
`, StatusPending, fmtTime(retryAt), errMsg, StatusProcessing, cutoffS)
	if err != nil {
		return 0, 0, fmt.Errorf("reap stale: %w", err)
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return requeued, failed, nil
}

// Cleanup deletes terminal commands created before cutoff. Pending and
// processing records are never touched. Safe to run repeatedly.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM commands
WHERE status IN (?, ?, ?) AND created_at < ?;
`, StatusCompleted, StatusFailed, StatusCancelled, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of pending commands.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE status = ?;`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Stats aggregates queue-wide counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		StatusCounts: make(map[string]int),
		TypeCounts:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		st.StatusCounts[status] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}

	trows, err := s.db.QueryContext(ctx, `SELECT command_type, COUNT(*) FROM commands GROUP BY command_type;`)
	if err != nil {
		return nil, fmt.Errorf("stats by type: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var ct string
		var n int
		if err := trows.Scan(&ct, &n); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		st.TypeCounts[ct] = n
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("stats by type: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(AVG(strftime('%s', ?) - strftime('%s', created_at)), 0)
FROM commands
WHERE status = ?;
`, fmtTime(time.Now()), StatusPending).Scan(&st.PendingCount, &st.AvgPendingAgeSecs)
	if err != nil {
		return nil, fmt.Errorf("pending age: %w", err)
	}
	if st.AvgPendingAgeSecs < 0 {
		st.AvgPendingAgeSecs = 0
	}
	return st, nil
}

// GetTenant looks up a tenant directory row.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var (
		t         Tenant
		enabled   int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, plan, site_url, secret, enabled, created_at FROM tenants WHERE id = ?;
`, id).Scan(&t.ID, &t.Plan, &t.SiteURL, &t.Secret, &enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.Enabled = enabled != 0
	if ts, err := parseTime(createdAt); err == nil {
		t.CreatedAt = ts
	}
	return &t, nil
}

// UpsertTenant inserts or updates a tenant directory row. Provisioning
// proper lives outside this service; this backs the local seeding CLI.
func (s *Store) UpsertTenant(ctx context.Context, t Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is empty")
	}
	if t.SiteURL == "" {
		return fmt.Errorf("tenant site_url is empty")
	}
	enabled := 0
	if t.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tenants(id, plan, site_url, secret, enabled, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  plan = excluded.plan, site_url = excluded.site_url,
  secret = excluded.secret, enabled = excluded.enabled;
`, t.ID, t.Plan, t.SiteURL, t.Secret, enabled, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ListTenants returns all tenant rows ordered by id.
func (s *Store) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, plan, site_url, secret, enabled, created_at FROM tenants ORDER BY id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var (
			t         Tenant
			enabled   int
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Plan, &t.SiteURL, &t.Secret, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.Enabled = enabled != 0
		if ts, err := parseTime(createdAt); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return out, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c            Command
		commandType  string
		payload      sql.NullString
		statusS      string
		scheduledAtS string
		createdAtS   string
		startedAtS   sql.NullString
		executedAtS  sql.NullString
		result       sql.NullString
		errorMessage sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &commandType, &payload, &c.Priority, &statusS, &c.RetryCount, &c.MaxRetries,
		&scheduledAtS, &createdAtS, &startedAtS, &executedAtS, &result, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	c.CommandType = CommandType(commandType)
	c.Status = Status(statusS)
	if payload.Valid {
		c.Payload = []byte(payload.String)
	}
	if t, err := parseTime(scheduledAtS); err == nil {
		c.ScheduledAt = t
	}
	if t, err := parseTime(createdAtS); err == nil {
		c.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := parseTime(startedAtS.String); err == nil {
			c.StartedAt = &t
		}
	}
	if executedAtS.Valid {
		if t, err := parseTime(executedAtS.String); err == nil {
			c.ExecutedAt = &t
		}
	}
	if result.Valid {
		c.Result = []byte(result.String)
	}
	if errorMessage.Valid {
		c.ErrorMessage = &errorMessage.String
	}
	return &c, nil
}
