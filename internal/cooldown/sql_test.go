package cooldown

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"siterelay/internal/queue"
	"siterelay/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cooldown.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func backdateStamp(t *testing.T, db *sql.DB, tenantID string, ct queue.CommandType, age time.Duration) {
	t.Helper()
	_, err := db.Exec(
		`UPDATE cooldowns SET last_dispatched_at = ? WHERE tenant_id = ? AND command_type = ?`,
		time.Now().Add(-age).Unix(), tenantID, string(ct),
	)
	if err != nil {
		t.Fatalf("backdate stamp: %v", err)
	}
}

func TestSQLAcquireFirstWinsSecondWaits(t *testing.T) {
	t.Parallel()
	ledger := NewSQLLedger(newTestDB(t))
	ctx := context.Background()

	ok, _, err := ledger.Acquire(ctx, "acme", queue.TypeSync, time.Hour)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should win")
	}

	ok, retryAfter, err := ledger.Acquire(ctx, "acme", queue.TypeSync, time.Hour)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire inside the window should be denied")
	}
	if retryAfter < time.Second || retryAfter > time.Hour {
		t.Fatalf("retry after = %v, want within (0, 1h]", retryAfter)
	}
}

func TestSQLAcquireReopensAfterPeriod(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ledger := NewSQLLedger(db)
	ctx := context.Background()

	if ok, _, _ := ledger.Acquire(ctx, "acme", queue.TypeReport, time.Minute); !ok {
		t.Fatal("first acquire should win")
	}
	backdateStamp(t, db, "acme", queue.TypeReport, 2*time.Minute)

	ok, _, err := ledger.Acquire(ctx, "acme", queue.TypeReport, time.Minute)
	if err != nil {
		t.Fatalf("acquire after window: %v", err)
	}
	if !ok {
		t.Fatal("acquire after the window elapsed should win")
	}
}

func TestSQLAcquireKeysAreIndependent(t *testing.T) {
	t.Parallel()
	ledger := NewSQLLedger(newTestDB(t))
	ctx := context.Background()

	if ok, _, _ := ledger.Acquire(ctx, "acme", queue.TypeSync, time.Hour); !ok {
		t.Fatal("acme/sync should win")
	}
	if ok, _, _ := ledger.Acquire(ctx, "acme", queue.TypeFlushCache, time.Hour); !ok {
		t.Fatal("a different command type must not share the window")
	}
	if ok, _, _ := ledger.Acquire(ctx, "globex", queue.TypeSync, time.Hour); !ok {
		t.Fatal("a different tenant must not share the window")
	}
}

func TestSQLAcquireZeroPeriodAlwaysAdmits(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ledger := NewSQLLedger(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, retryAfter, err := ledger.Acquire(ctx, "acme", queue.TypeHeartbeat, 0)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !ok || retryAfter != 0 {
			t.Fatalf("acquire %d: ok=%v retryAfter=%v, want ok with no wait", i, ok, retryAfter)
		}
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM cooldowns`).Scan(&n); err != nil {
		t.Fatalf("count stamps: %v", err)
	}
	if n != 0 {
		t.Fatalf("zero-period acquires left %d stamps, want none", n)
	}
}

func TestSQLClearDropsTenantStamps(t *testing.T) {
	t.Parallel()
	ledger := NewSQLLedger(newTestDB(t))
	ctx := context.Background()

	if ok, _, _ := ledger.Acquire(ctx, "acme", queue.TypeSync, time.Hour); !ok {
		t.Fatal("setup acquire should win")
	}
	if ok, _, _ := ledger.Acquire(ctx, "globex", queue.TypeSync, time.Hour); !ok {
		t.Fatal("setup acquire should win")
	}

	if err := ledger.Clear(ctx, "acme"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if ok, _, _ := ledger.Acquire(ctx, "acme", queue.TypeSync, time.Hour); !ok {
		t.Fatal("cleared tenant should acquire again")
	}
	if ok, _, _ := ledger.Acquire(ctx, "globex", queue.TypeSync, time.Hour); ok {
		t.Fatal("other tenant's window must survive the clear")
	}
}
