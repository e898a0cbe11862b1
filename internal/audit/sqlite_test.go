package audit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupSQLiteLedger creates an in-memory SQLite ledger for testing.
func setupSQLiteLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLiteLedger(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testRequest(tenant string, payload any) AppendRequest {
	return AppendRequest{
		TenantID:    tenant,
		ActorUserID: "user-1",
		ActorRole:   "REVIEWER",
		EntityType:  "Photo",
		EntityID:    "photo-1",
		Action:      "UPDATE",
		Payload:     payload,
	}
}

func TestNewSQLiteLedger(t *testing.T) {
	t.Run("error with empty path", func(t *testing.T) {
		_, err := NewSQLiteLedger(context.Background(), "", zap.NewNop())
		require.Error(t, err)
	})

	t.Run("entries survive reopen", func(t *testing.T) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "audit.db")

		l, err := NewSQLiteLedger(ctx, path, zap.NewNop())
		require.NoError(t, err)
		first, err := l.Append(ctx, testRequest("tenant-a", map[string]any{"n": 1}))
		require.NoError(t, err)
		require.NoError(t, l.Close())

		reopened, err := NewSQLiteLedger(ctx, path, zap.NewNop())
		require.NoError(t, err)
		defer reopened.Close()

		second, err := reopened.Append(ctx, testRequest("tenant-a", map[string]any{"n": 2}))
		require.NoError(t, err)
		assert.Equal(t, first.EntryHash, second.PrevHash)
		assert.Equal(t, int64(1), second.Seq)

		r, err := reopened.Verify(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, r.Valid)
		assert.Equal(t, 2, r.Entries)
	})
}

func TestSQLiteLedger_entriesAreImmutable(t *testing.T) {
	ctx := context.Background()
	l := setupSQLiteLedger(t)
	e, err := l.Append(ctx, testRequest("tenant-a", map[string]any{"n": 1}))
	require.NoError(t, err)

	_, err = l.db.ExecContext(ctx, `UPDATE audit_entries SET payload_json = '{}' WHERE id = ?`, e.ID.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	_, err = l.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE id = ?`, e.ID.String())
	require.Error(t, err)
}

func TestSQLiteLedger_detectsTamperedRow(t *testing.T) {
	ctx := context.Background()
	l := setupSQLiteLedger(t)

	var target *Entry
	for i := range 4 {
		e, err := l.Append(ctx, testRequest("tenant-a", map[string]any{"n": i}))
		require.NoError(t, err)
		if i == 2 {
			target = e
		}
	}

	// Someone with direct database access bypasses the triggers.
	_, err := l.db.ExecContext(ctx, `DROP TRIGGER audit_entries_no_update`)
	require.NoError(t, err)
	_, err = l.db.ExecContext(ctx,
		`UPDATE audit_entries SET payload_json = ? WHERE id = ?`, `{"n":99}`, target.ID.String())
	require.NoError(t, err)

	r, err := l.Verify(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, r.Valid)
	assert.Equal(t, 2, r.Violation.Index)
	assert.Equal(t, ViolationEntryHash, r.Violation.Kind)
	assert.Equal(t, target.ID, r.Violation.EntryID)
	assert.Equal(t, target.EntryHash, r.Violation.Actual)
	assert.Equal(t, 3, r.Entries, "verification stops at the first broken link")
}

func TestSQLiteLedger_retriesAfterForkConflict(t *testing.T) {
	ctx := context.Background()
	l := setupSQLiteLedger(t)

	head, err := l.Append(ctx, testRequest("tenant-a", map[string]any{"n": 0}))
	require.NoError(t, err)

	// Simulate a writer in another process winning the race once: it inserts
	// an entry claiming the same head between our lookup and our insert.
	attempts := 0
	l.beforeInsert = func(ctx context.Context, tx *sql.Tx, next *Entry) error {
		attempts++
		if attempts > 1 {
			return nil
		}
		rival := *next
		rival.ID[0] ^= 0xff
		return insertSQLiteEntry(ctx, tx, &rival)
	}

	e, err := l.Append(ctx, testRequest("tenant-a", map[string]any{"n": 1}))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, head.EntryHash, e.PrevHash)

	r, err := l.Verify(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, 2, r.Entries)
}

func TestSQLiteLedger_conflictRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	l := setupSQLiteLedger(t)
	l.SetMaxAppendAttempts(3)

	attempts := 0
	l.beforeInsert = func(ctx context.Context, tx *sql.Tx, next *Entry) error {
		attempts++
		rival := *next
		rival.ID[0] ^= 0xff
		return insertSQLiteEntry(ctx, tx, &rival)
	}

	_, err := l.Append(ctx, testRequest("tenant-a", map[string]any{"n": 0}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForkConflict))
	assert.Equal(t, 3, attempts)

	n, err := l.Len(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Zero(t, n, "a failed append leaves the chain unchanged")
}

func TestChainOnto_clockSteppingBack(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return base }
	t.Cleanup(func() { timeNow = time.Now })

	l := New()
	ctx := context.Background()
	first, err := l.Append(ctx, testRequest("tenant-a", nil))
	require.NoError(t, err)

	timeNow = func() time.Time { return base.Add(-time.Hour) }
	second, err := l.Append(ctx, testRequest("tenant-a", nil))
	require.NoError(t, err)

	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
	assert.Equal(t, first.EntryHash, second.PrevHash)
}
