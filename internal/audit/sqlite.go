package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	actor_user_id TEXT NOT NULL,
	actor_role    TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	payload_json  TEXT NOT NULL,
	prev_hash     TEXT NOT NULL,
	entry_hash    TEXT NOT NULL,
	created_at    INTEGER NOT NULL, -- unix microseconds, UTC
	UNIQUE (tenant_id, seq),
	UNIQUE (tenant_id, prev_hash)
);
CREATE INDEX IF NOT EXISTS audit_entries_tenant_order
	ON audit_entries (tenant_id, created_at, seq);
CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
	BEFORE UPDATE ON audit_entries
	BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END;
CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
	BEFORE DELETE ON audit_entries
	BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END;
`

// SQLiteLedger persists audit chains to a SQLite database file. Appends in
// one process are serialised per tenant; transactions start with BEGIN
// IMMEDIATE so appenders in other processes wait on the write lock, and the
// (tenant_id, prev_hash) constraint rejects any write that would fork a chain.
type SQLiteLedger struct {
	db          *sql.DB
	path        string
	locks       *tenantLocks
	logger      *zap.Logger
	maxAttempts int

	// beforeInsert runs inside the append transaction just before the insert.
	beforeInsert func(ctx context.Context, tx *sql.Tx, next *Entry) error
}

// NewSQLiteLedger opens (creating if needed) the database at path and
// ensures the schema exists. path may be ":memory:".
func NewSQLiteLedger(ctx context.Context, path string, logger *zap.Logger) (*SQLiteLedger, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	l := &SQLiteLedger{
		db:          db,
		path:        path,
		locks:       newTenantLocks(),
		logger:      logger,
		maxAttempts: DefaultMaxAppendAttempts,
	}
	if err := l.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// EnsureSchema creates the audit_entries table if it doesn't exist.
func (l *SQLiteLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

// SetMaxAppendAttempts overrides how often a conflicting append is retried.
func (l *SQLiteLedger) SetMaxAppendAttempts(n int) {
	l.maxAttempts = n
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *SQLiteLedger) Path() string {
	return l.path
}

// Append implements Ledger.
func (l *SQLiteLedger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	p, err := prepare(req)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(req.TenantID)
	defer unlock()

	entry, err := appendWithRetry(ctx, l.maxAttempts, l.logger, req.TenantID, func() (*Entry, error) {
		return l.appendOnce(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("audit entry appended",
		zap.String("tenant_id", entry.TenantID),
		zap.Int64("seq", entry.Seq),
		zap.String("action", entry.Action),
	)
	return entry, nil
}

func (l *SQLiteLedger) appendOnce(ctx context.Context, p *prepared) (*Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	head, err := scanSQLiteEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`,
		p.req.TenantID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry := p.chainOnto(head)
	if l.beforeInsert != nil {
		if err := l.beforeInsert(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := insertSQLiteEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}
	return entry, nil
}

func insertSQLiteEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.TenantID, e.Seq, e.ActorUserID, e.ActorRole,
		e.EntityType, e.EntityID, e.Action, string(e.Payload),
		e.PrevHash, e.EntryHash, e.CreatedAt.UnixMicro(),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %v", ErrForkConflict, err)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Head implements Ledger.
func (l *SQLiteLedger) Head(ctx context.Context, tenantID string) (*Entry, error) {
	return scanSQLiteEntry(l.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`, tenantID,
	))
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	entry, err := scanSQLiteEntry(l.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE tenant_id = ? AND id = ?`,
		tenantID, id.String(),
	))
	if err != nil {
		return nil, fmt.Errorf("get audit entry %s: %w", id, err)
	}
	return entry, nil
}

// List implements Ledger.
func (l *SQLiteLedger) List(ctx context.Context, tenantID string, offset, limit int) ([]*Entry, error) {
	offset, limit = clampPage(offset, limit)
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = ? ORDER BY created_at ASC, seq ASC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Ledger.
func (l *SQLiteLedger) Len(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries WHERE tenant_id = ?", tenantID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Tenants implements Ledger.
func (l *SQLiteLedger) Tenants(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT DISTINCT tenant_id FROM audit_entries ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("query audit tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan audit tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Verify implements Ledger.
func (l *SQLiteLedger) Verify(ctx context.Context, tenantID string) (*Report, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = ? ORDER BY created_at ASC, seq ASC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	v := newChainVerifier(tenantID)
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		if !v.check(e) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit chain: %w", err)
	}
	return v.report, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var id, payload string
	var createdAt int64
	if err := row.Scan(
		&id, &e.TenantID, &e.Seq, &e.ActorUserID, &e.ActorRole,
		&e.EntityType, &e.EntityID, &e.Action, &payload,
		&e.PrevHash, &e.EntryHash, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse audit entry id %q: %w", id, err)
	}
	e.ID = parsed
	e.Payload = []byte(payload)
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	return e, nil
}
