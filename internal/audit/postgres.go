package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

const entryColumns = `id, tenant_id, seq, actor_user_id, actor_role, entity_type, entity_id,
	action, payload_json, prev_hash, entry_hash, created_at`

// PostgresLedger persists audit chains to PostgreSQL (table audit_entries,
// see migrations/). It implements the Ledger interface.
type PostgresLedger struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	maxAttempts int
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger, maxAttempts: DefaultMaxAppendAttempts}
}

// SetMaxAppendAttempts overrides how often a conflicting append is retried.
func (l *PostgresLedger) SetMaxAppendAttempts(n int) {
	l.maxAttempts = n
}

// Append implements Ledger.
// Each attempt takes a transaction-scoped advisory lock keyed by the tenant,
// reads the chain head, and inserts the new entry in the same transaction.
// The lock is released when the transaction commits or rolls back.
func (l *PostgresLedger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	p, err := prepare(req)
	if err != nil {
		return nil, err
	}

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
		zap.String("entity_type", entry.EntityType),
	)
	return entry, nil
}

func (l *PostgresLedger) appendOnce(ctx context.Context, p *prepared) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", p.req.TenantID,
	); err != nil {
		return nil, fmt.Errorf("acquire tenant lock: %w", err)
	}

	head, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		p.req.TenantID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry := p.chainOnto(head)
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.TenantID, entry.Seq, entry.ActorUserID, entry.ActorRole,
		entry.EntityType, entry.EntityID, entry.Action, string(entry.Payload),
		entry.PrevHash, entry.EntryHash, entry.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrForkConflict, pgErr.ConstraintName)
		}
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}
	return entry, nil
}

// Head implements Ledger.
func (l *PostgresLedger) Head(ctx context.Context, tenantID string) (*Entry, error) {
	return scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, tenantID,
	))
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	entry, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if err != nil {
		return nil, fmt.Errorf("get audit entry %s: %w", id, err)
	}
	return entry, nil
}

// List implements Ledger.
func (l *PostgresLedger) List(ctx context.Context, tenantID string, offset, limit int) ([]*Entry, error) {
	offset, limit = clampPage(offset, limit)
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = $1 ORDER BY created_at ASC, seq ASC OFFSET $2 LIMIT $3`,
		tenantID, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_entries WHERE tenant_id = $1", tenantID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Tenants implements Ledger.
func (l *PostgresLedger) Tenants(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, "SELECT DISTINCT tenant_id FROM audit_entries ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("query audit tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan audit tenants: %w", err)
	}
	return tenants, nil
}

// Verify implements Ledger. It streams the tenant's rows in chain order and
// stops at the first broken link. O(n) in chain length.
func (l *PostgresLedger) Verify(ctx context.Context, tenantID string) (*Report, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = $1 ORDER BY created_at ASC, seq ASC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	v := newChainVerifier(tenantID)
	for rows.Next() {
		e, err := scanEntry(rows)
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

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var payload string
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.Seq, &e.ActorUserID, &e.ActorRole,
		&e.EntityType, &e.EntityID, &e.Action, &payload,
		&e.PrevHash, &e.EntryHash, &e.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Payload = []byte(payload)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
