package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxAppendAttempts bounds how often an append is retried after a
// fork conflict before the conflict is returned to the caller.
const DefaultMaxAppendAttempts = 5

// Ledger is the interface for the per-tenant, append-only audit chain.
// MemoryLedger, SQLiteLedger and PostgresLedger implement it.
type Ledger interface {
	// Append reads the tenant's chain head, hashes the new entry onto it and
	// persists it. The read and the write are atomic per tenant.
	Append(ctx context.Context, req AppendRequest) (*Entry, error)

	// Head returns the most recent entry for the tenant, or ErrNotFound.
	Head(ctx context.Context, tenantID string) (*Entry, error)

	// Get returns a single entry of the tenant's chain, or ErrNotFound.
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error)

	// List returns up to limit entries in chain order starting at offset.
	List(ctx context.Context, tenantID string, offset, limit int) ([]*Entry, error)

	// Len returns the number of entries in the tenant's chain.
	Len(ctx context.Context, tenantID string) (int, error)

	// Tenants returns every tenant that has at least one entry, sorted.
	Tenants(ctx context.Context) ([]string, error)

	// Verify walks the tenant's chain and reports the first broken link.
	// A non-nil error means the chain could not be read, not that it is invalid.
	Verify(ctx context.Context, tenantID string) (*Report, error)
}

// appendWithRetry runs attempt until it succeeds, fails with something other
// than ErrForkConflict, or maxAttempts is reached. Each attempt must perform
// the full lookup-hash-write sequence again.
func appendWithRetry(ctx context.Context, maxAttempts int, logger *zap.Logger, tenantID string, attempt func() (*Entry, error)) (*Entry, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAppendAttempts
	}

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := attempt()
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrForkConflict) {
			return nil, err
		}
		lastErr = err
		logger.Debug("audit append lost chain head, retrying",
			zap.String("tenant_id", tenantID),
			zap.Int("attempt", i),
		)
	}
	return nil, fmt.Errorf("append after %d attempts: %w", maxAttempts, lastErr)
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 100
	}
	return offset, limit
}
