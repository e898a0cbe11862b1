package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation. Each
// tenant's chain is an append-only slice and entries are addressed by their
// position in it. It is primarily useful for testing and for single-process
// deployments that do not need entries to survive a restart.
type MemoryLedger struct {
	locks *tenantLocks

	mu     sync.RWMutex
	chains map[string][]*Entry
	byID   map[uuid.UUID]int // entry id -> position in its tenant chain
}

// New creates an empty MemoryLedger.
func New() *MemoryLedger {
	return &MemoryLedger{
		locks:  newTenantLocks(),
		chains: make(map[string][]*Entry),
		byID:   make(map[uuid.UUID]int),
	}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, req AppendRequest) (*Entry, error) {
	p, err := prepare(req)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(req.TenantID)
	defer unlock()

	l.mu.RLock()
	var head *Entry
	if chain := l.chains[req.TenantID]; len(chain) > 0 {
		head = chain[len(chain)-1]
	}
	l.mu.RUnlock()

	entry := p.chainOnto(head)

	l.mu.Lock()
	l.chains[req.TenantID] = append(l.chains[req.TenantID], entry)
	l.byID[entry.ID] = int(entry.Seq)
	l.mu.Unlock()

	return entry.clone(), nil
}

// Head implements Ledger.
func (l *MemoryLedger) Head(_ context.Context, tenantID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[tenantID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return chain[len(chain)-1].clone(), nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.byID[id]
	chain := l.chains[tenantID]
	if !ok || pos >= len(chain) || chain[pos].ID != id {
		return nil, fmt.Errorf("get entry %s: %w", id, ErrNotFound)
	}
	return chain[pos].clone(), nil
}

// List implements Ledger.
func (l *MemoryLedger) List(_ context.Context, tenantID string, offset, limit int) ([]*Entry, error) {
	offset, limit = clampPage(offset, limit)

	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[tenantID]
	if offset >= len(chain) {
		return []*Entry{}, nil
	}
	end := min(offset+limit, len(chain))
	out := make([]*Entry, 0, end-offset)
	for _, e := range chain[offset:end] {
		out = append(out, e.clone())
	}
	return out, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context, tenantID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chains[tenantID]), nil
}

// Tenants implements Ledger.
func (l *MemoryLedger) Tenants(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tenants := make([]string, 0, len(l.chains))
	for t := range l.chains {
		tenants = append(tenants, t)
	}
	slices.Sort(tenants)
	return tenants, nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context, tenantID string) (*Report, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain(tenantID, l.chains[tenantID]), nil
}
