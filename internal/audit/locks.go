package audit

import "sync"

// tenantLocks hands out one mutex per tenant. It is the serialisation point
// for in-process appenders; readers never take it.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the tenant's mutex is held and returns its release func.
func (t *tenantLocks) lock(tenantID string) func() {
	t.mu.Lock()
	m, ok := t.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		t.locks[tenantID] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
