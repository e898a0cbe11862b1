// Package health periodically re-verifies tenant audit chains and tracks
// which chains are intact.
package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"go.uber.org/zap"
)

// Config holds chain check configuration.
type Config struct {
	CheckInterval time.Duration
	Concurrency   int
	// Tenants limits checks to these tenants. Empty means every tenant the
	// ledger reports.
	Tenants []string
}

// ChainSource is the subset of audit.Ledger the checker needs.
type ChainSource interface {
	Tenants(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, tenantID string) (*audit.Report, error)
}

// Status is the outcome of the latest check of one tenant chain.
type Status struct {
	TenantID  string           `json:"tenant_id"`
	Valid     bool             `json:"valid"`
	Entries   int              `json:"entries"`
	Root      string           `json:"root,omitempty"`
	Violation *audit.Violation `json:"violation,omitempty"`
	Error     string           `json:"error,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

// BrokenFunc is an optional callback invoked when a chain turns from intact
// (or unchecked) to broken.
type BrokenFunc func(ctx context.Context, report *audit.Report)

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(valid bool)

// ChainChecker runs periodic chain verifications.
type ChainChecker struct {
	source    ChainSource
	cfg       Config
	mu        sync.Mutex
	statuses  map[string]Status
	onBroken  BrokenFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new ChainChecker.
func New(source ChainSource, cfg Config, logger *zap.Logger) *ChainChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &ChainChecker{
		source:   source,
		cfg:      cfg,
		statuses: make(map[string]Status),
		logger:   logger,
	}
}

// SetBrokenCallback configures the broken-chain callback.
func (h *ChainChecker) SetBrokenCallback(fn BrokenFunc) {
	h.onBroken = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *ChainChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *ChainChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckInterval)
			h.CheckAll(checkCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every configured tenant chain with bounded concurrency.
func (h *ChainChecker) CheckAll(ctx context.Context) {
	tenants := h.cfg.Tenants
	if len(tenants) == 0 {
		var err error
		tenants, err = h.source.Tenants(ctx)
		if err != nil {
			h.logger.Error("health: list tenants", zap.Error(err))
			return
		}
	}

	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, tenant := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			h.check(ctx, tenant)
		}(tenant)
	}

	wg.Wait()
}

func (h *ChainChecker) check(ctx context.Context, tenant string) {
	now := time.Now().UTC()
	report, err := h.source.Verify(ctx, tenant)
	if err != nil {
		// An unreadable chain keeps its previous validity.
		h.logger.Warn("health: verify chain", zap.String("tenant_id", tenant), zap.Error(err))
		h.mu.Lock()
		st := h.statuses[tenant]
		st.TenantID = tenant
		st.Error = err.Error()
		st.CheckedAt = now
		h.statuses[tenant] = st
		h.mu.Unlock()
		return
	}

	if h.onMetrics != nil {
		h.onMetrics(report.Valid)
	}

	h.mu.Lock()
	prev, seen := h.statuses[tenant]
	h.statuses[tenant] = Status{
		TenantID:  tenant,
		Valid:     report.Valid,
		Entries:   report.Entries,
		Root:      report.Root,
		Violation: report.Violation,
		CheckedAt: now,
	}
	h.mu.Unlock()

	switch {
	case !report.Valid && (!seen || prev.Violation == nil):
		h.logger.Warn("health: audit chain broken",
			zap.String("tenant_id", tenant),
			zap.Stringer("violation", report.Violation),
		)
		if h.onBroken != nil {
			h.onBroken(ctx, report)
		}
	case report.Valid && seen && !prev.Valid && prev.Violation != nil:
		h.logger.Info("health: audit chain intact again", zap.String("tenant_id", tenant))
	}
}

// Statuses returns the latest status of every checked tenant, sorted by tenant.
func (h *ChainChecker) Statuses() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Status, 0, len(h.statuses))
	for _, st := range h.statuses {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b Status) int {
		return strings.Compare(a.TenantID, b.TenantID)
	})
	return out
}

// Healthy reports whether no checked chain is known to be broken.
func (h *ChainChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.statuses {
		if !st.Valid && st.Violation != nil {
			return false
		}
	}
	return true
}
