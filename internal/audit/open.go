package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Storage drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// StoreConfig selects and configures a Ledger backend.
type StoreConfig struct {
	Driver            string
	URL               string // postgres connection URL or sqlite file path
	MaxAppendAttempts int
}

// Open builds the Ledger described by cfg. The returned close func releases
// the underlying connections and is never nil.
func Open(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Ledger, func(), error) {
	switch cfg.Driver {
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("ping postgres: %w", err)
		}
		l := NewPostgresLedger(pool, logger)
		l.SetMaxAppendAttempts(cfg.MaxAppendAttempts)
		return l, pool.Close, nil

	case DriverSQLite:
		l, err := NewSQLiteLedger(ctx, cfg.URL, logger)
		if err != nil {
			return nil, func() {}, err
		}
		l.SetMaxAppendAttempts(cfg.MaxAppendAttempts)
		return l, func() { _ = l.Close() }, nil

	case DriverMemory:
		return New(), func() {}, nil

	default:
		return nil, func() {}, fmt.Errorf("unknown audit storage driver %q", cfg.Driver)
	}
}
