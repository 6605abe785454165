package store

import (
	"context"
	"fmt"
	"time"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// Store persists tests and rollback decisions across restarts. The registry
// remains the source of truth while running; the store is write-behind.
type Store interface {
	SaveTest(ctx context.Context, t *model.ImprovementTest) error
	LoadTests(ctx context.Context) ([]*model.ImprovementTest, error)
	SaveRollback(ctx context.Context, decision *model.RollbackDecision, result *model.RollbackResult) error
	LoadRollbacks(ctx context.Context, testID string) ([]*model.RollbackDecision, error)
	// PurgeArchived deletes archived tests older than the cutoff and
	// returns how many were removed.
	PurgeArchived(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

type Config struct {
	Driver string
	DSN    string
}

// Open returns a store for the configured driver.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "mysql":
		return OpenMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
