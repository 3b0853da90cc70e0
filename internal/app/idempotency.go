package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/pkg/idempotency"
)

// OpenInbox returns the idempotency inbox for the backend. PostgreSQL
// deployments share keys across replicas; the single-process drivers keep
// them in memory.
func OpenInbox(ctx context.Context, b *Backend, cfg *config.Config, logger *zap.Logger) (*idempotency.Inbox, error) {
	inboxCfg := idempotency.DefaultConfig()
	if cfg.Server.IdempotencyTTL > 0 {
		inboxCfg.TTL = cfg.Server.IdempotencyTTL
	}

	var store idempotency.Store
	if b.Pool != nil {
		pg := idempotency.NewPGStore(b.Pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		store = pg
	} else {
		store = idempotency.NewMemoryStore(nil)
	}
	return idempotency.NewInbox(store, inboxCfg, logger), nil
}
