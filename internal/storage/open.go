package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "igwatch/pkg/logx"
)

// Store is the minimal persistence API used by the pool, the registries and
// the monitor service. State documents are small JSON values saved whole;
// a SaveState that returns nil must mean the document is durable.
type Store interface {
	LoadState(ctx context.Context, key string, v any) error
	SaveState(ctx context.Context, key string, v any) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
