package factory

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskcluster/taskcluster-sub006/internal/config"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue/redisindex"
	"github.com/taskcluster/taskcluster-sub006/state"
	sqlitestore "github.com/taskcluster/taskcluster-sub006/state/sqlite"
)

// Backend is the durable store together with the pending-work index the
// service reads hints from.
type Backend struct {
	Store state.Store
	Index queue.Index

	redis *redisindex.Index
}

func (b *Backend) Close() error {
	var err error
	if b.redis != nil {
		err = b.redis.Close()
	}
	if b.Store != nil {
		if closeErr := b.Store.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// FromConfig opens the SQLite store and the configured index. When the redis
// index is unreachable it falls back to the store's own index, as every
// hint would otherwise have to wait for a repair pass.
func FromConfig(ctx context.Context, cfg config.Config) (*Backend, error) {
	_ = ctx

	backend := strings.ToLower(strings.TrimSpace(cfg.Index.Backend))
	switch backend {
	case "sqlite":
		store, err := openStore(cfg, true)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store, Index: store}, nil

	case "redis":
		ix, err := newRedisIndex(cfg)
		if err != nil {
			log.Printf("[taskqueue] redis index unavailable, using sqlite hints: %v", err)
			store, err := openStore(cfg, true)
			if err != nil {
				return nil, err
			}
			return &Backend{Store: store, Index: store}, nil
		}
		store, err := openStore(cfg, false)
		if err != nil {
			_ = ix.Close()
			return nil, err
		}
		return &Backend{Store: store, Index: ix, redis: ix}, nil

	default:
		return nil, fmt.Errorf("unsupported index backend %q (use sqlite or redis)", backend)
	}
}

func openStore(cfg config.Config, inlineHints bool) (*sqlitestore.Store, error) {
	path := cfg.Store.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return sqlitestore.New(path,
		sqlitestore.WithBusyTimeout(cfg.Store.BusyTimeout.Std()),
		sqlitestore.WithWAL(cfg.Store.WAL),
		sqlitestore.WithInlineHints(inlineHints),
		sqlitestore.WithHintVisibility(cfg.Index.Visibility.Std()),
	)
}

func newRedisIndex(cfg config.Config) (*redisindex.Index, error) {
	rc := cfg.Index.Redis
	return redisindex.New(rc.Addr,
		redisindex.WithPassword(strings.TrimSpace(rc.Password)),
		redisindex.WithDB(rc.DB),
		redisindex.WithPrefix(rc.Prefix),
		redisindex.WithVisibility(cfg.Index.Visibility.Std()),
	)
}
