package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/store"
)

// Stores holds the durable state of the process. The SQLite store always
// backs the label catalog and run history; properties live in SQLite or
// Redis depending on the configured backend.
type Stores struct {
	SQLite *store.SQLiteStore
	Props  store.PropertyStore

	redis *store.RedisProperties
}

// OpenStores opens the configured backends.
func OpenStores(ctx context.Context, cfg model.StoreConfig) (*Stores, error) {
	path := cfg.Path
	if path == "" {
		path = model.DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	sqlite, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	s := &Stores{SQLite: sqlite, Props: sqlite}

	if cfg.Backend == "redis" {
		r, err := store.NewRedisProperties(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			sqlite.Close()
			return nil, err
		}
		s.redis = r
		s.Props = r
	}
	return s, nil
}

// Close closes every backend.
func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.SQLite.Close())
	return errors.Join(errs...)
}
