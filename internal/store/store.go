// Package store persists document snapshots. The sync core treats it as an
// opaque key/value service: one snapshot per document id.
package store

import (
	"context"
	"errors"
	"fmt"

	"docsync/internal/config"
	"docsync/internal/utils"
)

// ErrNotFound is returned by Load when no snapshot exists for a document.
var ErrNotFound = errors.New("document not found")

// DocumentStore loads and saves document snapshots.
type DocumentStore interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, snapshot []byte) error
	Close() error
}

// Open builds the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, log *utils.Logger) (DocumentStore, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		s := NewRedisStore(cfg.RedisAddr, cfg.RedisKeyPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis store at %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	case config.StoreBadger:
		return OpenBadgerStore(BadgerConfig{Path: cfg.BadgerPath, SyncWrites: true, Logger: log})
	case config.StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
