package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each snapshot under prefix+documentID.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(addr, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewRedisStoreWithClient(rdb, prefix)
}

// NewRedisStoreWithClient shares an existing client, e.g. with the event publisher.
func NewRedisStoreWithClient(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) key(documentID string) string { return s.prefix + documentID }

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", documentID, err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, documentID string, snapshot []byte) error {
	if err := s.rdb.Set(ctx, s.key(documentID), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", documentID, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
