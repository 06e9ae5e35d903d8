// Package redis provides a Redis-backed TTL store for multi-process
// deployments where stashes and pending challenges must be shared.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/sudogate/storage"
)

// TTLStore implements storage.TTLStore on a Redis client. Expiry is
// delegated to Redis key TTLs.
type TTLStore struct {
	rdb    *goredis.Client
	prefix string
}

var _ storage.TTLStore = (*TTLStore)(nil)

// NewTTLStore creates a Redis-backed TTL store. All keys are namespaced
// under prefix (default "sudogate:").
func NewTTLStore(rdb *goredis.Client, prefix string) *TTLStore {
	if prefix == "" {
		prefix = "sudogate:"
	}
	return &TTLStore{rdb: rdb, prefix: prefix}
}

func (s *TTLStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (s *TTLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *TTLStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
