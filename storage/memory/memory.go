// Package memory provides thread-safe in-memory implementations of the
// storage interfaces. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/sudogate/internal/util"
	"github.com/jmcleod/sudogate/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return util.CopyBytes(v), nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = util.CopyBytes(value)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type ttlEntry struct {
	value     []byte
	expiresAt time.Time
}

// TTLStore is an in-memory storage.TTLStore. Expired entries are dropped
// lazily on read; Sweep removes them eagerly.
type TTLStore struct {
	mu   sync.Mutex
	data map[string]ttlEntry
	now  func() time.Time
}

var _ storage.TTLStore = (*TTLStore)(nil)

func NewTTLStore() *TTLStore {
	return &TTLStore{
		data: make(map[string]ttlEntry),
		now:  time.Now,
	}
}

func (s *TTLStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.data, key)
		return nil, storage.ErrNotFound
	}
	return util.CopyBytes(e.value), nil
}

func (s *TTLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = ttlEntry{
		value:     util.CopyBytes(value),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *TTLStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Sweep removes expired entries.
func (s *TTLStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.data {
		if now.After(e.expiresAt) {
			delete(s.data, k)
		}
	}
}
