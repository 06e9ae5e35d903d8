// Package storage defines the key/value abstractions the gate persists
// its state through. Elevation and lockout records live in a durable
// Store with no built-in TTL; stashed requests, two-factor challenges,
// and blocked-request notices live in a TTLStore and self-expire.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key/value store. Records are cleared explicitly or
// by the owning component's sweep logic, never by TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix, for sweep passes.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// TTLStore is an ephemeral key/value store with per-key expiry.
type TTLStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
