// Package stash implements the short-lived parking lot for intercepted
// requests. An intercepted submission is serialized verbatim, keyed by
// an unguessable id, and bound to the principal who made it; after the
// challenge succeeds the gate retrieves it exactly once and replays it.
package stash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmcleod/sudogate/internal/util"
	"github.com/jmcleod/sudogate/storage"
)

// DefaultTTL bounds how long a parked request stays retrievable.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned when a stash key is unknown, expired, already
// consumed, or owned by a different principal. Callers cannot tell
// these cases apart.
var ErrNotFound = errors.New("stash: not found")

// Record is one parked request. Body holds the decoded form fields for
// form submissions; RawBody holds the unparsed payload for everything
// else. Replay must reproduce the original submission verbatim.
type Record struct {
	PrincipalID string     `json:"principal_id"`
	RuleID      string     `json:"rule_id"`
	Label       string     `json:"label"`
	Method      string     `json:"method"`
	TargetURL   string     `json:"target_url"`
	Query       url.Values `json:"query,omitempty"`
	Body        url.Values `json:"body,omitempty"`
	RawBody     []byte     `json:"raw_body,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Stash parks intercepted requests in a TTL store.
type Stash struct {
	store storage.TTLStore
	ttl   time.Duration
	now   func() time.Time
}

// Option configures the Stash.
type Option func(*Stash)

// WithTTL overrides the retention window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Stash) { s.ttl = ttl }
}

// WithClock overrides time, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Stash) { s.now = now }
}

func New(store storage.TTLStore, opts ...Option) *Stash {
	s := &Stash{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the retention window.
func (s *Stash) TTL() time.Duration {
	return s.ttl
}

// Save parks a record and returns its unguessable key.
func (s *Stash) Save(ctx context.Context, rec Record) (string, error) {
	if rec.PrincipalID == "" {
		return "", fmt.Errorf("stash: record needs a principal")
	}
	key, err := util.RandomToken(16)
	if err != nil {
		return "", err
	}
	rec.CreatedAt = s.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding stash record: %w", err)
	}
	if err := s.store.Set(ctx, storageKey(key), data, s.ttl); err != nil {
		return "", err
	}
	return key, nil
}

// Get retrieves a parked record for the given principal without
// consuming it. Foreign and unknown keys both answer ErrNotFound.
func (s *Stash) Get(ctx context.Context, principalID, key string) (Record, error) {
	if key == "" {
		return Record{}, ErrNotFound
	}
	data, err := s.store.Get(ctx, storageKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding stash record: %w", err)
	}
	if rec.PrincipalID != principalID {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Take retrieves and consumes a parked record. A second Take with the
// same key answers ErrNotFound.
func (s *Stash) Take(ctx context.Context, principalID, key string) (Record, error) {
	rec, err := s.Get(ctx, principalID, key)
	if err != nil {
		return Record{}, err
	}
	if err := s.store.Delete(ctx, storageKey(key)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Record{}, err
	}
	return rec, nil
}

// Exists probes for a retrievable record without consuming it.
func (s *Stash) Exists(ctx context.Context, principalID, key string) bool {
	_, err := s.Get(ctx, principalID, key)
	return err == nil
}

// Delete discards a parked record without replaying it.
func (s *Stash) Delete(ctx context.Context, key string) error {
	err := s.store.Delete(ctx, storageKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func storageKey(key string) string {
	return "stash:" + key
}
