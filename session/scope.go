package session

import (
	"context"
	"sync"
)

type scopeCtxKey struct{}

// Scope memoizes elevation checks for the duration of one request, so
// multiple components querying the same principal hit the store once.
// Activate and Deactivate invalidate the memo immediately; the scope
// must be created fresh at each request boundary.
type Scope struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewScope() *Scope {
	return &Scope{active: make(map[string]bool)}
}

// WithScope attaches the scope to the context.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

// ScopeFromContext returns the request scope, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeCtxKey{}).(*Scope)
	return s
}

func (s *Scope) lookup(principalID string) (active, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, ok = s.active[principalID]
	return active, ok
}

func (s *Scope) memo(principalID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[principalID] = active
}

// Invalidate drops the memoized result for a principal.
func (s *Scope) Invalidate(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, principalID)
}
