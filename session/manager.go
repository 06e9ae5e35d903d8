package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/sudogate/internal/util"
	"github.com/jmcleod/sudogate/principal"
	"github.com/jmcleod/sudogate/storage"
)

// Audit event names emitted by the state machine.
const (
	EventActivated        = "sudo_activated"
	EventActivationFailed = "sudo_activation_failed"
	EventLockedOut        = "sudo_locked_out"
	EventTwoFactorPending = "sudo_2fa_pending"
	EventTwoFactorFailed  = "sudo_2fa_failed"
	EventDeactivated      = "sudo_deactivated"
)

// AuditFunc receives fire-and-forget audit signals.
type AuditFunc func(ctx context.Context, event string, attrs ...slog.Attr)

// SecondFactorProvider abstracts the second-factor integration. The
// gate only needs these two answers; everything else about the factor
// is the provider's business.
type SecondFactorProvider interface {
	Required(ctx context.Context, principalID string) (bool, error)
	Validate(ctx context.Context, principalID, code string) (bool, error)
}

const (
	elevationKeyPrefix = "elev:"
	lockoutKeyPrefix   = "lock:"
	pendingKeyPrefix   = "2fa:"
)

// elevationRecord is the durable per-principal elevation state. The
// binding token itself is never stored; only its salted hash.
type elevationRecord struct {
	ExpiresAt time.Time `json:"expires_at"`
	TokenHash string    `json:"token_hash"`
	Salt      string    `json:"salt"`
}

// lockoutRecord is the durable per-principal rate-limit state,
// independent of the elevation record.
type lockoutRecord struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastFailure    time.Time `json:"last_failure"`
	LockoutUntil   time.Time `json:"lockout_until"`
}

// pendingTwoFactor is the short-lived record created after password
// success when a second factor is required. It is keyed by the hash of
// a browser-bound nonce, not by principal id.
type pendingTwoFactor struct {
	PrincipalID string    `json:"principal_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Manager owns all elevated-session state transitions.
type Manager struct {
	durable storage.Store
	ttl     storage.TTLStore
	dir     principal.Directory
	second  SecondFactorProvider
	audit   AuditFunc
	cfg     Config

	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures the Manager.
type Option func(*Manager)

// WithSecondFactor sets the second-factor provider. Without one, no
// principal is ever asked for a second factor.
func WithSecondFactor(p SecondFactorProvider) Option {
	return func(m *Manager) { m.second = p }
}

// WithAudit sets the audit sink.
func WithAudit(fn AuditFunc) Option {
	return func(m *Manager) { m.audit = fn }
}

// WithClock overrides time and sleep, for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(m *Manager) {
		m.now = now
		m.sleep = sleep
	}
}

// NewManager creates the state machine on top of the host-provided
// stores and principal directory.
func NewManager(durable storage.Store, ttl storage.TTLStore, dir principal.Directory, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		durable: durable,
		ttl:     ttl,
		dir:     dir,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.audit == nil {
		m.audit = func(context.Context, string, ...slog.Attr) {}
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// SetAudit installs the audit sink after construction, for composition
// roots that build the manager before the component owning the sink.
func (m *Manager) SetAudit(fn AuditFunc) {
	if fn != nil {
		m.audit = fn
	}
}

// delayForAttempt is the synchronous throttle applied before reporting
// a failed attempt. The first three attempts return immediately.
func delayForAttempt(attempt int) time.Duration {
	switch {
	case attempt <= 3:
		return 0
	case attempt == 4:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}

// AttemptActivation verifies the principal's password and either
// elevates the session, parks it behind a pending second factor, or
// records the failure. The password slice is wiped before return.
func (m *Manager) AttemptActivation(ctx context.Context, principalID string, password []byte) (Result, error) {
	lock, err := m.loadLockout(ctx, principalID)
	if err != nil {
		memguard.WipeBytes(password)
		return Result{}, err
	}
	now := m.now()
	if now.Before(lock.LockoutUntil) {
		// No password check during lockout: a locked principal gets no
		// timing signal about credential validity.
		memguard.WipeBytes(password)
		m.audit(ctx, EventLockedOut, slog.String("principal_id", principalID))
		return Result{Code: CodeLockedOut, RetryAfter: lock.LockoutUntil.Sub(now)}, nil
	}

	// Hold the plaintext in a locked buffer while verifying. The
	// caller's slice is wiped by the copy.
	buf := memguard.NewBufferFromBytes(password)
	defer buf.Destroy()

	ok, err := m.dir.VerifyPassword(ctx, principalID, buf.Bytes())
	if err != nil {
		return Result{}, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return m.recordFailure(ctx, principalID, lock)
	}

	if err := m.durable.Delete(ctx, lockoutKeyPrefix+principalID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	if m.second != nil {
		required, err := m.second.Required(ctx, principalID)
		if err != nil {
			return Result{}, fmt.Errorf("querying second factor: %w", err)
		}
		if required {
			return m.beginTwoFactor(ctx, principalID)
		}
	}
	return m.Activate(ctx, principalID)
}

func (m *Manager) recordFailure(ctx context.Context, principalID string, lock lockoutRecord) (Result, error) {
	now := m.now()
	lock.FailedAttempts++
	lock.LastFailure = now
	lockedOut := lock.FailedAttempts >= m.cfg.MaxAttempts
	if lockedOut {
		lock.LockoutUntil = now.Add(m.cfg.Lockout)
	}
	if err := m.storeLockout(ctx, principalID, lock); err != nil {
		return Result{}, err
	}

	m.sleep(delayForAttempt(lock.FailedAttempts))

	if lockedOut {
		m.audit(ctx, EventLockedOut,
			slog.String("principal_id", principalID),
			slog.Int("failed_attempts", lock.FailedAttempts))
		return Result{Code: CodeLockedOut, RetryAfter: m.cfg.Lockout}, nil
	}
	m.audit(ctx, EventActivationFailed,
		slog.String("principal_id", principalID),
		slog.Int("failed_attempts", lock.FailedAttempts))
	return Result{Code: CodeInvalidPassword}, nil
}

// Activate elevates the principal: fresh expiry, fresh binding token,
// cleared counters. Calling it again re-keys the session; the previous
// token stops validating.
func (m *Manager) Activate(ctx context.Context, principalID string) (Result, error) {
	token, err := util.RandomToken(32)
	if err != nil {
		return Result{}, err
	}
	salt, err := util.RandomToken(16)
	if err != nil {
		return Result{}, err
	}

	now := m.now()
	expiresAt := now.Add(m.cfg.Duration)
	rec := elevationRecord{
		ExpiresAt: expiresAt,
		TokenHash: hashToken(salt, token),
		Salt:      salt,
	}
	if err := m.putJSON(ctx, elevationKeyPrefix+principalID, rec); err != nil {
		return Result{}, err
	}
	if err := m.durable.Delete(ctx, lockoutKeyPrefix+principalID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	if scope := ScopeFromContext(ctx); scope != nil {
		scope.Invalidate(principalID)
	}
	m.audit(ctx, EventActivated,
		slog.String("principal_id", principalID),
		slog.Time("expires_at", expiresAt),
		slog.Duration("duration", m.cfg.Duration))

	return Result{
		Code:      CodeSuccess,
		ExpiresAt: expiresAt,
		Mutations: []Mutation{{Cookie: m.bindingCookie(token, expiresAt)}},
	}, nil
}

// IsActive reports whether the principal currently holds a valid
// elevated session, binding token included. Any ambiguity — missing
// record, expired, missing or mismatched token, store error — answers
// false. The result is memoized in the request scope.
func (m *Manager) IsActive(ctx context.Context, principalID, token string) bool {
	scope := ScopeFromContext(ctx)
	if scope != nil {
		if active, ok := scope.lookup(principalID); ok {
			return active
		}
	}
	active := m.checkActive(ctx, principalID, token)
	if scope != nil {
		scope.memo(principalID, active)
	}
	return active
}

func (m *Manager) checkActive(ctx context.Context, principalID, token string) bool {
	rec, err := m.loadElevation(ctx, principalID)
	if err != nil {
		return false
	}
	now := m.now()
	// Elevated strictly while now < expires_at; the boundary instant
	// is already expired.
	if !now.Before(rec.ExpiresAt) {
		// Keep the record alive through the grace window so that
		// IsWithinGrace can still answer truthfully.
		if now.After(rec.ExpiresAt.Add(m.cfg.Grace)) {
			_ = m.durable.Delete(ctx, elevationKeyPrefix+principalID)
		}
		return false
	}
	return tokenMatches(rec, token)
}

// IsWithinGrace reports whether the session expired recently enough
// that an in-flight submission may still complete. It must never be
// used to admit a new sensitive action.
func (m *Manager) IsWithinGrace(ctx context.Context, principalID, token string) bool {
	rec, err := m.loadElevation(ctx, principalID)
	if err != nil {
		return false
	}
	now := m.now()
	if !now.After(rec.ExpiresAt) || now.After(rec.ExpiresAt.Add(m.cfg.Grace)) {
		return false
	}
	return tokenMatches(rec, token)
}

// Deactivate clears both per-principal records and expires the cookies.
func (m *Manager) Deactivate(ctx context.Context, principalID string) ([]Mutation, error) {
	if err := m.durable.Delete(ctx, elevationKeyPrefix+principalID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := m.durable.Delete(ctx, lockoutKeyPrefix+principalID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if scope := ScopeFromContext(ctx); scope != nil {
		scope.Invalidate(principalID)
	}
	m.audit(ctx, EventDeactivated, slog.String("principal_id", principalID))
	return []Mutation{
		{Cookie: m.expiredCookie(m.cfg.CookieName)},
		{Cookie: m.expiredCookie(m.cfg.ChallengeCookieName)},
	}, nil
}

// Sweep opportunistically clears elevation records expired beyond the
// grace window and stale lockout records. Safe to call from a periodic
// job; every record it touches would also be ignored on read.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.now()

	keys, err := m.durable.Keys(ctx, elevationKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		var rec elevationRecord
		if err := m.getJSON(ctx, key, &rec); err != nil {
			continue
		}
		if now.After(rec.ExpiresAt.Add(m.cfg.Grace)) {
			_ = m.durable.Delete(ctx, key)
		}
	}

	keys, err = m.durable.Keys(ctx, lockoutKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		var rec lockoutRecord
		if err := m.getJSON(ctx, key, &rec); err != nil {
			continue
		}
		expiredLockout := !rec.LockoutUntil.IsZero() && now.After(rec.LockoutUntil)
		stale := now.Sub(rec.LastFailure) > staleAttemptExpiry
		if expiredLockout || stale {
			_ = m.durable.Delete(ctx, key)
		}
	}
	return nil
}

func (m *Manager) loadElevation(ctx context.Context, principalID string) (elevationRecord, error) {
	var rec elevationRecord
	err := m.getJSON(ctx, elevationKeyPrefix+principalID, &rec)
	return rec, err
}

func (m *Manager) loadLockout(ctx context.Context, principalID string) (lockoutRecord, error) {
	var rec lockoutRecord
	err := m.getJSON(ctx, lockoutKeyPrefix+principalID, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return lockoutRecord{}, nil
	}
	if err != nil {
		return lockoutRecord{}, err
	}
	// Ignore stale failure counts so a slow trickle of old failures
	// doesn't accumulate into a lockout.
	if !rec.LastFailure.IsZero() && m.now().Sub(rec.LastFailure) > staleAttemptExpiry {
		return lockoutRecord{}, nil
	}
	return rec, nil
}

func (m *Manager) storeLockout(ctx context.Context, principalID string, rec lockoutRecord) error {
	return m.putJSON(ctx, lockoutKeyPrefix+principalID, rec)
}

func (m *Manager) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return m.durable.Put(ctx, key, data)
}

func (m *Manager) getJSON(ctx context.Context, key string, v any) error {
	data, err := m.durable.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func tokenMatches(rec elevationRecord, token string) bool {
	if token == "" || rec.TokenHash == "" {
		return false
	}
	expected := hashToken(rec.Salt, token)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(rec.TokenHash)) == 1
}

func hashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + ":" + token))
	return fmt.Sprintf("%x", sum)
}

func (m *Manager) bindingCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     m.cfg.CookiePath,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	}
}

func (m *Manager) expiredCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     m.cfg.CookiePath,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	}
}
