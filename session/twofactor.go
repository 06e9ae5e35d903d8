package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/sudogate/internal/util"
	"github.com/jmcleod/sudogate/storage"
)

// beginTwoFactor parks a successful password check behind a pending
// second-factor challenge. The browser receives an opaque nonce; the
// TTL store keys the pending record by the nonce's hash so a store
// read-out never yields a usable challenge credential.
func (m *Manager) beginTwoFactor(ctx context.Context, principalID string) (Result, error) {
	nonce, err := util.RandomToken(16)
	if err != nil {
		return Result{}, err
	}
	expiresAt := m.now().Add(m.cfg.TwoFactorWindow)
	pending := pendingTwoFactor{
		PrincipalID: principalID,
		ExpiresAt:   expiresAt,
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return Result{}, fmt.Errorf("encoding pending challenge: %w", err)
	}
	if err := m.ttl.Set(ctx, pendingKeyPrefix+hashNonce(nonce), data, m.cfg.TwoFactorWindow); err != nil {
		return Result{}, err
	}

	m.audit(ctx, EventTwoFactorPending, slog.String("principal_id", principalID))
	return Result{
		Code:      CodeTwoFactorPending,
		ExpiresAt: expiresAt,
		Mutations: []Mutation{{Cookie: m.challengeCookie(nonce)}},
	}, nil
}

// ValidateTwoFactor completes a pending challenge. A missing, expired,
// or foreign pending record answers not_allowed: the caller starts over
// from the password step. A wrong code leaves the pending record in
// place for another try within the window.
func (m *Manager) ValidateTwoFactor(ctx context.Context, principalID, nonce, code string) (Result, error) {
	if m.second == nil {
		return Result{Code: CodeNotAllowed}, nil
	}
	if nonce == "" {
		return Result{Code: CodeNotAllowed}, nil
	}

	key := pendingKeyPrefix + hashNonce(nonce)
	data, err := m.ttl.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		m.audit(ctx, EventTwoFactorFailed,
			slog.String("principal_id", principalID),
			slog.String("reason", "no_pending_challenge"))
		return Result{Code: CodeNotAllowed}, nil
	}
	if err != nil {
		return Result{}, err
	}
	var pending pendingTwoFactor
	if err := json.Unmarshal(data, &pending); err != nil {
		return Result{}, fmt.Errorf("decoding pending challenge: %w", err)
	}
	if pending.PrincipalID != principalID || m.now().After(pending.ExpiresAt) {
		_ = m.ttl.Delete(ctx, key)
		m.audit(ctx, EventTwoFactorFailed,
			slog.String("principal_id", principalID),
			slog.String("reason", "challenge_unusable"))
		return Result{Code: CodeNotAllowed}, nil
	}

	ok, err := m.second.Validate(ctx, principalID, code)
	if err != nil {
		return Result{}, fmt.Errorf("validating second factor: %w", err)
	}
	if !ok {
		m.audit(ctx, EventTwoFactorFailed,
			slog.String("principal_id", principalID),
			slog.String("reason", "invalid_code"))
		return Result{Code: CodeInvalidCode}, nil
	}

	if err := m.ttl.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}
	res, err := m.Activate(ctx, principalID)
	if err != nil {
		return Result{}, err
	}
	res.Mutations = append(res.Mutations, Mutation{Cookie: m.expiredCookie(m.cfg.ChallengeCookieName)})
	return res, nil
}

func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return fmt.Sprintf("%x", sum)
}

// challengeCookie is deliberately stricter than the binding cookie:
// the nonce only ever travels back to the challenge endpoint.
func (m *Manager) challengeCookie(nonce string) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.ChallengeCookieName,
		Value:    nonce,
		Path:     m.cfg.CookiePath,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(m.cfg.TwoFactorWindow.Seconds()),
	}
}
