// Package session implements the per-principal elevated-session state
// machine: activation against the principal directory, lockout with
// progressive delay, two-factor pending state, binding-token checks,
// and the bounded grace window after expiry.
//
// The state machine never writes HTTP responses itself. Operations that
// need cookie side effects return them as Mutations; the transport
// adapter applies them before any output begins.
package session

import (
	"net/http"
	"time"
)

// Code classifies the outcome of an activation attempt.
type Code string

const (
	CodeSuccess          Code = "success"
	CodeTwoFactorPending Code = "2fa_pending"
	CodeInvalidPassword  Code = "invalid_password"
	CodeLockedOut        Code = "locked_out"
	CodeInvalidCode      Code = "invalid_code"
	// CodeNotAllowed covers expired, foreign, or otherwise unusable
	// challenge state. The caller must start over with a fresh
	// password step.
	CodeNotAllowed Code = "not_allowed"
)

// Result is the outcome of an activation or two-factor operation.
type Result struct {
	Code Code
	// RetryAfter is the remaining lockout time when Code is locked_out.
	RetryAfter time.Duration
	// ExpiresAt is the elevation expiry on success, or the challenge
	// expiry when a second factor is pending.
	ExpiresAt time.Time
	// Mutations are cookie instructions the transport adapter must
	// apply to the response.
	Mutations []Mutation
}

// Mutation is a pending response side effect.
type Mutation struct {
	Cookie *http.Cookie
}

// ApplyMutations writes the pending cookie instructions to w.
func ApplyMutations(w http.ResponseWriter, muts []Mutation) {
	for _, m := range muts {
		if m.Cookie != nil {
			http.SetCookie(w, m.Cookie)
		}
	}
}

// Config controls session timing and cookie delivery.
type Config struct {
	// Duration is how long an elevated session lasts. Capped at 15
	// minutes regardless of configuration.
	Duration time.Duration
	// Grace is the bounded window after expiry during which an
	// in-flight submission may still complete. It never permits new
	// sensitive actions.
	Grace time.Duration
	// MaxAttempts is the failed-password count that triggers lockout.
	MaxAttempts int
	// Lockout is how long activation is refused after MaxAttempts.
	Lockout time.Duration
	// TwoFactorWindow bounds how long a password success waits for its
	// second factor.
	TwoFactorWindow time.Duration

	CookieName          string
	ChallengeCookieName string
	CookiePath          string
	SecureCookies       bool
}

const (
	defaultDuration        = 10 * time.Minute
	maxDuration            = 15 * time.Minute
	defaultGrace           = 30 * time.Second
	defaultMaxAttempts     = 5
	defaultLockout         = 5 * time.Minute
	defaultTwoFactorWindow = 5 * time.Minute
	defaultCookieName      = "sudogate_token"
	defaultChallengeCookie = "sudogate_challenge"

	// staleAttemptExpiry is how long after the last failure a
	// failed-attempt record is considered stale and ignored.
	staleAttemptExpiry = time.Hour
)

func (c Config) withDefaults() Config {
	if c.Duration <= 0 {
		c.Duration = defaultDuration
	}
	if c.Duration > maxDuration {
		c.Duration = maxDuration
	}
	if c.Grace <= 0 {
		c.Grace = defaultGrace
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Lockout <= 0 {
		c.Lockout = defaultLockout
	}
	if c.TwoFactorWindow <= 0 {
		c.TwoFactorWindow = defaultTwoFactorWindow
	}
	if c.CookieName == "" {
		c.CookieName = defaultCookieName
	}
	if c.ChallengeCookieName == "" {
		c.ChallengeCookieName = defaultChallengeCookie
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	return c
}

// Token extracts the binding token presented by the request, or "".
func (c Config) Token(r *http.Request) string {
	cookie, err := r.Cookie(c.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ChallengeNonce extracts the two-factor challenge nonce, or "".
func (c Config) ChallengeNonce(r *http.Request) string {
	cookie, err := r.Cookie(c.ChallengeCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
