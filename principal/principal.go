// Package principal defines the host-provided account directory the
// gate authenticates against. The gate never owns accounts; it only
// verifies a freshly supplied credential against the directory.
package principal

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a principal id is unknown.
var ErrNotFound = errors.New("principal: not found")

// Principal is the authenticated actor whose sensitive operations are
// gated.
type Principal struct {
	ID    string
	Login string
	// TOTPSecret is the base32 shared secret when the account has a
	// TOTP second factor enrolled; empty otherwise.
	TOTPSecret string
}

// Directory resolves principals and verifies credentials. Implemented
// by the host application; a memory implementation is provided for
// tests and the example server.
type Directory interface {
	// Lookup returns the principal with the given id.
	Lookup(ctx context.Context, id string) (Principal, error)
	// VerifyPassword checks a plaintext password against the stored
	// credential hash. It must not reveal whether the principal exists:
	// unknown ids verify as false, not as an error.
	VerifyPassword(ctx context.Context, id string, password []byte) (bool, error)
}
