package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned when a secret does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownStrategy is returned for an unregistered strategy name.
	ErrUnknownStrategy = errors.New("unknown auth strategy")
	// ErrStaleToken is returned when a token predates the identity's
	// fencepost or otherwise no longer validates.
	ErrStaleToken = errors.New("stale token")
)

// Identity is an immutable value object produced by a strategy. The
// fencepost is the earliest token-issue time this identity trusts:
// tokens stamped before it are invalid, which is how password and
// capability changes revoke outstanding sessions without a list.
type Identity struct {
	Strategy  string
	Subject   string
	Caps      Capability
	Fencepost time.Time
}

// Strategy authenticates secrets and resolves subjects for one
// authentication scheme.
type Strategy interface {
	ID() string
	// Hints returns strategy-specific parameters advertised to clients
	// during the use stage of the auth handshake.
	Hints() []string
	// Identify validates a secret and returns the identity it proves.
	Identify(ctx context.Context, secret string) (*Identity, error)
	// Lookup resolves a subject to its current identity.
	Lookup(ctx context.Context, subject string) (*Identity, error)
}
