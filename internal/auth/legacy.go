package auth

import (
	"context"
	"crypto/subtle"
	"time"
)

// LegacyStrategy grants a fixed "registered viewer" identity to anyone
// presenting a shared password. It exists for deployments migrating off
// older panel software and keeps no per-user state; every authenticated
// client shares the same subject.
type LegacyStrategy struct {
	password string
	started  time.Time
}

// NewLegacyStrategy builds the shared-password strategy. Tokens issued
// before process start are treated as stale since there is no durable
// record to check them against.
func NewLegacyStrategy(password string) *LegacyStrategy {
	return &LegacyStrategy{
		password: password,
		started:  time.Now(),
	}
}

func (s *LegacyStrategy) ID() string { return "legacy" }

func (s *LegacyStrategy) Hints() []string { return []string{"password"} }

func (s *LegacyStrategy) Identify(ctx context.Context, secret string) (*Identity, error) {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.password)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return s.identity(), nil
}

func (s *LegacyStrategy) Lookup(ctx context.Context, subject string) (*Identity, error) {
	if subject != "legacy" {
		return nil, ErrInvalidCredentials
	}
	return s.identity(), nil
}

func (s *LegacyStrategy) identity() *Identity {
	return &Identity{
		Strategy:  "legacy",
		Subject:   "legacy",
		Caps:      CapRegistered | CapVisibleUser,
		Fencepost: s.started,
	}
}
