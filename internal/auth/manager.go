package auth

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Manager is the identity/capability authority: a registry of
// authentication strategies plus the session-token codec. The registry
// is populated during process wiring and read-only afterwards.
type Manager struct {
	strategies map[string]Strategy
	codec      *TokenCodec
	log        *zerolog.Logger
}

// NewManager builds an empty manager around a token codec.
func NewManager(codec *TokenCodec, logger *zerolog.Logger) *Manager {
	return &Manager{
		strategies: make(map[string]Strategy),
		codec:      codec,
		log:        logger,
	}
}

// Register adds a strategy. Called only during wiring.
func (m *Manager) Register(s Strategy) {
	m.strategies[s.ID()] = s
}

// Has reports whether a strategy name is registered.
func (m *Manager) Has(name string) bool {
	_, ok := m.strategies[name]
	return ok
}

// Strategies returns the registered strategy names, sorted.
func (m *Manager) Strategies() []string {
	names := make([]string, 0, len(m.strategies))
	for name := range m.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Use returns the advertised hints for a strategy.
func (m *Manager) Use(name string) ([]string, error) {
	s, ok := m.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s.Hints(), nil
}

// Identify authenticates a secret against a strategy and issues a
// session token for the resulting identity.
func (m *Manager) Identify(ctx context.Context, strategy, secret string) (*Identity, string, error) {
	s, ok := m.strategies[strategy]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	id, err := s.Identify(ctx, secret)
	if err != nil {
		return nil, "", err
	}
	token, err := m.codec.Issue(id)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	return id, token, nil
}

// ValidateToken verifies a session token and resolves it to a live
// identity. Tokens issued before the identity's fencepost are stale;
// the effective capability mask is the intersection of the token's
// grant and the identity's current mask, so capability downgrades take
// effect without reissuing.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	claims, err := m.codec.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleToken, err)
	}

	s, ok := m.strategies[claims.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, claims.Strategy)
	}
	id, err := s.Lookup(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	if claims.IssuedAt == nil || claims.IssuedAt.Time.Before(id.Fencepost) {
		m.log.Debug().
			Str("strategy", claims.Strategy).
			Str("subject", claims.Subject).
			Msg("token predates identity fencepost")
		return nil, ErrStaleToken
	}

	return &Identity{
		Strategy:  id.Strategy,
		Subject:   id.Subject,
		Caps:      id.Caps & Capability(claims.Caps),
		Fencepost: id.Fencepost,
	}, nil
}
