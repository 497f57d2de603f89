package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/quartzvm/quartz/internal/store"
)

// bcryptCost of 10 balances hashing cost against login latency.
const bcryptCost = 10

// HashPassword generates a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// LocalStrategy authenticates "username:password" secrets against the
// user store.
type LocalStrategy struct {
	store store.UserStore
}

// NewLocalStrategy builds the store-backed strategy.
func NewLocalStrategy(users store.UserStore) *LocalStrategy {
	return &LocalStrategy{store: users}
}

func (s *LocalStrategy) ID() string { return "local" }

func (s *LocalStrategy) Hints() []string { return nil }

func (s *LocalStrategy) Identify(ctx context.Context, secret string) (*Identity, error) {
	username, password, ok := strings.Cut(secret, ":")
	if !ok {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return identityFromUser(user), nil
}

func (s *LocalStrategy) Lookup(ctx context.Context, subject string) (*Identity, error) {
	user, err := s.store.GetUserByUsername(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return identityFromUser(user), nil
}

// Register creates a user record and returns its identity.
func (s *LocalStrategy) Register(ctx context.Context, username, password string, caps Capability) (*Identity, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.store.CreateUser(ctx, username, hash, uint32(caps|CapRegistered))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return identityFromUser(user), nil
}

func identityFromUser(user *store.User) *Identity {
	return &Identity{
		Strategy:  "local",
		Subject:   user.Username,
		Caps:      Capability(user.Caps) | CapRegistered,
		Fencepost: user.Fencepost,
	}
}
