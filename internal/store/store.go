package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// User is a locally registered identity record.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Caps         uint32
	// Fencepost is the earliest token-issue time this user trusts.
	// Advanced on every password or capability change.
	Fencepost time.Time
	CreatedAt time.Time
}

// UserStore persists local identity records.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, caps uint32) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// SetPassword replaces the hash and advances the fencepost.
	SetPassword(ctx context.Context, username, passwordHash string) error
	// SetCaps replaces the capability mask and advances the fencepost.
	SetCaps(ctx context.Context, username string, caps uint32) error
	Close() error
}
