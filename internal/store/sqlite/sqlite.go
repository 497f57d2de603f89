package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quartzvm/quartz/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	caps          INTEGER NOT NULL DEFAULT 0,
	fencepost     INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
`

// Store implements store.UserStore on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and if necessary initializes) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user record with the fencepost set to now.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, caps uint32) (*store.User, error) {
	// The fencepost column holds whole seconds; return the same
	// precision so the caller's view never runs ahead of the row.
	now := time.Unix(time.Now().Unix(), 0)
	query := `
		INSERT INTO users (username, password_hash, caps, fencepost, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash, caps, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &store.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Caps:         caps,
		Fencepost:    now,
		CreatedAt:    now,
	}, nil
}

// GetUserByUsername fetches a user record; usernames compare
// case-insensitively.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, caps, fencepost, created_at
		FROM users WHERE username = ?
	`
	var u store.User
	var fencepost, created int64
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Caps, &fencepost, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.Fencepost = time.Unix(fencepost, 0)
	u.CreatedAt = time.Unix(created, 0)
	return &u, nil
}

// SetPassword replaces the password hash and advances the fencepost so
// outstanding tokens stop validating.
func (s *Store) SetPassword(ctx context.Context, username, passwordHash string) error {
	return s.touch(ctx, username, `password_hash = ?`, passwordHash)
}

// SetCaps replaces the capability mask and advances the fencepost.
func (s *Store) SetCaps(ctx context.Context, username string, caps uint32) error {
	return s.touch(ctx, username, `caps = ?`, caps)
}

func (s *Store) touch(ctx context.Context, username, assignment string, value any) error {
	query := `UPDATE users SET ` + assignment + `, fencepost = ? WHERE username = ?`
	result, err := s.db.ExecContext(ctx, query, value, time.Now().Unix(), username)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
