// Package chatstore provides the PostgreSQL-backed collaborators of the
// presence subsystem: the user directory consulted at login and the chat
// membership lookup used to compute room joins. Chat message persistence
// itself lives elsewhere and is not this package's concern.
package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// DirectoryUser is a user row as the directory returns it. PasswordHash is
// only populated by credential lookups.
type DirectoryUser struct {
	ID           string
	Username     string
	Name         string
	Surname      string
	Role         string
	PasswordHash string
}

// Store wraps the PostgreSQL handle for user and chat-membership queries.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies pending
// migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: ping: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Migrations are the caller's
// responsibility; used by tests.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ChatIDsForUser returns the ids of every chat the user participates in.
// Called once per successful socket connect to compute room memberships.
func (s *Store) ChatIDsForUser(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT chat_id FROM chat_participants
		WHERE user_id = $1
		ORDER BY joined_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: chat ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatstore: chat ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserByUsername returns the user row including the password hash, or nil
// when no such user exists.
func (s *Store) UserByUsername(ctx context.Context, username string) (*DirectoryUser, error) {
	const query = `
		SELECT id, username, name, surname, role, password_hash
		FROM users WHERE username = $1`

	var u DirectoryUser
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.Name, &u.Surname, &u.Role, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatstore: user by username: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user and returns the populated row. The caller
// supplies an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, name, surname, role, passwordHash string) (*DirectoryUser, error) {
	u := DirectoryUser{
		ID:       uuid.New().String(),
		Username: username,
		Name:     name,
		Surname:  surname,
		Role:     role,
	}

	const query = `
		INSERT INTO users (id, username, name, surname, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.db.ExecContext(ctx, query,
		u.ID, u.Username, u.Name, u.Surname, u.Role, passwordHash); err != nil {
		return nil, fmt.Errorf("chatstore: create user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes a user and, via cascading constraints, their chat
// memberships. Returns whether the user existed.
func (s *Store) DeleteUser(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("chatstore: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chatstore: delete user: %w", err)
	}
	return n > 0, nil
}
