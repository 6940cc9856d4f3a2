package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User mirrors the users table: identified by a stable id and email,
// created on first successful identity bind.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Admin     bool      `json:"admin"`
	Disabled  bool      `json:"disabled"`
	BanReason string    `json:"ban_reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetOrCreateUser looks up a user by id, inserting a bare row on first
// sight. This is the "created on first successful identity bind" path:
// verify_jwt hands us (user_id, email) and we make sure a row exists.
func (s *Store) GetOrCreateUser(ctx context.Context, id, email string) (*User, error) {
	user, err := s.GetUser(ctx, id)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, email, now)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", id, err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, admin, disabled, COALESCE(ban_reason, ''), created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Admin, &u.Disabled, &u.BanReason, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}
