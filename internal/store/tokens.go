package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProxyAuthToken is (id, user, name, sha256(token), created_at,
// last_used_at, expires_at, revoked). The raw token is never
// stored; lookup is always by hash.
type ProxyAuthToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// CreateProxyAuthToken inserts a new token row and returns it. Issuance
// of the plaintext value happens in the caller (internal/auth); the store
// only ever sees the hash.
func (s *Store) CreateProxyAuthToken(ctx context.Context, userID, name, tokenHash string, expiresAt *time.Time) (*ProxyAuthToken, error) {
	t := &ProxyAuthToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		TokenHash: tokenHash,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_auth_tokens (id, user_id, name, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.Name, t.TokenHash, t.CreatedAt, nullTimePtr(t.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("create proxy auth token for user %s: %w", userID, err)
	}
	return t, nil
}

// ListProxyAuthTokens returns a user's tokens, newest first.
func (s *Store) ListProxyAuthTokens(ctx context.Context, userID string) ([]*ProxyAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, token_hash, created_at, last_used_at, expires_at, revoked
		FROM proxy_auth_tokens WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list proxy auth tokens for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*ProxyAuthToken
	for rows.Next() {
		t, err := scanProxyAuthToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindProxyAuthTokenByHash looks up an active (non-revoked, non-expired)
// token by its sha256 hash and bumps last_used_at. Used to authenticate
// the Register frame's auth_token when a raw JWT secret is not in play.
func (s *Store) FindProxyAuthTokenByHash(ctx context.Context, hash string) (*ProxyAuthToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, token_hash, created_at, last_used_at, expires_at, revoked
		FROM proxy_auth_tokens WHERE token_hash = $1
	`, hash)
	t, err := scanProxyAuthToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find proxy auth token: %w", err)
	}
	if t.Revoked {
		return nil, fmt.Errorf("proxy auth token %s revoked", t.ID)
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("proxy auth token %s expired", t.ID)
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `UPDATE proxy_auth_tokens SET last_used_at = $2 WHERE id = $1`, t.ID, now); err != nil {
		return nil, fmt.Errorf("touch proxy auth token %s: %w", t.ID, err)
	}
	t.LastUsedAt = &now
	return t, nil
}

// RevokeProxyAuthToken marks a token unusable; it stays in the table for
// audit (created_at/last_used_at history).
func (s *Store) RevokeProxyAuthToken(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proxy_auth_tokens SET revoked = true WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke proxy auth token %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proxy auth token %s not found for user %s: %w", id, userID, sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProxyAuthToken(row rowScanner) (*ProxyAuthToken, error) {
	t := &ProxyAuthToken{}
	var lastUsedAt, expiresAt sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.CreatedAt, &lastUsedAt, &expiresAt, &t.Revoked); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	return t, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
