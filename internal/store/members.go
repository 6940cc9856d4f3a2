package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Roles a SessionMember may hold. Mutating operations (input,
// permission response) require RoleEditor or RoleOwner.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// AddSessionMember is unique per (session, user); re-adding with a new role
// updates it rather than erroring.
func (s *Store) AddSessionMember(ctx context.Context, sessionID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_members (session_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, sessionID, userID, role)
	if err != nil {
		return fmt.Errorf("add member %s to session %s: %w", userID, sessionID, err)
	}
	return nil
}

// MemberRole returns the caller's role for sessionID, or sql.ErrNoRows if
// they are not a member. The owner is always implicitly a member with
// RoleOwner even before a session_members row exists for them.
func (s *Store) MemberRole(ctx context.Context, sessionID, userID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_user_id FROM sessions WHERE id = $1`, sessionID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sql.ErrNoRows
		}
		return "", fmt.Errorf("look up session %s owner: %w", sessionID, err)
	}
	if ownerID == userID {
		return RoleOwner, nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM session_members WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sql.ErrNoRows
		}
		return "", fmt.Errorf("look up member role: %w", err)
	}
	return role, nil
}

// CanMutate reports whether role is authorized for inputs/permission
// responses (owner or editor).
func CanMutate(role string) bool {
	return role == RoleOwner || role == RoleEditor
}
