package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status values for sessions.status.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusInactive     = "inactive"
)

// Session is one logical agent conversation. The persisted row is
// owned by whichever writer holds a transaction on it; in practice that is
// always the session router, which serializes all mutations.
type Session struct {
	ID               string    `json:"id"`
	OwnerUserID      string    `json:"owner_user_id"`
	DisplayName      string    `json:"display_name"`
	WorkingDirectory string    `json:"working_directory"`
	AgentType        string    `json:"agent_type"`
	Status           string    `json:"status"`
	GitBranch        string    `json:"git_branch,omitempty"`
	ClientVersion    string    `json:"client_version,omitempty"`
	LastAckSeq       uint64    `json:"last_ack_seq"`
	InputSeq         uint64    `json:"input_seq"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CumulativeCost   float64   `json:"cumulative_cost"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateSession inserts a new session row, owned by ownerUserID. Called by
// proxy registration when session_id is not already known.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.LastActivityAt = now
	if sess.Status == "" {
		sess.Status = StatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner_user_id, display_name, working_directory, agent_type, status,
			git_branch, client_version, last_activity_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, sess.ID, sess.OwnerUserID, sess.DisplayName, sess.WorkingDirectory, sess.AgentType, sess.Status,
		nullString(sess.GitBranch), nullString(sess.ClientVersion), sess.LastActivityAt, now)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func scanSession(row *sql.Row) (*Session, error) {
	sess := &Session{}
	var gitBranch, clientVersion sql.NullString
	err := row.Scan(
		&sess.ID, &sess.OwnerUserID, &sess.DisplayName, &sess.WorkingDirectory, &sess.AgentType, &sess.Status,
		&gitBranch, &clientVersion, &sess.LastAckSeq, &sess.InputSeq,
		&sess.InputTokens, &sess.OutputTokens, &sess.CumulativeCost,
		&sess.LastActivityAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.GitBranch = gitBranch.String
	sess.ClientVersion = clientVersion.String
	return sess, nil
}

const selectSessionColumns = `
	id, owner_user_id, display_name, working_directory, agent_type, status,
	git_branch, client_version, last_ack_seq, input_seq,
	input_tokens, output_tokens, cumulative_cost,
	last_activity_at, created_at, updated_at
`

// GetSession loads a session row, or sql.ErrNoRows if it does not exist —
// the router treats that as "attach_proxy must create the row first".
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectSessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessionsForUser returns sessions the user owns or is a member of,
// most recently active first. Backs GET /api/sessions.
func (s *Store) ListSessionsForUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectSessionColumns+` FROM sessions
		WHERE owner_user_id = $1 OR id IN (
			SELECT session_id FROM session_members WHERE user_id = $1
		)
		ORDER BY last_activity_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		var gitBranch, clientVersion sql.NullString
		if err := rows.Scan(
			&sess.ID, &sess.OwnerUserID, &sess.DisplayName, &sess.WorkingDirectory, &sess.AgentType, &sess.Status,
			&gitBranch, &clientVersion, &sess.LastAckSeq, &sess.InputSeq,
			&sess.InputTokens, &sess.OutputTokens, &sess.CumulativeCost,
			&sess.LastActivityAt, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.GitBranch = gitBranch.String
		sess.ClientVersion = clientVersion.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionStatus persists a status transition and bumps last_activity_at.
// Every transition the router makes calls this before it emits
// SessionStatus to viewers.
func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, last_activity_at = now(), updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set session %s status: %w", id, err)
	}
	return nil
}

// UpdateSessionMeta applies a SessionUpdate frame's fields (git_branch,
// client_version) — whichever are non-empty.
func (s *Store) UpdateSessionMeta(ctx context.Context, id string, gitBranch, clientVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			git_branch = COALESCE($2, git_branch),
			client_version = COALESCE($3, client_version),
			updated_at = now()
		WHERE id = $1
	`, id, nullString(gitBranch), nullString(clientVersion))
	if err != nil {
		return fmt.Errorf("update session %s meta: %w", id, err)
	}
	return nil
}

// SetLastAckSeq persists the high-water mark of accepted output sequence
// numbers, so a backend restart can resume last_ack_seq from storage
// rather than from a cold in-memory actor.
func (s *Store) SetLastAckSeq(ctx context.Context, id string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_ack_seq = $2, last_activity_at = now(), updated_at = now()
		WHERE id = $1 AND last_ack_seq < $2
	`, id, seq)
	if err != nil {
		return fmt.Errorf("set session %s last_ack_seq: %w", id, err)
	}
	return nil
}

// RecordSpend accumulates token/cost counters reported by the proxy.
func (s *Store) RecordSpend(ctx context.Context, id string, inputTokens, outputTokens int64, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			input_tokens = input_tokens + $2,
			output_tokens = output_tokens + $3,
			cumulative_cost = cumulative_cost + $4,
			updated_at = now()
		WHERE id = $1
	`, id, inputTokens, outputTokens, cost)
	if err != nil {
		return fmt.Errorf("record spend for session %s: %w", id, err)
	}
	return nil
}

// AllocateInputSeq atomically increments and returns sessions.input_seq,
// transactionally, so concurrent viewer input never collides.
func (s *Store) AllocateInputSeq(ctx context.Context, id string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET input_seq = input_seq + 1, updated_at = now()
		WHERE id = $1
		RETURNING input_seq
	`, id).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate input seq for session %s: %w", id, err)
	}
	return seq, nil
}
