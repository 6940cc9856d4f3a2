package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingInput is an input accepted from a viewer but not yet acknowledged
// by the proxy. seq_num is unique within a session.
type PendingInput struct {
	SessionID string    `json:"session_id"`
	SeqNum    uint64    `json:"seq_num"`
	Content   string    `json:"content"`
	SendMode  string    `json:"send_mode"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertPendingInput records an input awaiting proxy delivery. Must be
// durable before the router forwards the derived SequencedInput frame.
func (s *Store) InsertPendingInput(ctx context.Context, sessionID string, seq uint64, content, sendMode string) error {
	if sendMode == "" {
		sendMode = "normal"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_inputs (session_id, seq_num, content, send_mode)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, seq_num) DO NOTHING
	`, sessionID, seq, content, sendMode)
	if err != nil {
		return fmt.Errorf("insert pending input %s/%d: %w", sessionID, seq, err)
	}
	return nil
}

// DeletePendingInputsUpTo deletes PendingInput rows with seq_num <= ackSeq.
// Idempotent, called from InputAck handling.
func (s *Store) DeletePendingInputsUpTo(ctx context.Context, sessionID string, ackSeq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_inputs WHERE session_id = $1 AND seq_num <= $2
	`, sessionID, ackSeq)
	if err != nil {
		return fmt.Errorf("delete pending inputs for session %s up to %d: %w", sessionID, ackSeq, err)
	}
	return nil
}

// LoadPendingInputs returns all pending inputs for a session in ascending
// seq order, used when a proxy (re)attaches.
func (s *Store) LoadPendingInputs(ctx context.Context, sessionID string) ([]*PendingInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq_num, content, send_mode, created_at
		FROM pending_inputs WHERE session_id = $1 ORDER BY seq_num ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load pending inputs for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*PendingInput
	for rows.Next() {
		p := &PendingInput{}
		if err := rows.Scan(&p.SessionID, &p.SeqNum, &p.Content, &p.SendMode, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending input row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PendingPermissionRequest is at most one row per session.
type PendingPermissionRequest struct {
	SessionID       string    `json:"session_id"`
	RequestID       string    `json:"request_id"`
	ToolName        string    `json:"tool_name"`
	InputJSON       string    `json:"input_json"`
	SuggestionsJSON string    `json:"suggestions_json"`
	CreatedAt       time.Time `json:"created_at"`
}

// UpsertPendingPermission replaces any prior pending request for the
// session (unique per session).
func (s *Store) UpsertPendingPermission(ctx context.Context, req *PendingPermissionRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_permission_requests (session_id, request_id, tool_name, input_json, suggestions_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			request_id = EXCLUDED.request_id,
			tool_name = EXCLUDED.tool_name,
			input_json = EXCLUDED.input_json,
			suggestions_json = EXCLUDED.suggestions_json,
			created_at = now()
	`, req.SessionID, req.RequestID, req.ToolName, req.InputJSON, req.SuggestionsJSON)
	if err != nil {
		return fmt.Errorf("upsert pending permission for session %s: %w", req.SessionID, err)
	}
	return nil
}

// GetPendingPermission returns the session's pending request, or
// sql.ErrNoRows if there is none.
func (s *Store) GetPendingPermission(ctx context.Context, sessionID string) (*PendingPermissionRequest, error) {
	req := &PendingPermissionRequest{}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, request_id, tool_name, input_json, suggestions_json, created_at
		FROM pending_permission_requests WHERE session_id = $1
	`, sessionID).Scan(&req.SessionID, &req.RequestID, &req.ToolName, &req.InputJSON, &req.SuggestionsJSON, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get pending permission for session %s: %w", sessionID, err)
	}
	return req, nil
}

// DeletePendingPermission removes the row matching session + request_id.
// A mismatched request_id is a no-op, not an error — it means the
// request was already superseded.
func (s *Store) DeletePendingPermission(ctx context.Context, sessionID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_permission_requests WHERE session_id = $1 AND request_id = $2
	`, sessionID, requestID)
	if err != nil {
		return fmt.Errorf("delete pending permission for session %s: %w", sessionID, err)
	}
	return nil
}
