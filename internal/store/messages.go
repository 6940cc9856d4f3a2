package store

import (
	"context"
	"fmt"
	"time"
)

// Message is a persisted output/history entry: append-only, ordered
// within a session by (created_at, id).
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage persists one output entry and returns its id. Must be
// durable before the router emits the corresponding OutputAck.
func (s *Store) AppendMessage(ctx context.Context, sessionID, userID, role, content string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, user_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sessionID, nullString(userID), role, content).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append message for session %s: %w", sessionID, err)
	}
	return id, nil
}

// ReadMessages returns messages created after afterTS, oldest first,
// capped at limit rows. Used for history replay on viewer subscribe.
func (s *Store) ReadMessages(ctx context.Context, sessionID string, afterTS time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(user_id, ''), role, content, created_at
		FROM messages
		WHERE session_id = $1 AND created_at > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, sessionID, afterTS, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
