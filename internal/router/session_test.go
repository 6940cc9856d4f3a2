package router

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal/internal/protocol"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

type fakeConn struct {
	label  string
	sent   []*protocol.Frame
	full   bool
	closed string
}

func (f *fakeConn) Send(frame *protocol.Frame) bool {
	if f.full {
		return false
	}
	f.sent = append(f.sent, frame)
	return true
}

func (f *fakeConn) Close(reason string) { f.closed = reason }

func (f *fakeConn) RemoteLabel() string { return f.label }

func newTestSession(t *testing.T) (*Session, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewForTesting(db)
	reg := NewRegistry(st, nil, Config{})
	s := newSession("sess-1", reg, st, nil, reg.config)
	go s.run()
	return s, mock
}

func expectGetOrCreateUser(mock sqlmock.Sqlmock, userID, email string) {
	userRows := sqlmock.NewRows([]string{"id", "email", "admin", "disabled", "ban_reason", "created_at", "updated_at"})
	mock.ExpectQuery("SELECT .* FROM users WHERE id = \\$1").
		WithArgs(userID).
		WillReturnRows(userRows)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(userID, email, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT .* FROM users WHERE id = \\$1").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "admin", "disabled", "ban_reason", "created_at", "updated_at"}).
			AddRow(userID, email, false, false, "", time.Now(), time.Now()))
}

func TestAttachProxy_CreatesSessionWhenMissing(t *testing.T) {
	s, mock := newTestSession(t)

	expectGetOrCreateUser(mock, "user-1", "user-1@example.com")

	mock.ExpectQuery("SELECT .* FROM sessions WHERE id = \\$1").
		WithArgs("sess-1").
		WillReturnError(sql.ErrNoRows)

	// The row is inserted already active, so attaching makes no separate
	// status UPDATE.
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT session_id, seq_num, content, send_mode, created_at FROM pending_inputs").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "seq_num", "content", "send_mode", "created_at"}))

	conn := &fakeConn{label: "proxy-1"}
	frame := &protocol.Frame{Type: protocol.TypeRegister, SessionID: "sess-1", SessionName: "demo", WorkingDirectory: "/tmp", AgentType: "claude"}

	err := s.AttachProxy(context.Background(), conn, "user-1", "user-1@example.com", frame)
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, protocol.TypeRegisterAck, conn.sent[0].Type)
	assert.True(t, conn.sent[0].Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachProxy_OwnerMismatch(t *testing.T) {
	s, mock := newTestSession(t)

	expectGetOrCreateUser(mock, "user-other", "user-other@example.com")

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "owner_user_id", "display_name", "working_directory", "agent_type", "status",
		"git_branch", "client_version", "last_ack_seq", "input_seq",
		"input_tokens", "output_tokens", "cumulative_cost",
		"last_activity_at", "created_at", "updated_at",
	}).AddRow("sess-1", "user-owner", "demo", "/tmp", "claude", store.StatusActive,
		nil, nil, uint64(0), uint64(0), int64(0), int64(0), 0.0, now, now, now)

	mock.ExpectQuery("SELECT .* FROM sessions WHERE id = \\$1").WithArgs("sess-1").WillReturnRows(rows)

	conn := &fakeConn{label: "proxy-1"}
	frame := &protocol.Frame{Type: protocol.TypeRegister, SessionID: "sess-1"}

	err := s.AttachProxy(context.Background(), conn, "user-other", "user-other@example.com", frame)
	assert.ErrorIs(t, err, ErrProxyOwnerMismatch)
}
