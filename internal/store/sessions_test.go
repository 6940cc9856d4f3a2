package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	sess := &Session{
		ID:               "session123",
		OwnerUserID:      "user123",
		DisplayName:      "fix the flaky test",
		WorkingDirectory: "/home/dev/project",
		AgentType:        "claude",
	}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sess.ID, sess.OwnerUserID, sess.DisplayName, sess.WorkingDirectory, sess.AgentType, StatusActive,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = st.CreateSession(ctx, sess)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "owner_user_id", "display_name", "working_directory", "agent_type", "status",
		"git_branch", "client_version", "last_ack_seq", "input_seq",
		"input_tokens", "output_tokens", "cumulative_cost",
		"last_activity_at", "created_at", "updated_at",
	}).AddRow("session123", "user123", "fix the flaky test", "/home/dev/project", "claude", StatusActive,
		sql.NullString{}, sql.NullString{}, uint64(3), uint64(1),
		int64(100), int64(200), 0.05,
		now, now, now)

	mock.ExpectQuery("SELECT .* FROM sessions WHERE id = \\$1").
		WithArgs("session123").
		WillReturnRows(rows)

	sess, err := st.GetSession(ctx, "session123")
	require.NoError(t, err)
	assert.Equal(t, "session123", sess.ID)
	assert.Equal(t, uint64(3), sess.LastAckSeq)
	assert.Equal(t, StatusActive, sess.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT .* FROM sessions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = st.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestAllocateInputSeq(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectQuery("UPDATE sessions SET input_seq = input_seq \\+ 1").
		WithArgs("session123").
		WillReturnRows(sqlmock.NewRows([]string{"input_seq"}).AddRow(uint64(4)))

	seq, err := st.AllocateInputSeq(ctx, "session123")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestSetLastAckSeq(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE sessions SET last_ack_seq").
		WithArgs("session123", uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.SetLastAckSeq(ctx, "session123", 7)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
