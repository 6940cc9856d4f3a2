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

func TestGetUser_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "email", "admin", "disabled", "ban_reason", "created_at", "updated_at"}).
		AddRow("user123", "dev@example.com", false, false, "", now, now)

	mock.ExpectQuery("SELECT .* FROM users WHERE id = \\$1").
		WithArgs("user123").
		WillReturnRows(rows)

	u, err := st.GetUser(ctx, "user123")
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", u.Email)
	assert.False(t, u.Admin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateUser_CreatesWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT .* FROM users WHERE id = \\$1").
		WithArgs("user123").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec("INSERT INTO users").
		WithArgs("user123", "dev@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "email", "admin", "disabled", "ban_reason", "created_at", "updated_at"}).
		AddRow("user123", "dev@example.com", false, false, "", now, now)
	mock.ExpectQuery("SELECT .* FROM users WHERE id = \\$1").
		WithArgs("user123").
		WillReturnRows(rows)

	u, err := st.GetOrCreateUser(ctx, "user123", "dev@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user123", u.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
