package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/identity-core/internal/models"
)

func newSessionMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func sessionColumns() []string {
	return []string{"id", "user_id", "verification_id", "expires_at", "complete", "revoked", "created_at", "updated_at", "ip_address", "user_agent", "data"}
}

func TestSessionRepositoryCreateAssignsID(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	session := &models.Session{
		UserID:         "u1",
		VerificationID: "lk-1",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	err := repo.Create(context.Background(), session)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindByVerificationID(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(sessionColumns()).
		AddRow("s-1", "u1", "lk-1", now.Add(time.Hour), false, false, now, now, "203.0.113.9", "cli/1.0", []byte(`{"roles":["admin"]}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, verification_id, expires_at, complete, revoked, created_at, updated_at, ip_address, user_agent, data FROM sessions WHERE verification_id = $1 LIMIT 1")).
		WithArgs("lk-1").
		WillReturnRows(rows)

	session, err := repo.FindByVerificationID(context.Background(), "lk-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID)
	assert.Equal(t, "u1", session.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("FROM sessions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositorySwapVerification(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	expiresAt := time.Now().Add(time.Hour)
	ts := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET verification_id = $3, expires_at = $4, updated_at = $5 WHERE id = $1 AND verification_id = $2 AND revoked = FALSE AND complete = FALSE")).
		WithArgs("s-1", "lk-old", "lk-new", expiresAt, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	swapped, err := repo.SwapVerification(context.Background(), "s-1", "lk-old", "lk-new", expiresAt, ts)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositorySwapVerificationLosesRace(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	expiresAt := time.Now().Add(time.Hour)
	ts := time.Now()
	mock.ExpectExec("UPDATE sessions SET verification_id").
		WithArgs("s-1", "lk-stale", "lk-new", expiresAt, ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	swapped, err := repo.SwapVerification(context.Background(), "s-1", "lk-stale", "lk-new", expiresAt, ts)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	ts := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET revoked = TRUE, updated_at = $2 WHERE user_id = $1 AND revoked = FALSE")).
		WithArgs("u1", ts).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RevokeAllForUser(context.Background(), "u1", ts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryActiveByUser(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(sessionColumns()).
		AddRow("s-1", "u1", "lk-1", now.Add(time.Hour), false, false, now, now, "", "", nil)
	mock.ExpectQuery("FROM sessions").
		WithArgs("u1", now).
		WillReturnRows(rows)

	sessions, err := repo.ActiveByUser(context.Background(), "u1", now)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryMostRecentClampsLimit(t *testing.T) {
	db, mock, cleanup := newSessionMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery("FROM sessions ORDER BY updated_at DESC LIMIT").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows(sessionColumns()))

	_, err := repo.MostRecent(context.Background(), -5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
