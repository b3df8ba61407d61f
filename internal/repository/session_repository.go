package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/identity-core/internal/models"
)

// SessionRepository provides database access for session records.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new instance of SessionRepository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create persists a new session row.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	const query = `INSERT INTO sessions (id, user_id, verification_id, expires_at, complete, revoked, created_at, updated_at, ip_address, user_agent, data)
		VALUES (:id, :user_id, :verification_id, :expires_at, :complete, :revoked, :created_at, :updated_at, :ip_address, :user_agent, :data)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID returns a session by identifier.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	const query = `SELECT id, user_id, verification_id, expires_at, complete, revoked, created_at, updated_at, ip_address, user_agent, data FROM sessions WHERE id = $1 LIMIT 1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find session by id: %w", err)
	}
	return &session, nil
}

// FindByVerificationID returns the session currently anchored to the given
// verification token.
func (r *SessionRepository) FindByVerificationID(ctx context.Context, verificationID string) (*models.Session, error) {
	const query = `SELECT id, user_id, verification_id, expires_at, complete, revoked, created_at, updated_at, ip_address, user_agent, data FROM sessions WHERE verification_id = $1 LIMIT 1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, verificationID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find session by verification id: %w", err)
	}
	return &session, nil
}

// SwapVerification atomically moves the session pointer from the old hop to
// the new one. The WHERE clause on the old verification id is the guard that
// lets exactly one of two racing refreshes win.
func (r *SessionRepository) SwapVerification(ctx context.Context, sessionID, oldVerificationID, newVerificationID string, expiresAt, ts time.Time) (bool, error) {
	const query = `UPDATE sessions SET verification_id = $3, expires_at = $4, updated_at = $5 WHERE id = $1 AND verification_id = $2 AND revoked = FALSE AND complete = FALSE`
	res, err := r.db.ExecContext(ctx, query, sessionID, oldVerificationID, newVerificationID, expiresAt, ts)
	if err != nil {
		return false, fmt.Errorf("swap session verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap session verification: %w", err)
	}
	return n == 1, nil
}

// Revoke marks a session as revoked.
func (r *SessionRepository) Revoke(ctx context.Context, id string, ts time.Time) (bool, error) {
	const query = `UPDATE sessions SET revoked = TRUE, updated_at = $2 WHERE id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, ts)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	return n == 1, nil
}

// RevokeAllForUser revokes every session belonging to a user.
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string, ts time.Time) (int64, error) {
	const query = `UPDATE sessions SET revoked = TRUE, updated_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, userID, ts)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return n, nil
}

// ActiveByUser returns the sessions a user could still refresh, newest first.
func (r *SessionRepository) ActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	const query = `SELECT id, user_id, verification_id, expires_at, complete, revoked, created_at, updated_at, ip_address, user_agent, data FROM sessions
		WHERE user_id = $1 AND revoked = FALSE AND complete = FALSE AND expires_at > $2 ORDER BY updated_at DESC`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, userID, now); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// MostRecent returns the most recently touched sessions across all users.
func (r *SessionRepository) MostRecent(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const query = `SELECT id, user_id, verification_id, expires_at, complete, revoked, created_at, updated_at, ip_address, user_agent, data FROM sessions ORDER BY updated_at DESC LIMIT $1`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, limit); err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	return sessions, nil
}
