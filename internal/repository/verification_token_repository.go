package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/identity-core/internal/models"
)

// VerificationTokenRepository provides database access for split-token
// records. Rows are append-mostly: they flip monotonic flags but are never
// deleted.
type VerificationTokenRepository struct {
	db *sqlx.DB
}

// NewVerificationTokenRepository creates a new instance of VerificationTokenRepository.
func NewVerificationTokenRepository(db *sqlx.DB) *VerificationTokenRepository {
	return &VerificationTokenRepository{db: db}
}

// Create persists a freshly issued token record.
func (r *VerificationTokenRepository) Create(ctx context.Context, token *models.VerificationToken) error {
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	const query = `INSERT INTO verification_tokens (lookup_id, user_id, purpose, secret_hash, secret_salt, expires_at, revoked, completed, created_at, updated_at)
		VALUES (:lookup_id, :user_id, :purpose, :secret_hash, :secret_salt, :expires_at, :revoked, :completed, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create verification token: %w", err)
	}
	return nil
}

// FindByLookupID returns a token by its public lookup identifier.
func (r *VerificationTokenRepository) FindByLookupID(ctx context.Context, lookupID string) (*models.VerificationToken, error) {
	const query = `SELECT lookup_id, user_id, purpose, secret_hash, secret_salt, expires_at, revoked, completed, created_at, updated_at FROM verification_tokens WHERE lookup_id = $1 LIMIT 1`
	var token models.VerificationToken
	if err := r.db.GetContext(ctx, &token, query, lookupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find verification token: %w", err)
	}
	return &token, nil
}

// MarkCompleted flips completed on a still-active row. It reports false when
// the row was already completed or revoked, which is how concurrent consumers
// lose the race.
func (r *VerificationTokenRepository) MarkCompleted(ctx context.Context, lookupID string, ts time.Time) (bool, error) {
	const query = `UPDATE verification_tokens SET completed = TRUE, updated_at = $2 WHERE lookup_id = $1 AND completed = FALSE AND revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, lookupID, ts)
	if err != nil {
		return false, fmt.Errorf("mark verification token completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark verification token completed: %w", err)
	}
	return n == 1, nil
}

// Revoke marks a single token as revoked if it is not already terminal.
func (r *VerificationTokenRepository) Revoke(ctx context.Context, userID string, purpose models.TokenPurpose, lookupID string, ts time.Time) (bool, error) {
	const query = `UPDATE verification_tokens SET revoked = TRUE, updated_at = $4 WHERE lookup_id = $1 AND user_id = $2 AND purpose = $3 AND revoked = FALSE AND completed = FALSE`
	res, err := r.db.ExecContext(ctx, query, lookupID, userID, purpose, ts)
	if err != nil {
		return false, fmt.Errorf("revoke verification token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke verification token: %w", err)
	}
	return n == 1, nil
}

// RevokeAllForUser revokes every outstanding token of the given purpose for a
// user. Expired-but-uncompleted rows are included so they can never resurface.
func (r *VerificationTokenRepository) RevokeAllForUser(ctx context.Context, userID string, purpose models.TokenPurpose, ts time.Time) (int64, error) {
	const query = `UPDATE verification_tokens SET revoked = TRUE, updated_at = $3 WHERE user_id = $1 AND purpose = $2 AND revoked = FALSE AND completed = FALSE`
	res, err := r.db.ExecContext(ctx, query, userID, purpose, ts)
	if err != nil {
		return 0, fmt.Errorf("revoke user verification tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user verification tokens: %w", err)
	}
	return n, nil
}

// ListActive returns the currently consumable tokens of a purpose for a user.
func (r *VerificationTokenRepository) ListActive(ctx context.Context, userID string, purpose models.TokenPurpose, now time.Time) ([]models.VerificationToken, error) {
	const query = `SELECT lookup_id, user_id, purpose, secret_hash, secret_salt, expires_at, revoked, completed, created_at, updated_at FROM verification_tokens
		WHERE user_id = $1 AND purpose = $2 AND revoked = FALSE AND completed = FALSE AND expires_at > $3 ORDER BY created_at DESC`
	var tokens []models.VerificationToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, purpose, now); err != nil {
		return nil, fmt.Errorf("list active verification tokens: %w", err)
	}
	return tokens, nil
}
