package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/identity-core/internal/models"
)

// rotationLockID is the advisory lock key serializing key rotation across
// server instances sharing one database.
const rotationLockID = 815001

// SigningKeyRepository provides database access for signing key records.
// Superseded rows stay in place so tokens signed before a rotation remain
// verifiable.
type SigningKeyRepository struct {
	db *sqlx.DB
}

// NewSigningKeyRepository creates a new instance of SigningKeyRepository.
func NewSigningKeyRepository(db *sqlx.DB) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

// RotateActive deactivates the current key and inserts the replacement inside
// one transaction. The advisory lock guarantees at most one winner when two
// instances rotate concurrently; the loser's generated material is discarded
// by the caller.
func (r *SigningKeyRepository) RotateActive(ctx context.Context, key *models.SigningKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin key rotation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, rotationLockID); err != nil {
		return fmt.Errorf("acquire rotation lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE signing_keys SET active = FALSE WHERE active = TRUE`); err != nil {
		return fmt.Errorf("deactivate signing keys: %w", err)
	}

	const insert = `INSERT INTO signing_keys (id, encrypted_material, key_salt, expires_at, active, created_at)
		VALUES (:id, :encrypted_material, :key_salt, :expires_at, :active, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, key); err != nil {
		return fmt.Errorf("insert signing key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit key rotation: %w", err)
	}
	return nil
}

// FindActive returns the single active key row.
func (r *SigningKeyRepository) FindActive(ctx context.Context) (*models.SigningKey, error) {
	const query = `SELECT id, encrypted_material, key_salt, expires_at, active, created_at FROM signing_keys WHERE active = TRUE LIMIT 1`
	var key models.SigningKey
	if err := r.db.GetContext(ctx, &key, query); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find active signing key: %w", err)
	}
	return &key, nil
}

// FindByID returns a key row, active or superseded.
func (r *SigningKeyRepository) FindByID(ctx context.Context, id string) (*models.SigningKey, error) {
	const query = `SELECT id, encrypted_material, key_salt, expires_at, active, created_at FROM signing_keys WHERE id = $1 LIMIT 1`
	var key models.SigningKey
	if err := r.db.GetContext(ctx, &key, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find signing key by id: %w", err)
	}
	return &key, nil
}
