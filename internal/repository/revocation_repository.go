package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const revocationKeyPrefix = "revoked_jti:"

// RevocationRepository is the revocation predicate backing store: revoked
// access-token identifiers live in Redis with a TTL equal to the token's
// remaining lifetime, so the denylist cleans itself up and validation never
// needs a SQL write.
type RevocationRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRevocationRepository constructs a revocation repository.
func NewRevocationRepository(client *redis.Client, logger *zap.Logger) *RevocationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RevocationRepository{client: client, logger: logger}
}

// Add denylists a token identifier until it would have expired anyway.
func (r *RevocationRepository) Add(ctx context.Context, jti string, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("revocation store not configured")
	}
	if ttl <= 0 {
		// Already past expiry; nothing to deny.
		return nil
	}
	if err := r.client.Set(ctx, revocationKeyPrefix+jti, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", jti, err)
	}
	return nil
}

// Contains reports whether a token identifier has been revoked.
func (r *RevocationRepository) Contains(ctx context.Context, jti string) (bool, error) {
	if r.client == nil {
		return false, nil
	}
	n, err := r.client.Exists(ctx, revocationKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", jti, err)
	}
	return n > 0, nil
}
