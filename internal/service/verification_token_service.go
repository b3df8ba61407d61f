package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/identity-core/internal/models"
	appErrors "github.com/noah-isme/identity-core/pkg/errors"
)

const (
	tokenSecretLen = 32
	tokenSaltLen   = 16
)

type verificationTokenRepository interface {
	Create(ctx context.Context, token *models.VerificationToken) error
	FindByLookupID(ctx context.Context, lookupID string) (*models.VerificationToken, error)
	MarkCompleted(ctx context.Context, lookupID string, ts time.Time) (bool, error)
	Revoke(ctx context.Context, userID string, purpose models.TokenPurpose, lookupID string, ts time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, purpose models.TokenPurpose, ts time.Time) (int64, error)
	ListActive(ctx context.Context, userID string, purpose models.TokenPurpose, now time.Time) ([]models.VerificationToken, error)
}

// VerificationTokenService is the split-token engine shared by email
// verification, password reset, invite acceptance, and session refresh. The
// handed-out credential is "lookupID.secret"; the lookup half indexes the row
// in O(1) so validation time carries no signal about the secret, and only the
// salted hash of the secret half is ever persisted.
type VerificationTokenService struct {
	repo    verificationTokenRepository
	logger  *zap.Logger
	metrics *MetricsService
	now     func() time.Time
}

// NewVerificationTokenService constructs a VerificationTokenService instance.
func NewVerificationTokenService(repo verificationTokenRepository, logger *zap.Logger, metrics *MetricsService) *VerificationTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationTokenService{repo: repo, logger: logger, metrics: metrics, now: time.Now}
}

// Issue mints a new token for the given user and purpose. The composite
// string is returned to the caller exactly once; the secret half is never
// stored or logged.
func (s *VerificationTokenService) Issue(ctx context.Context, userID string, purpose models.TokenPurpose, ttl time.Duration) (string, *models.VerificationToken, error) {
	if userID == "" || !purpose.Valid() || ttl <= 0 {
		return "", nil, appErrors.Clone(appErrors.ErrValidation, "invalid token issue request")
	}

	secretRaw := make([]byte, tokenSecretLen)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate token secret")
	}
	saltRaw := make([]byte, tokenSaltLen)
	if _, err := rand.Read(saltRaw); err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate token salt")
	}

	secret := base64.RawURLEncoding.EncodeToString(secretRaw)
	salt := hex.EncodeToString(saltRaw)
	now := s.now().UTC()

	token := &models.VerificationToken{
		LookupID:   uuid.NewString(),
		UserID:     userID,
		Purpose:    purpose,
		SecretHash: hashSecret(secret, salt),
		SecretSalt: salt,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Create(ctx, token); err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to persist token")
	}

	s.metrics.IncTokenIssued(string(purpose))
	return token.LookupID + "." + secret, token, nil
}

// Consume validates a composite token and, on success, atomically marks it
// completed. Exactly one of any number of concurrent Consume calls on the
// same token can succeed; the rest observe TOKEN_ALREADY_USED.
func (s *VerificationTokenService) Consume(ctx context.Context, composite string, purpose models.TokenPurpose) (*models.VerificationToken, error) {
	lookupID, secret, err := SplitComposite(composite)
	if err != nil {
		s.metrics.IncTokenConsume("malformed")
		return nil, err
	}

	token, err := s.repo.FindByLookupID(ctx, lookupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.IncTokenConsume("not_found")
			return nil, appErrors.Clone(appErrors.ErrNotFound, "token not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load token")
	}

	if token.Purpose != purpose {
		s.metrics.IncTokenConsume("wrong_purpose")
		return nil, appErrors.Clone(appErrors.ErrWrongPurpose, "")
	}
	if token.Revoked {
		s.metrics.IncTokenConsume("revoked")
		return nil, appErrors.Clone(appErrors.ErrTokenRevoked, "")
	}
	if token.Completed {
		s.metrics.IncTokenConsume("already_used")
		return nil, appErrors.Clone(appErrors.ErrTokenUsed, "")
	}
	now := s.now().UTC()
	if !now.Before(token.ExpiresAt) {
		s.metrics.IncTokenConsume("expired")
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
	}

	if !hmac.Equal([]byte(hashSecret(secret, token.SecretSalt)), []byte(token.SecretHash)) {
		s.metrics.IncTokenConsume("secret_mismatch")
		return nil, appErrors.Clone(appErrors.ErrSecretMismatch, "")
	}

	// The conditional update is the single point of serialization: it only
	// succeeds while completed and revoked are both still false.
	won, err := s.repo.MarkCompleted(ctx, token.LookupID, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to complete token")
	}
	if !won {
		s.metrics.IncTokenConsume("already_used")
		return nil, appErrors.Clone(appErrors.ErrTokenUsed, "")
	}

	token.Completed = true
	token.UpdatedAt = now
	s.metrics.IncTokenConsume("success")
	return token, nil
}

// Revoke withdraws a single token when lookupID is given, or every
// outstanding token of the purpose for the user when it is empty. The bulk
// form covers expired-but-uncompleted rows as well, so a stale credential can
// never be resurrected by a clock dispute.
func (s *VerificationTokenService) Revoke(ctx context.Context, userID string, purpose models.TokenPurpose, lookupID string) error {
	if userID == "" || !purpose.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "invalid token revoke request")
	}
	now := s.now().UTC()

	if lookupID != "" {
		won, err := s.repo.Revoke(ctx, userID, purpose, lookupID, now)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to revoke token")
		}
		if !won {
			return appErrors.Clone(appErrors.ErrNotFound, "no active token to revoke")
		}
		return nil
	}

	n, err := s.repo.RevokeAllForUser(ctx, userID, purpose, now)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to revoke tokens")
	}
	s.logger.Info("revoked verification tokens",
		zap.String("user_id", userID),
		zap.String("purpose", string(purpose)),
		zap.Int64("count", n))
	return nil
}

// ListActive returns the tokens a user could still consume for a purpose.
func (s *VerificationTokenService) ListActive(ctx context.Context, userID string, purpose models.TokenPurpose) ([]models.VerificationToken, error) {
	tokens, err := s.repo.ListActive(ctx, userID, purpose, s.now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to list tokens")
	}
	return tokens, nil
}

// SplitComposite splits a handed-out token string into its lookup and secret
// halves. The secret may itself contain dots, so only the first separator
// counts.
func SplitComposite(composite string) (lookupID, secret string, err error) {
	idx := strings.Index(composite, ".")
	if idx <= 0 || idx == len(composite)-1 {
		return "", "", appErrors.Clone(appErrors.ErrMalformedToken, "")
	}
	return composite[:idx], composite[idx+1:], nil
}

func hashSecret(secret, salt string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	_, _ = mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}
