package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/identity-core/internal/models"
	appErrors "github.com/noah-isme/identity-core/pkg/errors"
)

type sessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindByVerificationID(ctx context.Context, verificationID string) (*models.Session, error)
	SwapVerification(ctx context.Context, sessionID, oldVerificationID, newVerificationID string, expiresAt, ts time.Time) (bool, error)
	Revoke(ctx context.Context, id string, ts time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, ts time.Time) (int64, error)
	ActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.Session, error)
	MostRecent(ctx context.Context, limit int) ([]models.Session, error)
}

type verificationTokens interface {
	Issue(ctx context.Context, userID string, purpose models.TokenPurpose, ttl time.Duration) (string, *models.VerificationToken, error)
	Consume(ctx context.Context, composite string, purpose models.TokenPurpose) (*models.VerificationToken, error)
	Revoke(ctx context.Context, userID string, purpose models.TokenPurpose, lookupID string) error
}

// SessionChainService chains single-use refresh hops onto durable session
// records. Each hop is a SessionRefresh verification token; rotating consumes
// the old hop and swaps the session pointer to the new one, so a stolen
// refresh token is good for at most one use and its replay is detectable.
type SessionChainService struct {
	repo    sessionRepository
	tokens  verificationTokens
	logger  *zap.Logger
	metrics *MetricsService
	now     func() time.Time
}

// NewSessionChainService constructs a SessionChainService instance.
func NewSessionChainService(repo sessionRepository, tokens verificationTokens, logger *zap.Logger, metrics *MetricsService) *SessionChainService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionChainService{repo: repo, tokens: tokens, logger: logger, metrics: metrics, now: time.Now}
}

// Open starts a new session for a user and returns the composite refresh
// token backing its first hop.
func (s *SessionChainService) Open(ctx context.Context, userID, ip, userAgent string, ttl time.Duration, data []byte) (string, *models.Session, error) {
	if userID == "" || ttl <= 0 {
		return "", nil, appErrors.Clone(appErrors.ErrValidation, "invalid session open request")
	}

	composite, token, err := s.tokens.Issue(ctx, userID, models.PurposeSessionRefresh, ttl)
	if err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	session := &models.Session{
		UserID:         userID,
		VerificationID: token.LookupID,
		ExpiresAt:      now.Add(ttl),
		IPAddress:      ip,
		UserAgent:      userAgent,
		Data:           data,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		// Best effort: the orphaned hop should not stay consumable.
		_ = s.tokens.Revoke(ctx, userID, models.PurposeSessionRefresh, token.LookupID)
		return "", nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to persist session")
	}

	s.metrics.IncSessionOpened()
	return composite, session, nil
}

// Rotate exchanges the current hop for a fresh one. Consuming the old token
// is the serialization point: when two refreshes race on the same composite,
// exactly one wins and the other sees TOKEN_ALREADY_USED, which callers treat
// as a possible theft signal. expectedUserID may be empty when the caller has
// no authenticated identity yet (the usual refresh case); the session's own
// user binding is enforced either way.
//
// Failure between consuming the old hop and anchoring the new one leaves the
// session pointing at a completed token. That state fails closed: no further
// rotation can succeed on it and the user must authenticate again.
func (s *SessionChainService) Rotate(ctx context.Context, expectedUserID, composite string, ttl time.Duration) (string, *models.Session, error) {
	lookupID, _, err := SplitComposite(composite)
	if err != nil {
		s.metrics.IncSessionRotate("malformed")
		return "", nil, err
	}

	session, err := s.repo.FindByVerificationID(ctx, lookupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.IncSessionRotate("invalid_session")
			return "", nil, appErrors.Clone(appErrors.ErrInvalidSession, "")
		}
		return "", nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load session")
	}

	now := s.now().UTC()
	if expectedUserID != "" && session.UserID != expectedUserID {
		s.metrics.IncSessionRotate("invalid_session")
		return "", nil, appErrors.Clone(appErrors.ErrInvalidSession, "")
	}
	if !session.Current(now) {
		s.metrics.IncSessionRotate("invalid_session")
		return "", nil, appErrors.Clone(appErrors.ErrInvalidSession, "")
	}

	if _, err := s.tokens.Consume(ctx, composite, models.PurposeSessionRefresh); err != nil {
		if appErrors.Is(err, appErrors.ErrTokenUsed) {
			s.metrics.IncSessionRotate("replayed")
			s.logger.Warn("refresh token replay detected",
				zap.String("session_id", session.ID),
				zap.String("user_id", session.UserID))
		} else {
			s.metrics.IncSessionRotate("consume_failed")
		}
		return "", nil, err
	}

	newComposite, newToken, err := s.tokens.Issue(ctx, session.UserID, models.PurposeSessionRefresh, ttl)
	if err != nil {
		return "", nil, err
	}

	expiresAt := now.Add(ttl)
	swapped, err := s.repo.SwapVerification(ctx, session.ID, lookupID, newToken.LookupID, expiresAt, now)
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to advance session")
	}
	if !swapped {
		// The session was revoked or completed between consume and swap; do
		// not leave the fresh hop consumable.
		_ = s.tokens.Revoke(ctx, session.UserID, models.PurposeSessionRefresh, newToken.LookupID)
		s.metrics.IncSessionRotate("invalid_session")
		return "", nil, appErrors.Clone(appErrors.ErrInvalidSession, "")
	}

	session.VerificationID = newToken.LookupID
	session.ExpiresAt = expiresAt
	session.UpdatedAt = now
	s.metrics.IncSessionRotate("success")
	return newComposite, session, nil
}

// LogoutBySessionID revokes a session and its backing refresh token.
func (s *SessionChainService) LogoutBySessionID(ctx context.Context, sessionID string) error {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidSession, "")
		}
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load session")
	}
	return s.logout(ctx, session)
}

// LogoutByVerificationID revokes the session anchored to the given hop.
func (s *SessionChainService) LogoutByVerificationID(ctx context.Context, verificationID string) error {
	session, err := s.repo.FindByVerificationID(ctx, verificationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidSession, "")
		}
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load session")
	}
	return s.logout(ctx, session)
}

func (s *SessionChainService) logout(ctx context.Context, session *models.Session) error {
	now := s.now().UTC()
	if _, err := s.repo.Revoke(ctx, session.ID, now); err != nil {
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to revoke session")
	}
	// Defense in depth: the hop must not stay consumable even if a path ever
	// bypassed the session row.
	if err := s.tokens.Revoke(ctx, session.UserID, models.PurposeSessionRefresh, session.VerificationID); err != nil && !appErrors.Is(err, appErrors.ErrNotFound) {
		s.logger.Warn("failed to revoke backing refresh token",
			zap.String("session_id", session.ID), zap.Error(err))
	}
	s.metrics.IncSessionRevoked()
	return nil
}

// RevokeAllForUser tears down every session and outstanding refresh hop for a
// user, used after password reset or a security lockout.
func (s *SessionChainService) RevokeAllForUser(ctx context.Context, userID string) error {
	now := s.now().UTC()
	n, err := s.repo.RevokeAllForUser(ctx, userID, now)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to revoke sessions")
	}
	if err := s.tokens.Revoke(ctx, userID, models.PurposeSessionRefresh, ""); err != nil {
		return err
	}
	s.logger.Info("revoked all sessions", zap.String("user_id", userID), zap.Int64("count", n))
	return nil
}

// ActiveSessionsFor lists the sessions a user could still refresh.
func (s *SessionChainService) ActiveSessionsFor(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := s.repo.ActiveByUser(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to list sessions")
	}
	return sessions, nil
}

// MostRecentActivity returns the most recently refreshed sessions for
// operational monitoring.
func (s *SessionChainService) MostRecentActivity(ctx context.Context, limit int) ([]models.Session, error) {
	sessions, err := s.repo.MostRecent(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to list sessions")
	}
	return sessions, nil
}
