package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/identity-core/internal/models"
	appErrors "github.com/noah-isme/identity-core/pkg/errors"
)

type keyring interface {
	CurrentKey(ctx context.Context) (*KeyHandle, error)
	KeyByID(ctx context.Context, id string) (*KeyHandle, error)
}

type sessionChain interface {
	Open(ctx context.Context, userID, ip, userAgent string, ttl time.Duration, data []byte) (string, *models.Session, error)
	Rotate(ctx context.Context, expectedUserID, composite string, ttl time.Duration) (string, *models.Session, error)
	LogoutByVerificationID(ctx context.Context, verificationID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	ActiveSessionsFor(ctx context.Context, userID string) ([]models.Session, error)
}

type revocationList interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	Contains(ctx context.Context, jti string) (bool, error)
}

// TokenIssuerConfig defines the issuance parameters for token pairs.
type TokenIssuerConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
	Audience        []string
}

// TokenIssuerService is the façade used by login, refresh, and logout flows.
// It signs short-lived access tokens with the currently active key, backs
// every refresh token with a session hop, and applies the revocation
// predicate at validation time without any write.
type TokenIssuerService struct {
	keys        keyring
	sessions    sessionChain
	revocations revocationList
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	config      TokenIssuerConfig
	now         func() time.Time
}

// NewTokenIssuerService constructs a TokenIssuerService instance.
func NewTokenIssuerService(keys keyring, sessions sessionChain, revocations revocationList, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, config TokenIssuerConfig) *TokenIssuerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &TokenIssuerService{
		keys:        keys,
		sessions:    sessions,
		revocations: revocations,
		validator:   validate,
		logger:      logger,
		metrics:     metrics,
		config:      config,
		now:         time.Now,
	}
}

// GenerateTokens mints a signed access token and opens a session backing the
// returned composite refresh token. The caller's roles travel with the
// session so refresh can re-mint claims without an external lookup.
func (s *TokenIssuerService) GenerateTokens(ctx context.Context, req models.IssueTokensRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid token request")
	}

	key, err := s.keys.CurrentKey(ctx)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	accessToken, _, err := s.signAccessToken(key, req.UserID, req.Roles)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	data, err := json.Marshal(models.SessionData{Roles: req.Roles})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode session data")
	}

	refreshToken, _, err := s.sessions.Open(ctx, req.UserID, req.IP, req.UserAgent, s.config.RefreshTokenTTL, data)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		IssuedAt:     s.now().UTC(),
	}, nil
}

// RefreshAccessToken rotates the session hop behind the composite refresh
// token and signs a new access token. Lifecycle failures pass through typed:
// TOKEN_ALREADY_USED is the replay signal callers must treat as suspicious.
func (s *TokenIssuerService) RefreshAccessToken(ctx context.Context, req models.RefreshTokensRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh request")
	}

	newRefresh, session, err := s.sessions.Rotate(ctx, "", req.RefreshToken, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	var data models.SessionData
	if len(session.Data) > 0 {
		if err := json.Unmarshal(session.Data, &data); err != nil {
			s.logger.Warn("failed to decode session data", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	key, err := s.keys.CurrentKey(ctx)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	accessToken, _, err := s.signAccessToken(key, session.UserID, data.Roles)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		IssuedAt:     s.now().UTC(),
	}, nil
}

// Revoke withdraws authentication ahead of natural expiry. With a raw access
// token its identifier joins the denylist for the token's remaining lifetime;
// with only a user id every session and refresh hop for that user is revoked.
func (s *TokenIssuerService) Revoke(ctx context.Context, rawToken, userID string) error {
	if rawToken == "" && userID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "token or user id required")
	}

	if rawToken != "" {
		claims, err := s.verifyClaims(ctx, rawToken)
		if err != nil && !appErrors.Is(err, appErrors.ErrTokenExpired) {
			return err
		}
		if claims != nil && claims.ID != "" && claims.ExpiresAt != nil {
			remaining := claims.ExpiresAt.Time.Sub(s.now())
			if err := s.revocations.Add(ctx, claims.ID, remaining); err != nil {
				return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to record revocation")
			}
		}
	}

	if userID != "" {
		if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateToken verifies signature, expiry, and the revocation predicate. It
// is called on every protected request and performs no writes.
func (s *TokenIssuerService) ValidateToken(ctx context.Context, rawToken string) (*models.AccessClaims, error) {
	claims, err := s.verifyClaims(ctx, rawToken)
	if err != nil {
		switch {
		case appErrors.Is(err, appErrors.ErrTokenExpired):
			s.metrics.IncValidation("expired")
		case appErrors.Is(err, appErrors.ErrKeyUnavailable), appErrors.Is(err, appErrors.ErrStoreUnavailable):
			s.metrics.IncValidation("store_error")
		default:
			s.metrics.IncValidation("invalid")
		}
		return nil, err
	}

	revoked, err := s.revocations.Contains(ctx, claims.ID)
	if err != nil {
		s.metrics.IncValidation("store_error")
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to check revocation")
	}
	if revoked {
		s.metrics.IncValidation("revoked")
		return nil, appErrors.Clone(appErrors.ErrTokenRevoked, "")
	}

	s.metrics.IncValidation("success")
	return claims, nil
}

// IsTokenExpired reports whether the token's expiry has passed, without
// verifying its signature.
func (s *TokenIssuerService) IsTokenExpired(rawToken string) bool {
	claims := &models.AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return !s.now().Before(claims.ExpiresAt.Time)
}

// ListActiveTokens returns the sessions whose refresh tokens a user could
// still exercise.
func (s *TokenIssuerService) ListActiveTokens(ctx context.Context, userID string) ([]models.Session, error) {
	return s.sessions.ActiveSessionsFor(ctx, userID)
}

func (s *TokenIssuerService) signAccessToken(key *KeyHandle, userID string, roles []string) (string, *models.AccessClaims, error) {
	issuedAt := s.now().UTC()
	claims := &models.AccessClaims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   userID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.ID()
	signed, err := token.SignedString(key.Material())
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

func (s *TokenIssuerService) verifyClaims(ctx context.Context, rawToken string) (*models.AccessClaims, error) {
	var handle *KeyHandle
	defer func() {
		if handle != nil {
			handle.Zero()
		}
	}()

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(rawToken, &models.AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid header")
		}
		h, err := s.keys.KeyByID(ctx, kid)
		if err != nil {
			return nil, err
		}
		handle = h
		return h.Material(), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
		}
		// Infrastructure failures resolving the key stay infrastructure
		// failures; only an unknown kid degrades to invalid credentials.
		var appErr *appErrors.Error
		if errors.As(err, &appErr) &&
			(appErr.Code == appErrors.ErrStoreUnavailable.Code || appErr.Code == appErrors.ErrKeyUnavailable.Code) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.AccessClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}
