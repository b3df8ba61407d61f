package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/identity-core/internal/models"
	appErrors "github.com/noah-isme/identity-core/pkg/errors"
)

type mockRevocations struct {
	mu      sync.Mutex
	jtis    map[string]time.Time
	lastTTL time.Duration

	addErr      error
	containsErr error
}

func newMockRevocations() *mockRevocations {
	return &mockRevocations{jtis: make(map[string]time.Time)}
}

func (m *mockRevocations) Add(ctx context.Context, jti string, ttl time.Duration) error {
	if m.addErr != nil {
		return m.addErr
	}
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jtis[jti] = time.Now().Add(ttl)
	m.lastTTL = ttl
	return nil
}

func (m *mockRevocations) Contains(ctx context.Context, jti string) (bool, error) {
	if m.containsErr != nil {
		return false, m.containsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jtis[jti]
	return ok, nil
}

type issuerFixture struct {
	issuer      *TokenIssuerService
	keys        *KeyRotationService
	keyRepo     *mockKeyRepo
	revocations *mockRevocations
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()

	store, err := NewSecretStore(testMasterKey())
	require.NoError(t, err)
	keyRepo := newMockKeyRepo()
	keys := NewKeyRotationService(keyRepo, store, zap.NewNop(), nil)
	require.NoError(t, keys.Rotate(context.Background(), time.Now().Add(24*time.Hour)))

	tokens := NewVerificationTokenService(newMockTokenRepo(), zap.NewNop(), nil)
	chain := NewSessionChainService(newMockSessionRepo(), tokens, zap.NewNop(), nil)
	revocations := newMockRevocations()

	issuer := NewTokenIssuerService(keys, chain, revocations, nil, zap.NewNop(), nil, TokenIssuerConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "identity-core",
		Audience:        []string{"api"},
	})
	return &issuerFixture{issuer: issuer, keys: keys, keyRepo: keyRepo, revocations: revocations}
}

func TestGenerateAndValidate(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{
		UserID: "u1",
		Roles:  []string{"admin", "auditor"},
		IP:     "203.0.113.9",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.Equal(t, 3, len(strings.Split(pair.AccessToken, ".")))
	assert.False(t, fx.issuer.IsTokenExpired(pair.AccessToken))

	claims, err := fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, []string{"admin", "auditor"}, claims.Roles)
	assert.Equal(t, "identity-core", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestGenerateTokensRequiresUserID(t *testing.T) {
	fx := newIssuerFixture(t)

	_, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestRefreshPreservesRolesAndBurnsOldToken(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{
		UserID: "u1",
		Roles:  []string{"admin"},
	})
	require.NoError(t, err)

	refreshed, err := fx.issuer.RefreshAccessToken(context.Background(), models.RefreshTokensRequest{
		RefreshToken: pair.RefreshToken,
	})
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, refreshed.RefreshToken)

	claims, err := fx.issuer.ValidateToken(context.Background(), refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	// Replaying the consumed refresh token is the theft signal.
	_, err = fx.issuer.RefreshAccessToken(context.Background(), models.RefreshTokensRequest{
		RefreshToken: pair.RefreshToken,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenUsed))
}

func TestRevokeAccessTokenDenylists(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	_, err = fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, fx.issuer.Revoke(context.Background(), pair.AccessToken, ""))

	_, err = fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))
}

func TestRevokeAllForUserKillsRefresh(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, fx.issuer.Revoke(context.Background(), "", "u1"))

	_, err = fx.issuer.RefreshAccessToken(context.Background(), models.RefreshTokensRequest{
		RefreshToken: pair.RefreshToken,
	})
	require.Error(t, err)

	sessions, err := fx.issuer.ListActiveTokens(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestValidateExpiredToken(t *testing.T) {
	fx := newIssuerFixture(t)

	fx.issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)
	fx.issuer.now = time.Now

	assert.True(t, fx.issuer.IsTokenExpired(pair.AccessToken))

	_, err = fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenExpired))
}

func TestValidateTamperedToken(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	parts := strings.Split(pair.AccessToken, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	_, err = fx.issuer.ValidateToken(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestValidateGarbageToken(t *testing.T) {
	fx := newIssuerFixture(t)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := fx.issuer.ValidateToken(context.Background(), raw)
		require.Error(t, err, "token %q", raw)
	}
	assert.True(t, fx.issuer.IsTokenExpired("not-a-jwt"))
}

func TestValidateSurvivesKeyRotation(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, fx.keys.Rotate(context.Background(), time.Now().Add(24*time.Hour)))

	// Signed under the superseded key, still verifiable via its kid.
	claims, err := fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestValidateRevocationStoreError(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	fx.revocations.containsErr = assert.AnError

	_, err = fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrStoreUnavailable))
}

func TestValidateUndecryptableKeyStaysInfraFailure(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	// Rotate so validation must load the signing key from the store, then
	// corrupt its envelope, as after a master-key rollover.
	require.NoError(t, fx.keys.Rotate(context.Background(), time.Now().Add(24*time.Hour)))
	fx.keyRepo.mu.Lock()
	for _, key := range fx.keyRepo.keys {
		if !key.Active {
			key.EncryptedMaterial = []byte("not an envelope")
		}
	}
	fx.keyRepo.mu.Unlock()

	_, err = fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrKeyUnavailable))
	assert.False(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestValidateUnknownKidRejectedAsInvalid(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, fx.keys.Rotate(context.Background(), time.Now().Add(24*time.Hour)))
	fx.keyRepo.mu.Lock()
	for id, key := range fx.keyRepo.keys {
		if !key.Active {
			delete(fx.keyRepo.keys, id)
		}
	}
	fx.keyRepo.mu.Unlock()

	_, err = fx.issuer.ValidateToken(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestRevokeDenylistsForRemainingLifetime(t *testing.T) {
	fx := newIssuerFixture(t)

	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)

	// Two thirds of the 15 minute lifetime have elapsed on the service clock.
	fx.issuer.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	require.NoError(t, fx.issuer.Revoke(context.Background(), pair.AccessToken, ""))

	assert.Greater(t, fx.revocations.lastTTL, 4*time.Minute)
	assert.LessOrEqual(t, fx.revocations.lastTTL, 5*time.Minute)
}

func TestRevokeRequiresTokenOrUser(t *testing.T) {
	fx := newIssuerFixture(t)

	err := fx.issuer.Revoke(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestRevokeExpiredTokenIsNoOp(t *testing.T) {
	fx := newIssuerFixture(t)

	fx.issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	pair, err := fx.issuer.GenerateTokens(context.Background(), models.IssueTokensRequest{UserID: "u1"})
	require.NoError(t, err)
	fx.issuer.now = time.Now

	require.NoError(t, fx.issuer.Revoke(context.Background(), pair.AccessToken, ""))
	assert.Empty(t, fx.revocations.jtis)
}
