package service

import (
	"context"
	"database/sql"
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

type mockTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*models.VerificationToken

	createErr error
	findErr   error
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[string]*models.VerificationToken)}
}

func (m *mockTokenRepo) Create(ctx context.Context, token *models.VerificationToken) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *token
	m.tokens[token.LookupID] = &copied
	return nil
}

func (m *mockTokenRepo) FindByLookupID(ctx context.Context, lookupID string) (*models.VerificationToken, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[lookupID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *token
	return &copied, nil
}

func (m *mockTokenRepo) MarkCompleted(ctx context.Context, lookupID string, ts time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[lookupID]
	if !ok || token.Completed || token.Revoked {
		return false, nil
	}
	token.Completed = true
	token.UpdatedAt = ts
	return true, nil
}

func (m *mockTokenRepo) Revoke(ctx context.Context, userID string, purpose models.TokenPurpose, lookupID string, ts time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[lookupID]
	if !ok || token.UserID != userID || token.Purpose != purpose || token.Revoked || token.Completed {
		return false, nil
	}
	token.Revoked = true
	token.UpdatedAt = ts
	return true, nil
}

func (m *mockTokenRepo) RevokeAllForUser(ctx context.Context, userID string, purpose models.TokenPurpose, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, token := range m.tokens {
		if token.UserID == userID && token.Purpose == purpose && !token.Revoked && !token.Completed {
			token.Revoked = true
			token.UpdatedAt = ts
			n++
		}
	}
	return n, nil
}

func (m *mockTokenRepo) ListActive(ctx context.Context, userID string, purpose models.TokenPurpose, now time.Time) ([]models.VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.VerificationToken
	for _, token := range m.tokens {
		if token.UserID == userID && token.Purpose == purpose && token.Active(now) {
			out = append(out, *token)
		}
	}
	return out, nil
}

func newTokenService(repo *mockTokenRepo) *VerificationTokenService {
	return NewVerificationTokenService(repo, zap.NewNop(), nil)
}

func TestIssueAndConsumeRoundTrip(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	composite, issued, err := svc.Issue(context.Background(), "u1", models.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(composite, issued.LookupID+"."))
	assert.NotContains(t, issued.SecretHash, strings.SplitN(composite, ".", 2)[1])

	consumed, err := svc.Consume(context.Background(), composite, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.True(t, consumed.Completed)
	assert.Equal(t, "u1", consumed.UserID)

	_, err = svc.Consume(context.Background(), composite, models.PurposePasswordReset)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenUsed))
}

func TestConsumeMalformed(t *testing.T) {
	svc := newTokenService(newMockTokenRepo())

	for _, composite := range []string{"", "nodot", ".secretonly", "idonly."} {
		_, err := svc.Consume(context.Background(), composite, models.PurposeEmailVerify)
		require.Error(t, err, "composite %q", composite)
		assert.True(t, appErrors.Is(err, appErrors.ErrMalformedToken))
	}
}

func TestConsumeNotFound(t *testing.T) {
	svc := newTokenService(newMockTokenRepo())

	_, err := svc.Consume(context.Background(), "missing.secret", models.PurposeEmailVerify)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestConsumeWrongPurpose(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	composite, _, err := svc.Issue(context.Background(), "u1", models.PurposeInviteAccept, time.Hour)
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), composite, models.PurposePasswordReset)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrWrongPurpose))
}

func TestConsumeExpiredRegardlessOfSecret(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	composite, _, err := svc.Issue(context.Background(), "u1", models.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = svc.Consume(context.Background(), composite, models.PurposePasswordReset)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenExpired))

	// Expiry wins no matter what secret is presented.
	lookupID, _, err := SplitComposite(composite)
	require.NoError(t, err)
	_, err = svc.Consume(context.Background(), lookupID+".bogus", models.PurposePasswordReset)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenExpired))
}

func TestConsumeRevoked(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	composite, issued, err := svc.Issue(context.Background(), "u1", models.PurposeEmailVerify, time.Hour)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(context.Background(), "u1", models.PurposeEmailVerify, issued.LookupID))

	_, err = svc.Consume(context.Background(), composite, models.PurposeEmailVerify)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))
}

func TestConsumeSecretMismatch(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	composite, issued, err := svc.Issue(context.Background(), "u1", models.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), issued.LookupID+".wrongsecret", models.PurposePasswordReset)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrSecretMismatch))

	// The failed attempt must not have burned the token.
	_, err = svc.Consume(context.Background(), composite, models.PurposePasswordReset)
	require.NoError(t, err)
}

func TestRevokeAllScopedToUserAndPurpose(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	resetA, _, err := svc.Issue(context.Background(), "u1", models.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	resetB, _, err := svc.Issue(context.Background(), "u1", models.PurposePasswordReset, time.Hour)
	require.NoError(t, err)
	invite, _, err := svc.Issue(context.Background(), "u1", models.PurposeInviteAccept, time.Hour)
	require.NoError(t, err)
	other, _, err := svc.Issue(context.Background(), "u2", models.PurposePasswordReset, time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), "u1", models.PurposePasswordReset, ""))

	for _, composite := range []string{resetA, resetB} {
		_, err = svc.Consume(context.Background(), composite, models.PurposePasswordReset)
		assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))
	}

	_, err = svc.Consume(context.Background(), invite, models.PurposeInviteAccept)
	assert.NoError(t, err)
	_, err = svc.Consume(context.Background(), other, models.PurposePasswordReset)
	assert.NoError(t, err)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	composite, _, err := svc.Issue(context.Background(), "u1", models.PurposeSessionRefresh, time.Hour)
	require.NoError(t, err)

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(context.Background(), composite, models.PurposeSessionRefresh)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, used int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case appErrors.Is(err, appErrors.ErrTokenUsed):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, used)
}

func TestListActiveExcludesTerminalStates(t *testing.T) {
	repo := newMockTokenRepo()
	svc := newTokenService(repo)

	_, active, err := svc.Issue(context.Background(), "u1", models.PurposeEmailVerify, time.Hour)
	require.NoError(t, err)
	consumed, _, err := svc.Issue(context.Background(), "u1", models.PurposeEmailVerify, time.Hour)
	require.NoError(t, err)
	_, err = svc.Consume(context.Background(), consumed, models.PurposeEmailVerify)
	require.NoError(t, err)

	tokens, err := svc.ListActive(context.Background(), "u1", models.PurposeEmailVerify)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, active.LookupID, tokens[0].LookupID)
}
