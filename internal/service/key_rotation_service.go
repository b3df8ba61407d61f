package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/identity-core/internal/models"
	appErrors "github.com/noah-isme/identity-core/pkg/errors"
)

// signingKeyMaterialLen sizes generated keys for HMAC-SHA256 signing.
const signingKeyMaterialLen = 32

// defaultKeyReload bounds how stale the cached active key may grow when a
// sibling instance rotates.
const defaultKeyReload = time.Minute

type signingKeyRepository interface {
	RotateActive(ctx context.Context, key *models.SigningKey) error
	FindActive(ctx context.Context) (*models.SigningKey, error)
	FindByID(ctx context.Context, id string) (*models.SigningKey, error)
}

type cachedKey struct {
	id       string
	material []byte
	loadedAt time.Time
}

// KeyRotationService owns the signing-key lifecycle: generation, envelope
// encryption at rest, activation, and the in-memory cache that keeps the
// per-request signing path off the database. The cache is an atomically
// swapped snapshot, so readers observe either the pre-rotation or the
// post-rotation key, never a partial write.
type KeyRotationService struct {
	repo    signingKeyRepository
	secrets *SecretStore
	logger  *zap.Logger
	metrics *MetricsService

	reloadAfter time.Duration
	current     atomic.Pointer[cachedKey]
	loadMu      sync.Mutex
}

// NewKeyRotationService constructs a KeyRotationService instance.
func NewKeyRotationService(repo signingKeyRepository, secrets *SecretStore, logger *zap.Logger, metrics *MetricsService) *KeyRotationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyRotationService{
		repo:        repo,
		secrets:     secrets,
		logger:      logger,
		metrics:     metrics,
		reloadAfter: defaultKeyReload,
	}
}

// Rotate generates fresh key material, seals it under the master key, and
// atomically swaps it in as the active key. Safe under concurrent invocation
// across instances: the repository serializes rotation, and a loser simply
// persists a key that the next winner deactivates.
func (s *KeyRotationService) Rotate(ctx context.Context, expiresAt time.Time) error {
	material := make([]byte, signingKeyMaterialLen)
	if _, err := rand.Read(material); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate key material")
	}
	defer zeroBytes(material)

	keyID := uuid.NewString()
	sealed, salt, err := s.secrets.Encrypt(ctx, keyID, material)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encrypt key material")
	}

	key := &models.SigningKey{
		ID:                keyID,
		EncryptedMaterial: sealed,
		KeySalt:           salt,
		ExpiresAt:         expiresAt.UTC(),
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.repo.RotateActive(ctx, key); err != nil {
		return appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to persist rotated key")
	}

	s.swapCache(&cachedKey{id: keyID, material: copyBytes(material), loadedAt: time.Now()})
	s.metrics.IncKeyRotation()
	s.logger.Info("signing key rotated", zap.String("key_id", keyID), zap.Time("expires_at", key.ExpiresAt))
	return nil
}

// CurrentKey returns a handle on the active signing key. The caller owns the
// returned handle and should Zero it after use. After warmup this never
// touches the database until the cache goes stale.
func (s *KeyRotationService) CurrentKey(ctx context.Context) (*KeyHandle, error) {
	if c := s.current.Load(); c != nil && time.Since(c.loadedAt) < s.reloadAfter {
		return newKeyHandle(c.id, c.material), nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if c := s.current.Load(); c != nil && time.Since(c.loadedAt) < s.reloadAfter {
		return newKeyHandle(c.id, c.material), nil
	}

	key, err := s.repo.FindActive(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrKeyUnavailable, "no active signing key")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load active key")
	}

	material, err := s.secrets.Decrypt(ctx, key.ID, key.EncryptedMaterial, key.KeySalt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(material)

	s.swapCache(&cachedKey{id: key.ID, material: copyBytes(material), loadedAt: time.Now()})
	return newKeyHandle(key.ID, material), nil
}

// KeyByID resolves key material for a specific key id, including keys rotated
// out of service. Validation uses this so tokens signed just before a
// rotation keep verifying until they expire.
func (s *KeyRotationService) KeyByID(ctx context.Context, id string) (*KeyHandle, error) {
	if c := s.current.Load(); c != nil && c.id == id {
		return newKeyHandle(c.id, c.material), nil
	}

	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnknownKey, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "failed to load signing key")
	}

	material, err := s.secrets.Decrypt(ctx, key.ID, key.EncryptedMaterial, key.KeySalt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(material)

	return newKeyHandle(key.ID, material), nil
}

func (s *KeyRotationService) swapCache(next *cachedKey) {
	// The previous snapshot is not zeroed here: a concurrent reader may still
	// be copying from it. Snapshots are unreachable after the swap and the
	// handles cut from them are zeroed by their owners.
	s.current.Swap(next)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
