package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	aead "github.com/hashicorp/go-kms-wrapping/v2/aead"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/proto"

	appErrors "github.com/noah-isme/identity-core/pkg/errors"
)

const (
	// minMasterKeyLen matches the configuration-side requirement; the
	// constructor re-checks it so the store can never be built around an
	// unusable key.
	minMasterKeyLen = 32

	wrapKeyLen  = 32
	wrapSaltLen = 32
)

var hkdfInfo = []byte("identity-core signing key wrap")

// SecretStore envelope-encrypts signing-key material. Each encryption derives
// a fresh AES-GCM wrapping key from the long-lived master key and a random
// salt, so no two key rows are sealed under the same derived key.
type SecretStore struct {
	masterKey []byte
}

// NewSecretStore validates the master key and returns the store. Callers
// treat an error here as startup-fatal.
func NewSecretStore(masterKey []byte) (*SecretStore, error) {
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", minMasterKeyLen, len(masterKey))
	}
	owned := make([]byte, len(masterKey))
	copy(owned, masterKey)
	return &SecretStore{masterKey: owned}, nil
}

// Encrypt seals plaintext key material and returns the serialized envelope
// together with the derivation salt that must be stored alongside it.
func (s *SecretStore) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, []byte, error) {
	salt := make([]byte, wrapSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate wrap salt: %w", err)
	}

	wrapper, err := s.wrapperFor(ctx, keyID, salt)
	if err != nil {
		return nil, nil, err
	}

	blob, err := wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt key material: %w", err)
	}

	sealed, err := proto.Marshal(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return sealed, salt, nil
}

// Decrypt opens a previously sealed envelope. Any failure maps to
// KEY_UNAVAILABLE: a row that cannot be decrypted (corruption, rotated master
// key) must never silently degrade to an unsigned or fixed key.
func (s *SecretStore) Decrypt(ctx context.Context, keyID string, sealed, salt []byte) ([]byte, error) {
	wrapper, err := s.wrapperFor(ctx, keyID, salt)
	if err != nil {
		return nil, err
	}

	blob := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(sealed, blob); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrKeyUnavailable.Code, appErrors.ErrKeyUnavailable.Status, "malformed key envelope")
	}

	plaintext, err := wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrKeyUnavailable.Code, appErrors.ErrKeyUnavailable.Status, "failed to decrypt signing key")
	}
	return plaintext, nil
}

func (s *SecretStore) wrapperFor(ctx context.Context, keyID string, salt []byte) (*aead.Wrapper, error) {
	wrapKey := make([]byte, wrapKeyLen)
	kdf := hkdf.New(sha256.New, s.masterKey, salt, hkdfInfo)
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}

	wrapper := aead.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithKeyId(keyID)); err != nil {
		return nil, fmt.Errorf("configure wrapper: %w", err)
	}
	if err := wrapper.SetAesGcmKeyBytes(wrapKey); err != nil {
		return nil, fmt.Errorf("set wrap key: %w", err)
	}
	return wrapper, nil
}
