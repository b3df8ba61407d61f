package models

import "time"

// SigningKey stores envelope-encrypted key material for access token signing.
// At most one row is active at a time; superseded rows are kept so tokens
// signed before the latest rotation remain verifiable until they expire.
type SigningKey struct {
	ID                string    `db:"id" json:"id"`
	EncryptedMaterial []byte    `db:"encrypted_material" json:"-"`
	KeySalt           []byte    `db:"key_salt" json:"-"`
	ExpiresAt         time.Time `db:"expires_at" json:"expires_at"`
	Active            bool      `db:"active" json:"active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}
