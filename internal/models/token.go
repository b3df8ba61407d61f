package models

import (
	"time"
)

// TokenPurpose identifies the flow a verification token belongs to.
type TokenPurpose string

const (
	PurposeEmailVerify    TokenPurpose = "email_verify"
	PurposePasswordReset  TokenPurpose = "password_reset"
	PurposeInviteAccept   TokenPurpose = "invite_accept"
	PurposeSessionRefresh TokenPurpose = "session_refresh"
)

// Valid reports whether the purpose is one of the known flows.
func (p TokenPurpose) Valid() bool {
	switch p {
	case PurposeEmailVerify, PurposePasswordReset, PurposeInviteAccept, PurposeSessionRefresh:
		return true
	}
	return false
}

// VerificationToken is the persisted half of a split token. The secret half is
// handed to the caller exactly once at issue time; only its salted hash is
// stored. Rows are never deleted so consumed and revoked tokens remain
// available for replay forensics.
type VerificationToken struct {
	LookupID   string       `db:"lookup_id" json:"lookup_id"`
	UserID     string       `db:"user_id" json:"user_id"`
	Purpose    TokenPurpose `db:"purpose" json:"purpose"`
	SecretHash string       `db:"secret_hash" json:"-"`
	SecretSalt string       `db:"secret_salt" json:"-"`
	ExpiresAt  time.Time    `db:"expires_at" json:"expires_at"`
	Revoked    bool         `db:"revoked" json:"revoked"`
	Completed  bool         `db:"completed" json:"completed"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// Active reports whether the token can still be consumed at the given instant.
func (t *VerificationToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Completed && now.Before(t.ExpiresAt)
}
