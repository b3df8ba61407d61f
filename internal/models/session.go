package models

import "time"

// Session is the durable anchor for one logical login. It survives many
// refresh hops; VerificationID always points at the single-use token backing
// the current hop and is swapped on every successful rotation.
type Session struct {
	ID             string    `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	VerificationID string    `db:"verification_id" json:"verification_id"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	Complete       bool      `db:"complete" json:"complete"`
	Revoked        bool      `db:"revoked" json:"revoked"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
	IPAddress      string    `db:"ip_address" json:"ip_address"`
	UserAgent      string    `db:"user_agent" json:"user_agent"`
	Data           []byte    `db:"data" json:"-"`
}

// Current reports whether the session can still be refreshed at the given
// instant.
func (s *Session) Current(now time.Time) bool {
	return !s.Revoked && !s.Complete && now.Before(s.ExpiresAt)
}
