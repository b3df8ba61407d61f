package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueTokensRequest carries everything needed to mint a token pair at login.
type IssueTokensRequest struct {
	UserID    string   `json:"user_id" validate:"required"`
	Roles     []string `json:"roles"`
	IP        string   `json:"-"`
	UserAgent string   `json:"-"`
}

// RefreshTokensRequest exchanges a composite refresh token for a new pair.
type RefreshTokensRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// TokenPair is the result of login and refresh flows.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

// AccessClaims is the JWT payload for access tokens. The registered ID claim
// (jti) is the handle used by the revocation predicate.
type AccessClaims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// SessionData is the opaque payload stored alongside a session so refreshed
// access tokens can be re-minted without consulting an external user store.
type SessionData struct {
	Roles []string `json:"roles,omitempty"`
}
