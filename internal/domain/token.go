package domain

import "time"

// RefreshToken is the persisted half of a token pair. Only the hash of the opaque
// value handed to the client is stored.
type RefreshToken struct {
	ID        int64
	UserID    int64
	TokenHash string
	UserAgent string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the token can still be exchanged at now.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// TokenPair is returned to clients after a successful login or rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// AccessClaims are the identity claims carried by an access token.
type AccessClaims struct {
	TokenID     string
	Subject     int64
	Email       string
	HouseholdID *int64
	Role        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}
