package domain

import "errors"

var (
	// ErrNotFound signals an absent entity; callers decide whether that is expected.
	ErrNotFound = errors.New("not found")
	// ErrInvalidToken covers malformed, expired, revoked or mis-signed credentials.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpired is wrapped together with ErrInvalidToken for expired credentials.
	ErrExpired = errors.New("expired")
	// ErrRevoked is wrapped together with ErrInvalidToken for revoked credentials.
	ErrRevoked = errors.New("revoked")
	// ErrIntegrity is returned when authenticated decryption fails.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrInvalidState rejects a transition that the current state does not allow.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict reports a unique constraint violation.
	ErrConflict = errors.New("conflict")
)

// Device flow poll outcomes, named after their RFC 8628 error codes.
var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
	ErrExpiredToken         = errors.New("expired_token")
	ErrAccessDenied         = errors.New("access_denied")
)
