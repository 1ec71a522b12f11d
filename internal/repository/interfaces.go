package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/domain/oauth"
)

// Find* methods return (nil, nil) when nothing matches; callers decide whether that is
// an error. Mutations report domain.ErrNotFound when the target row is gone and
// domain.ErrConflict on unique constraint violations.

// UserRepository exposes persistence for household users.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	UpdateProfile(ctx context.Context, user domain.User) (domain.User, error)
	// TransitionStatus moves a user from one status to another in a single conditional
	// update. It returns domain.ErrInvalidState when the current status is not from.
	TransitionStatus(ctx context.Context, id int64, from, to domain.UserStatus, deletionAt *time.Time) (domain.User, error)
	ListDeletionDue(ctx context.Context, now time.Time) ([]domain.User, error)
	// DeleteIfDue hard-deletes a user still pending deletion with a deadline at or before now.
	DeleteIfDue(ctx context.Context, id int64, now time.Time) (bool, error)
	// LockForUpdate holds the user's row lock until the surrounding transaction ends.
	// Writes that check an invariant across the user's other rows take it first.
	LockForUpdate(ctx context.Context, id int64) error
}

// OAuthLinkRepository stores provider account links.
type OAuthLinkRepository interface {
	FindByProviderSubject(ctx context.Context, provider, providerUserID string) (*oauth.Link, error)
	ListByUser(ctx context.Context, userID int64) ([]oauth.Link, error)
	Create(ctx context.Context, link oauth.Link) (oauth.Link, error)
	UpdateProviderToken(ctx context.Context, id int64, encrypted []byte) error
	Delete(ctx context.Context, userID int64, provider string) (bool, error)
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
}

// RefreshTokenRepository handles refresh token persistence.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	FindByHash(ctx context.Context, tokenHash string) (*domain.RefreshToken, error)
	// RevokeIfActive flips revoked_at only when the token is not revoked yet and reports
	// whether this call did it.
	RevokeIfActive(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID int64, now time.Time) (int64, error)
	// ListActive returns unrevoked, unexpired tokens newest first.
	ListActive(ctx context.Context, userID int64, now time.Time) ([]domain.RefreshToken, error)
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// DeviceCodeRepository manages device authorization requests.
type DeviceCodeRepository interface {
	Create(ctx context.Context, code domain.DeviceCode) (domain.DeviceCode, error)
	FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error)
	FindPendingByUserCode(ctx context.Context, userCode string, now time.Time) (*domain.DeviceCode, error)
	// Transition is a conditional status update. userID is stored as given, so callers
	// pass nil for every target other than approved.
	Transition(ctx context.Context, id int64, from, to domain.DeviceStatus, userID *int64) (bool, error)
	// TouchPoll records a poll at now unless the previous one is closer than minSpacing.
	TouchPoll(ctx context.Context, id int64, now time.Time, minSpacing time.Duration) (bool, error)
	// Consume deletes an approved request so it can be redeemed only once.
	Consume(ctx context.Context, id int64) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TxManager runs fn inside a transaction carried by the context. Repository calls made
// with that context join the transaction; nested calls reuse the outer one.
type TxManager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// OAuthStateStore persists short-lived authorization state/nonce structures.
type OAuthStateStore interface {
	SaveState(ctx context.Context, data oauth.State, ttl time.Duration) error
	// TakeState returns and removes the entry in one step; (nil, nil) when absent.
	TakeState(ctx context.Context, state string) (*oauth.State, error)
}

// RevocationList tracks access token ids that must be rejected before they expire.
type RevocationList interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
