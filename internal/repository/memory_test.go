package repository_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/domain/oauth"
	"github.com/smallbiznis/pantry-auth/internal/repository"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, store *repository.MemoryStore, email string) domain.User {
	t.Helper()
	user, err := store.Users().Create(context.Background(), domain.User{Email: email, Role: domain.DefaultRole, CreatedAt: now})
	require.NoError(t, err)
	return user
}

func TestMemoryUsersConflictAndLookup(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	user := seedUser(t, store, "ada@example.com")

	_, err := store.Users().Create(ctx, domain.User{Email: "ADA@example.com"})
	require.ErrorIs(t, err, domain.ErrConflict)

	found, err := store.Users().FindByEmail(ctx, "Ada@Example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, user.ID, found.ID)

	missing, err := store.Users().FindByID(ctx, 404)
	require.NoError(t, err)
	require.Nil(t, missing)

	_, err = store.Users().UpdateProfile(ctx, domain.User{ID: 404})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Users().LockForUpdate(ctx, user.ID))
	require.ErrorIs(t, store.Users().LockForUpdate(ctx, 404), domain.ErrNotFound)
}

func TestMemoryTransitionStatus(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	user := seedUser(t, store, "grace@example.com")
	deadline := now.Add(30 * 24 * time.Hour)

	updated, err := store.Users().TransitionStatus(ctx, user.ID, domain.UserStatusActive, domain.UserStatusPendingDeletion, &deadline)
	require.NoError(t, err)
	require.Equal(t, domain.UserStatusPendingDeletion, updated.Status)
	require.Equal(t, deadline, *updated.DeletionScheduledAt)

	_, err = store.Users().TransitionStatus(ctx, user.ID, domain.UserStatusActive, domain.UserStatusPendingDeletion, &deadline)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = store.Users().TransitionStatus(ctx, 999, domain.UserStatusActive, domain.UserStatusPendingDeletion, &deadline)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	boom := errors.New("boom")

	err := store.WithinTransaction(ctx, func(ctx context.Context) error {
		user, err := store.Users().Create(ctx, domain.User{Email: "tx@example.com"})
		if err != nil {
			return err
		}
		if _, err := store.Links().Create(ctx, oauth.Link{UserID: user.ID, Provider: oauth.ProviderGoogle, ProviderUserID: "g-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	user, err := store.Users().FindByEmail(ctx, "tx@example.com")
	require.NoError(t, err)
	require.Nil(t, user)
	link, err := store.Links().FindByProviderSubject(ctx, oauth.ProviderGoogle, "g-1")
	require.NoError(t, err)
	require.Nil(t, link)
}

func TestMemoryLinkUniqueness(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	a := seedUser(t, store, "a@example.com")
	b := seedUser(t, store, "b@example.com")

	_, err := store.Links().Create(ctx, oauth.Link{UserID: a.ID, Provider: oauth.ProviderGoogle, ProviderUserID: "sub-1"})
	require.NoError(t, err)

	_, err = store.Links().Create(ctx, oauth.Link{UserID: b.ID, Provider: oauth.ProviderGoogle, ProviderUserID: "sub-1"})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.Links().Create(ctx, oauth.Link{UserID: a.ID, Provider: oauth.ProviderGoogle, ProviderUserID: "sub-2"})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.Links().Create(ctx, oauth.Link{UserID: a.ID, Provider: oauth.ProviderApple, ProviderUserID: "apple-1"})
	require.NoError(t, err)

	links, err := store.Links().ListByUser(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestMemoryRevokeIfActiveIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	user := seedUser(t, store, "race@example.com")
	_, err := store.RefreshTokens().Create(ctx, domain.RefreshToken{UserID: user.ID, TokenHash: "h1", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.RefreshTokens().RevokeIfActive(ctx, "h1", now)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)

	token, err := store.RefreshTokens().FindByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, now, *token.RevokedAt)

	ok, err := store.RefreshTokens().RevokeIfActive(ctx, "h1", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	token, err = store.RefreshTokens().FindByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, now, *token.RevokedAt)
}

func TestMemoryListActiveNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	user := seedUser(t, store, "sessions@example.com")
	tokens := store.RefreshTokens()

	_, err := tokens.Create(ctx, domain.RefreshToken{UserID: user.ID, TokenHash: "old", ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = tokens.Create(ctx, domain.RefreshToken{UserID: user.ID, TokenHash: "new", ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = tokens.Create(ctx, domain.RefreshToken{UserID: user.ID, TokenHash: "expired", ExpiresAt: now.Add(-time.Second), CreatedAt: now.Add(-3 * time.Hour)})
	require.NoError(t, err)
	revokedAt := now.Add(-time.Minute)
	_, err = tokens.Create(ctx, domain.RefreshToken{UserID: user.ID, TokenHash: "revoked", ExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt, CreatedAt: now})
	require.NoError(t, err)

	active, err := tokens.ListActive(ctx, user.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "new", active[0].TokenHash)
	require.Equal(t, "old", active[1].TokenHash)

	n, err := tokens.RevokeAllForUser(ctx, user.ID, now)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	purged, err := tokens.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
}

func TestMemoryDevicePollSpacingAndConsume(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	user := seedUser(t, store, "device@example.com")
	devices := store.DeviceCodes()

	code, err := devices.Create(ctx, domain.DeviceCode{DeviceCode: "dc", UserCode: "BCDF-GHJK", Status: domain.DeviceStatusPending, ExpiresAt: now.Add(time.Minute), Interval: 5 * time.Second})
	require.NoError(t, err)
	_, err = devices.Create(ctx, domain.DeviceCode{DeviceCode: "dc2", UserCode: "BCDF-GHJK", Status: domain.DeviceStatusPending, ExpiresAt: now.Add(time.Minute)})
	require.ErrorIs(t, err, domain.ErrConflict)

	ok, err := devices.TouchPoll(ctx, code.ID, now, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = devices.TouchPoll(ctx, code.ID, now.Add(2*time.Second), 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = devices.TouchPoll(ctx, code.ID, now.Add(5*time.Second), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = devices.Consume(ctx, code.ID)
	require.NoError(t, err)
	require.False(t, ok, "pending codes cannot be consumed")

	ok, err = devices.Transition(ctx, code.ID, domain.DeviceStatusPending, domain.DeviceStatusApproved, &user.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = devices.Transition(ctx, code.ID, domain.DeviceStatusPending, domain.DeviceStatusDenied, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = devices.Consume(ctx, code.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = devices.Consume(ctx, code.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryDeleteIfDueCascades(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	user := seedUser(t, store, "gone@example.com")
	_, err := store.Links().Create(ctx, oauth.Link{UserID: user.ID, Provider: oauth.ProviderGoogle, ProviderUserID: "g"})
	require.NoError(t, err)
	_, err = store.RefreshTokens().Create(ctx, domain.RefreshToken{UserID: user.ID, TokenHash: "t", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	ok, err := store.Users().DeleteIfDue(ctx, user.ID, now)
	require.NoError(t, err)
	require.False(t, ok, "active users are never deleted")

	deadline := now.Add(-time.Hour)
	_, err = store.Users().TransitionStatus(ctx, user.ID, domain.UserStatusActive, domain.UserStatusPendingDeletion, &deadline)
	require.NoError(t, err)

	ok, err = store.Users().DeleteIfDue(ctx, user.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	links, err := store.Links().ListByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, links)
	token, err := store.RefreshTokens().FindByHash(ctx, "t")
	require.NoError(t, err)
	require.Nil(t, token)
}
