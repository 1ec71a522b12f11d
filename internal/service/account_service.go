package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/adapter/events"
	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

const defaultGracePeriod = 30 * 24 * time.Hour

// TokenDecrypter opens provider tokens sealed at rest.
type TokenDecrypter interface {
	DecryptString(blob []byte) (string, error)
}

// ProviderRevoker revokes a provider-issued refresh token at the provider.
type ProviderRevoker interface {
	RevokeProviderToken(ctx context.Context, provider, refreshToken string) error
}

// AccountService schedules, cancels and carries out account deletion.
type AccountService struct {
	base
	users     repository.UserRepository
	links     repository.OAuthLinkRepository
	refresh   repository.RefreshTokenRepository
	tx        repository.TxManager
	cipher    TokenDecrypter
	revoker   ProviderRevoker
	publisher events.Publisher
	grace     time.Duration
}

// NewAccountService wires dependencies. revoker may be nil.
func NewAccountService(
	users repository.UserRepository,
	links repository.OAuthLinkRepository,
	refresh repository.RefreshTokenRepository,
	tx repository.TxManager,
	cipher TokenDecrypter,
	revoker ProviderRevoker,
	publisher events.Publisher,
	cfg config.Config,
	logger *zap.Logger,
) *AccountService {
	grace := cfg.DeletionGracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &AccountService{
		base:      newBase(logger, "account"),
		users:     users,
		links:     links,
		refresh:   refresh,
		tx:        tx,
		cipher:    cipher,
		revoker:   revoker,
		publisher: publisher,
		grace:     grace,
	}
}

// Profile returns the user behind an authenticated request.
func (s *AccountService) Profile(ctx context.Context, userID int64) (domain.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return domain.User{}, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
	}
	return *user, nil
}

// ScheduleDeletion marks the account for deletion once the grace period elapses. The
// stored deletion time is the deadline itself.
func (s *AccountService) ScheduleDeletion(ctx context.Context, userID int64) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "AccountService.ScheduleDeletion")
	defer span.End()

	deadline := s.now().Add(s.grace)
	user, err := s.users.TransitionStatus(ctx, userID, domain.UserStatusActive, domain.UserStatusPendingDeletion, &deadline)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidState) && !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
		}
		return domain.User{}, fmt.Errorf("schedule deletion: %w", err)
	}

	s.audit("account.deletion_scheduled", "user_id", userID, "deadline", deadline)
	s.publish(ctx, events.AccountEvent{
		Type:       events.TypeAccountDeletionScheduled,
		UserID:     userID,
		Deadline:   &deadline,
		OccurredAt: s.now(),
	})
	return user, nil
}

// CancelDeletion restores a pending account to active.
func (s *AccountService) CancelDeletion(ctx context.Context, userID int64) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "AccountService.CancelDeletion")
	defer span.End()

	user, err := s.users.TransitionStatus(ctx, userID, domain.UserStatusPendingDeletion, domain.UserStatusActive, nil)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidState) && !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
		}
		return domain.User{}, fmt.Errorf("cancel deletion: %w", err)
	}

	s.audit("account.deletion_cancelled", "user_id", userID)
	s.publish(ctx, events.AccountEvent{
		Type:       events.TypeAccountDeletionCancelled,
		UserID:     userID,
		OccurredAt: s.now(),
	})
	return user, nil
}

type providerToken struct {
	provider string
	blob     []byte
}

// Sweep deletes every account whose deadline has passed, one transaction per account.
// A failing account is logged and skipped. It returns the number of accounts deleted.
func (s *AccountService) Sweep(ctx context.Context) (int, error) {
	ctx, span := s.startSpan(ctx, "AccountService.Sweep")
	defer span.End()

	now := s.now()
	due, err := s.users.ListDeletionDue(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list accounts due for deletion: %w", err)
	}

	deleted := 0
	for _, user := range due {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		tokens, ok, err := s.deleteAccount(ctx, user.ID, now)
		if err != nil {
			telemetry.AccountDeletionsTotal.WithLabelValues("failed").Inc()
			s.log().Error("account deletion failed", zap.Int64("user_id", user.ID), zap.Error(err))
			continue
		}
		if !ok {
			telemetry.AccountDeletionsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		deleted++
		telemetry.AccountDeletionsTotal.WithLabelValues("deleted").Inc()
		s.audit("account.deleted", "user_id", user.ID)

		s.revokeProviderTokens(ctx, user.ID, tokens)
		s.publish(ctx, events.AccountEvent{
			Type:       events.TypeAccountDeleted,
			UserID:     user.ID,
			OccurredAt: now,
		})
	}

	s.log().Info("account deletion sweep finished", zap.Int("due", len(due)), zap.Int("deleted", deleted))
	return deleted, nil
}

// deleteAccount removes the account and its credentials. It reports false when the
// account was no longer due, for example because deletion was cancelled after listing.
func (s *AccountService) deleteAccount(ctx context.Context, userID int64, now time.Time) ([]providerToken, bool, error) {
	var tokens []providerToken
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		links, err := s.links.ListByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("list links: %w", err)
		}
		var collected []providerToken
		for _, link := range links {
			if len(link.EncryptedRefreshToken) > 0 {
				collected = append(collected, providerToken{provider: link.Provider, blob: link.EncryptedRefreshToken})
			}
		}
		if _, err := s.refresh.DeleteByUser(ctx, userID); err != nil {
			return fmt.Errorf("delete refresh tokens: %w", err)
		}
		if _, err := s.links.DeleteByUser(ctx, userID); err != nil {
			return fmt.Errorf("delete links: %w", err)
		}
		ok, err := s.users.DeleteIfDue(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if !ok {
			return errNotDue
		}
		tokens = collected
		return nil
	})
	if errors.Is(err, errNotDue) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tokens, true, nil
}

var errNotDue = errors.New("account no longer due for deletion")

func (s *AccountService) revokeProviderTokens(ctx context.Context, userID int64, tokens []providerToken) {
	if s.revoker == nil || s.cipher == nil {
		return
	}
	for _, token := range tokens {
		plain, err := s.cipher.DecryptString(token.blob)
		if err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				telemetry.IntegrityFailuresTotal.Inc()
			}
			s.log().Error("stored provider token failed to decrypt",
				zap.String("event", "security.integrity_failure"),
				zap.Int64("user_id", userID),
				zap.String("provider", token.provider),
				zap.Error(err),
			)
			continue
		}
		if err := s.revoker.RevokeProviderToken(ctx, token.provider, plain); err != nil {
			s.log().Warn("provider token revocation failed",
				zap.Int64("user_id", userID),
				zap.String("provider", token.provider),
				zap.Error(err),
			)
		}
	}
}

func (s *AccountService) publish(ctx context.Context, event events.AccountEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log().Warn("account event not published", zap.String("type", event.Type), zap.Int64("user_id", event.UserID), zap.Error(err))
	}
}
