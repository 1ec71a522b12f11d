package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/adapter/events"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	domainoauth "github.com/smallbiznis/pantry-auth/internal/domain/oauth"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

const maxResolveAttempts = 3

// TokenSealer encrypts provider tokens before they are stored on a link.
type TokenSealer interface {
	EncryptString(plaintext string) ([]byte, error)
}

// Resolution paths, also used as metric labels.
const (
	pathLinked  = "linked"
	pathByEmail = "email"
	pathCreated = "created"
)

// LinkResolver maps a verified provider identity to a local user, creating the user
// and link on first sign-in.
type LinkResolver struct {
	users     repository.UserRepository
	links     repository.OAuthLinkRepository
	tx        repository.TxManager
	sealer    TokenSealer
	snowflake *snowflake.Node
	publisher events.Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

// NewLinkResolver wires dependencies. publisher may be nil.
func NewLinkResolver(users repository.UserRepository, links repository.OAuthLinkRepository, tx repository.TxManager, sealer TokenSealer, node *snowflake.Node, publisher events.Publisher, logger *zap.Logger) *LinkResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &LinkResolver{
		users:     users,
		links:     links,
		tx:        tx,
		sealer:    sealer,
		snowflake: node,
		publisher: publisher,
		logger:    logger.Named("resolver"),
		clock:     time.Now,
	}
}

// Resolve returns the user for identity. Concurrent first sign-ins for the same identity
// converge on a single user and link: the loser of the insert race sees ErrConflict and
// retries through the lookup path.
func (r *LinkResolver) Resolve(ctx context.Context, identity domainoauth.Identity) (domain.User, error) {
	identity.Provider = strings.ToLower(strings.TrimSpace(identity.Provider))
	identity.ProviderUserID = strings.TrimSpace(identity.ProviderUserID)
	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	if identity.Provider == "" || identity.ProviderUserID == "" {
		return domain.User{}, domainoauth.ErrInvalidRequest
	}
	if identity.Email == "" {
		return domain.User{}, domainoauth.ErrEmailMissing
	}

	var lastErr error
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		user, path, err := r.resolveOnce(ctx, identity)
		if err == nil {
			telemetry.OAuthResolutionsTotal.WithLabelValues(identity.Provider, path).Inc()
			if path == pathCreated {
				r.logger.Info("audit",
					zap.String("event", "account.created"),
					zap.Int64("user_id", user.ID),
					zap.String("email", domain.MaskEmail(user.Email)),
					zap.String("provider", identity.Provider),
				)
				r.publish(ctx, user)
			}
			return user, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.User{}, err
		}
		lastErr = err
		r.logger.Debug("identity resolution conflict, retrying",
			zap.String("provider", identity.Provider),
			zap.Int("attempt", attempt),
		)
	}
	telemetry.OAuthResolutionsTotal.WithLabelValues(identity.Provider, "conflict").Inc()
	return domain.User{}, fmt.Errorf("resolve %s identity: %w", identity.Provider, lastErr)
}

func (r *LinkResolver) resolveOnce(ctx context.Context, identity domainoauth.Identity) (domain.User, string, error) {
	link, err := r.links.FindByProviderSubject(ctx, identity.Provider, identity.ProviderUserID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("lookup link: %w", err)
	}
	if link != nil {
		user, err := r.users.FindByID(ctx, link.UserID)
		if err != nil {
			return domain.User{}, "", fmt.Errorf("load linked user: %w", err)
		}
		if user == nil {
			return domain.User{}, "", fmt.Errorf("linked user %d: %w", link.UserID, domain.ErrNotFound)
		}
		if err := r.refreshProviderToken(ctx, link.ID, identity.RefreshToken); err != nil {
			return domain.User{}, "", err
		}
		return *user, pathLinked, nil
	}

	sealed, err := r.seal(identity.RefreshToken)
	if err != nil {
		return domain.User{}, "", err
	}

	existing, err := r.users.FindByEmail(ctx, identity.Email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("lookup user by email: %w", err)
	}
	if existing != nil {
		if _, err := r.links.Create(ctx, r.newLink(existing.ID, identity, sealed)); err != nil {
			return domain.User{}, "", fmt.Errorf("link existing user: %w", err)
		}
		return *existing, pathByEmail, nil
	}

	var created domain.User
	err = r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		now := r.clock().UTC()
		user, err := r.users.Create(ctx, domain.User{
			ID:        r.snowflake.Generate().Int64(),
			Email:     identity.Email,
			Name:      identity.DisplayName,
			AvatarURL: identity.AvatarURL,
			Role:      domain.DefaultRole,
			Status:    domain.UserStatusActive,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if _, err := r.links.Create(ctx, r.newLink(user.ID, identity, sealed)); err != nil {
			return fmt.Errorf("create link: %w", err)
		}
		created = user
		return nil
	})
	if err != nil {
		return domain.User{}, "", err
	}
	return created, pathCreated, nil
}

func (r *LinkResolver) newLink(userID int64, identity domainoauth.Identity, sealed []byte) domainoauth.Link {
	return domainoauth.Link{
		ID:                    r.snowflake.Generate().Int64(),
		UserID:                userID,
		Provider:              identity.Provider,
		ProviderUserID:        identity.ProviderUserID,
		Email:                 identity.Email,
		EncryptedRefreshToken: sealed,
		CreatedAt:             r.clock().UTC(),
	}
}

func (r *LinkResolver) seal(refreshToken string) ([]byte, error) {
	if refreshToken == "" || r.sealer == nil {
		return nil, nil
	}
	sealed, err := r.sealer.EncryptString(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt provider token: %w", err)
	}
	return sealed, nil
}

// refreshProviderToken replaces the stored provider token when the provider issued a new one.
func (r *LinkResolver) refreshProviderToken(ctx context.Context, linkID int64, refreshToken string) error {
	sealed, err := r.seal(refreshToken)
	if err != nil || sealed == nil {
		return err
	}
	if err := r.links.UpdateProviderToken(ctx, linkID, sealed); err != nil {
		return fmt.Errorf("store provider token: %w", err)
	}
	return nil
}

// Links lists the providers linked to a user.
func (r *LinkResolver) Links(ctx context.Context, userID int64) ([]domainoauth.Link, error) {
	links, err := r.links.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

// Unlink removes a provider link. The last remaining link cannot be removed, since the
// account would be left without a way to sign in. The user row is locked first so
// concurrent unlinks of different providers are checked one after the other.
func (r *LinkResolver) Unlink(ctx context.Context, userID int64, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	return r.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := r.users.LockForUpdate(ctx, userID); err != nil {
			return err
		}
		links, err := r.links.ListByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("list links: %w", err)
		}
		found := false
		for _, link := range links {
			if link.Provider == provider {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s link: %w", provider, domain.ErrNotFound)
		}
		if len(links) == 1 {
			return fmt.Errorf("unlink last provider: %w", domain.ErrInvalidState)
		}
		if _, err := r.links.Delete(ctx, userID, provider); err != nil {
			return fmt.Errorf("delete link: %w", err)
		}
		r.logger.Info("audit", zap.String("event", "oauth.unlinked"), zap.Int64("user_id", userID), zap.String("provider", provider))
		return nil
	})
}

func (r *LinkResolver) publish(ctx context.Context, user domain.User) {
	err := r.publisher.Publish(ctx, events.AccountEvent{
		Type:       events.TypeAccountCreated,
		UserID:     user.ID,
		Email:      user.Email,
		OccurredAt: r.clock().UTC(),
	})
	if err != nil {
		r.logger.Warn("account created event not published", zap.Int64("user_id", user.ID), zap.Error(err))
	}
}
