package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/jwt"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

// Flow labels the path that produced a token pair.
type Flow string

const (
	FlowOAuth   Flow = "oauth"
	FlowDevice  Flow = "device"
	FlowRefresh Flow = "refresh"
)

// ClientMeta describes the client a session is issued to.
type ClientMeta struct {
	UserAgent string
	Flow      Flow
}

// TokenService issues, verifies, rotates and revokes session credentials.
type TokenService struct {
	base
	refresh      repository.RefreshTokenRepository
	users        repository.UserRepository
	tx           repository.TxManager
	jwt          *jwt.Generator
	denylist     repository.RevocationList
	snowflake    *snowflake.Node
	refreshTTL   time.Duration
	refreshBytes int
}

// NewTokenService wires dependencies. denylist may be nil, in which case logout only
// revokes refresh tokens and access tokens live until they expire.
func NewTokenService(
	refresh repository.RefreshTokenRepository,
	users repository.UserRepository,
	tx repository.TxManager,
	generator *jwt.Generator,
	denylist repository.RevocationList,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *TokenService {
	return &TokenService{
		base:         newBase(logger, "token"),
		refresh:      refresh,
		users:        users,
		tx:           tx,
		jwt:          generator,
		denylist:     denylist,
		snowflake:    node,
		refreshTTL:   cfg.RefreshTokenTTL,
		refreshBytes: cfg.RefreshTokenBytes,
	}
}

// SetClock replaces the time source of the service and its JWT generator.
func (s *TokenService) SetClock(clock func() time.Time) {
	s.base.SetClock(clock)
	s.jwt.SetClock(clock)
}

// IssuePair signs an access token and persists a new refresh token for user.
func (s *TokenService) IssuePair(ctx context.Context, user domain.User, meta ClientMeta) (domain.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "TokenService.IssuePair")
	defer span.End()

	pair, err := s.issue(ctx, user, meta)
	if err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, err
	}
	telemetry.TokensIssuedTotal.WithLabelValues(string(meta.Flow)).Inc()
	s.audit("token.issued", "user_id", user.ID, "flow", meta.Flow)
	return pair, nil
}

func (s *TokenService) issue(ctx context.Context, user domain.User, meta ClientMeta) (domain.TokenPair, error) {
	access, claims, err := s.jwt.GenerateAccessToken(user)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("generate access token: %w", err)
	}

	now := s.now()
	plain := randomString(s.refreshBytes)
	stored := domain.RefreshToken{
		ID:        s.snowflake.Generate().Int64(),
		UserID:    user.ID,
		TokenHash: hashToken(plain),
		UserAgent: truncate(meta.UserAgent, 512),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if _, err := s.refresh.Create(ctx, stored); err != nil {
		return domain.TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}

	return domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     plain,
		TokenType:        "Bearer",
		ExpiresIn:        int(s.jwt.AccessTTL().Seconds()),
		AccessExpiresAt:  claims.ExpiresAt,
		RefreshExpiresAt: stored.ExpiresAt,
	}, nil
}

// Verify validates an access token and rejects ids on the revocation list.
func (s *TokenService) Verify(ctx context.Context, accessToken string) (domain.AccessClaims, error) {
	claims, err := s.jwt.ValidateAccessToken(strings.TrimSpace(accessToken))
	if err != nil {
		return domain.AccessClaims{}, err
	}
	if s.denylist != nil && claims.TokenID != "" {
		revoked, err := s.denylist.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			return domain.AccessClaims{}, fmt.Errorf("check revocation list: %w", err)
		}
		if revoked {
			return domain.AccessClaims{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrRevoked)
		}
	}
	return claims, nil
}

// Rotate exchanges a refresh token for a new pair. The presented token is revoked by a
// conditional update, so among concurrent rotations of the same token exactly one wins;
// the others get domain.ErrInvalidToken.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, meta ClientMeta) (domain.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Rotate")
	defer span.End()

	if strings.TrimSpace(refreshToken) == "" {
		return domain.TokenPair{}, fmt.Errorf("%w: refresh token missing", domain.ErrInvalidToken)
	}
	hash := hashToken(refreshToken)
	now := s.now()

	stored, err := s.refresh.FindByHash(ctx, hash)
	if err != nil {
		span.RecordError(err)
		return domain.TokenPair{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	switch {
	case stored == nil:
		telemetry.TokenRotationsTotal.WithLabelValues("unknown").Inc()
		return domain.TokenPair{}, fmt.Errorf("%w: unknown refresh token", domain.ErrInvalidToken)
	case stored.RevokedAt != nil:
		telemetry.TokenRotationsTotal.WithLabelValues("replayed").Inc()
		s.log().Warn("revoked refresh token presented",
			zap.Int64("user_id", stored.UserID),
			zap.Int64("token_id", stored.ID),
			zap.Time("revoked_at", *stored.RevokedAt),
		)
		return domain.TokenPair{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrRevoked)
	case !stored.ExpiresAt.After(now):
		telemetry.TokenRotationsTotal.WithLabelValues("expired").Inc()
		return domain.TokenPair{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrExpired)
	}

	if meta.Flow == "" {
		meta.Flow = FlowRefresh
	}
	if meta.UserAgent == "" {
		meta.UserAgent = stored.UserAgent
	}

	var (
		pair     domain.TokenPair
		userGone bool
	)
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		won, err := s.refresh.RevokeIfActive(ctx, hash, now)
		if err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
		if !won {
			return fmt.Errorf("%w: %w", domain.ErrInvalidToken, domain.ErrRevoked)
		}
		user, err := s.users.FindByID(ctx, stored.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user == nil {
			userGone = true
			return fmt.Errorf("%w: user no longer exists", domain.ErrInvalidToken)
		}
		pair, err = s.issue(ctx, *user, meta)
		return err
	})
	if err != nil {
		switch {
		case userGone:
			telemetry.TokenRotationsTotal.WithLabelValues("user_gone").Inc()
			s.log().Warn("refresh token presented for deleted user",
				zap.Int64("user_id", stored.UserID),
				zap.Int64("token_id", stored.ID),
			)
		case errors.Is(err, domain.ErrInvalidToken):
			telemetry.TokenRotationsTotal.WithLabelValues("lost_race").Inc()
		default:
			span.RecordError(err)
			telemetry.TokenRotationsTotal.WithLabelValues("error").Inc()
		}
		return domain.TokenPair{}, err
	}

	telemetry.TokenRotationsTotal.WithLabelValues("success").Inc()
	s.audit("refresh_token.rotated", "user_id", stored.UserID, "previous_token_id", stored.ID)
	return pair, nil
}

// Revoke revokes a single refresh token. It reports false when the token is unknown or
// was already revoked, leaving the original revocation time untouched.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) (bool, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return false, nil
	}
	revoked, err := s.refresh.RevokeIfActive(ctx, hashToken(refreshToken), s.now())
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	if revoked {
		telemetry.TokensRevokedTotal.WithLabelValues("single").Inc()
	}
	return revoked, nil
}

// RevokeAll revokes every active refresh token of the user and returns how many.
func (s *TokenService) RevokeAll(ctx context.Context, userID int64) (int64, error) {
	ctx, span := s.startSpan(ctx, "TokenService.RevokeAll")
	defer span.End()

	n, err := s.refresh.RevokeAllForUser(ctx, userID, s.now())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	telemetry.TokensRevokedTotal.WithLabelValues("all").Add(float64(n))
	s.audit("refresh_token.revoked_all", "user_id", userID, "count", n)
	return n, nil
}

// Logout ends the current session: the access token id is denylisted until it expires
// and the refresh token, when given, is revoked.
func (s *TokenService) Logout(ctx context.Context, claims domain.AccessClaims, refreshToken string) error {
	if s.denylist != nil && claims.TokenID != "" && claims.ExpiresAt.After(s.now()) {
		if err := s.denylist.Revoke(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
			return fmt.Errorf("denylist access token: %w", err)
		}
	}
	if _, err := s.Revoke(ctx, refreshToken); err != nil {
		return err
	}
	s.audit("session.logout", "user_id", claims.Subject)
	return nil
}

// Sessions lists the user's active refresh tokens, newest first.
func (s *TokenService) Sessions(ctx context.Context, userID int64) ([]domain.RefreshToken, error) {
	tokens, err := s.refresh.ListActive(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return tokens, nil
}

// PurgeExpired deletes refresh tokens whose expiry has passed.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.refresh.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	if n > 0 {
		s.log().Info("expired refresh tokens purged", zap.Int64("count", n))
	}
	return n, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
