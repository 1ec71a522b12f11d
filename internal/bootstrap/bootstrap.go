// Package bootstrap holds startup hooks that prepare the database.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/domain"
	"github.com/smallbiznis/pantry-auth/internal/repository"
)

// Migrate applies the embedded schema on start when DB_MIGRATE is set.
func Migrate(lc fx.Lifecycle, cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) {
	if !cfg.DBMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return repository.Migrate(pool, logger)
		},
	})
}

// EnsureDevUser creates the DEV_SEED_EMAIL user outside production so the device flow
// can be approved locally without configuring a provider.
func EnsureDevUser(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) {
	email := strings.ToLower(strings.TrimSpace(cfg.DevSeedEmail))
	if email == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.IsProduction() {
				logger.Warn("DEV_SEED_EMAIL ignored in production")
				return nil
			}
			return ensureUser(ctx, email, users, node, logger)
		},
	})
}

func ensureUser(ctx context.Context, email string, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) error {
	existing, err := users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("bootstrap lookup user: %w", err)
	}
	if existing != nil {
		return nil
	}

	created, err := users.Create(ctx, domain.User{
		ID:     node.Generate().Int64(),
		Email:  email,
		Name:   "Dev User",
		Role:   domain.DefaultRole,
		Status: domain.UserStatusActive,
	})
	if err != nil {
		return fmt.Errorf("bootstrap create user: %w", err)
	}

	logger.Info("bootstrap dev user created",
		zap.String("email", domain.MaskEmail(created.Email)),
		zap.Int64("user_id", created.ID),
	)
	return nil
}
