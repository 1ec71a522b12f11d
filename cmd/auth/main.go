package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/pantry-auth/internal/adapter/cache"
	"github.com/smallbiznis/pantry-auth/internal/adapter/events"
	oauthadapter "github.com/smallbiznis/pantry-auth/internal/adapter/oauth"
	"github.com/smallbiznis/pantry-auth/internal/bootstrap"
	"github.com/smallbiznis/pantry-auth/internal/config"
	"github.com/smallbiznis/pantry-auth/internal/encryption"
	httptransport "github.com/smallbiznis/pantry-auth/internal/http"
	"github.com/smallbiznis/pantry-auth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/pantry-auth/internal/http/middleware"
	"github.com/smallbiznis/pantry-auth/internal/jwt"
	apimiddleware "github.com/smallbiznis/pantry-auth/internal/middleware"
	"github.com/smallbiznis/pantry-auth/internal/repository"
	"github.com/smallbiznis/pantry-auth/internal/scheduler"
	"github.com/smallbiznis/pantry-auth/internal/server"
	"github.com/smallbiznis/pantry-auth/internal/service"
	authservice "github.com/smallbiznis/pantry-auth/internal/service/auth"
	"github.com/smallbiznis/pantry-auth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newTxManager,
			newUserRepository,
			newLinkRepository,
			newRefreshTokenRepository,
			newDeviceCodeRepository,
			newRedisClient,
			newOAuthStateStore,
			newRevocationList,
			newCipher,
			newPublisher,
			newProviderRegistry,
			newKeyManager,
			newTokenGenerator,
			newTokenService,
			newDeviceService,
			newAccountService,
			newLinkResolver,
			newOAuthService,
			newDiscoveryService,
			handler.NewOAuthHandler,
			handler.NewTokenHandler,
			handler.NewDeviceHandler,
			handler.NewAccountHandler,
			handler.NewWellKnownHandler,
			newAuthMiddleware,
			newRouter,
			server.NewHTTPServer,
			newScheduler,
		),
		fx.Invoke(useTelemetry, bootstrap.Migrate, bootstrap.EnsureDevUser, startScheduler, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if !cfg.IsProduction() {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg.Level = level

	logger, err := zcfg.Build(zap.Fields(
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	lc.Append(fx.StopHook(provider.Shutdown))
	return provider, nil
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("DATABASE_URL: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres unreachable: %w", err)
			}
			logger.Info("postgres connected",
				zap.String("host", poolCfg.ConnConfig.Host),
				zap.String("database", poolCfg.ConnConfig.Database),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func newTxManager(pool *pgxpool.Pool) repository.TxManager {
	return repository.NewPgxTxManager(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newLinkRepository(pool *pgxpool.Pool) repository.OAuthLinkRepository {
	return repository.NewPostgresLinkRepo(pool)
}

func newRefreshTokenRepository(pool *pgxpool.Pool) repository.RefreshTokenRepository {
	return repository.NewPostgresRefreshTokenRepo(pool)
}

func newDeviceCodeRepository(pool *pgxpool.Pool) repository.DeviceCodeRepository {
	return repository.NewPostgresDeviceCodeRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) redis.UniversalClient {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.RedisAddr, ","),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis unreachable: %w", err)
			}
			logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
			return nil
		},
		OnStop: func(context.Context) error { return client.Close() },
	})
	return client
}

func newOAuthStateStore(client redis.UniversalClient) repository.OAuthStateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newRevocationList(client redis.UniversalClient) repository.RevocationList {
	return cacheadapter.NewRedisRevocationList(client)
}

func newCipher(cfg config.Config, logger *zap.Logger) (*encryption.Cipher, error) {
	return encryption.NewFromConfig(cfg, logger)
}

func newPublisher(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("KAFKA_BROKERS not set, account events are not published")
		return events.NoopPublisher{}, nil
	}
	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

func newProviderRegistry(cfg config.Config, logger *zap.Logger) (*oauthadapter.Registry, error) {
	return oauthadapter.NewRegistry(cfg, &http.Client{Timeout: 10 * time.Second}, logger)
}

func newKeyManager(cfg config.Config, logger *zap.Logger) (*jwt.KeyManager, error) {
	return jwt.NewKeyManager(cfg, logger)
}

func newTokenGenerator(manager *jwt.KeyManager, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(manager, cfg.Issuer, cfg.AccessTokenTTL)
}

func newTokenService(
	refresh repository.RefreshTokenRepository,
	users repository.UserRepository,
	tx repository.TxManager,
	generator *jwt.Generator,
	denylist repository.RevocationList,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *service.TokenService {
	return service.NewTokenService(refresh, users, tx, generator, denylist, node, cfg, logger)
}

func newDeviceService(codes repository.DeviceCodeRepository, users repository.UserRepository, tx repository.TxManager, tokens *service.TokenService, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *service.DeviceService {
	return service.NewDeviceService(codes, users, tx, tokens, node, cfg, logger)
}

func newAccountService(
	users repository.UserRepository,
	links repository.OAuthLinkRepository,
	refresh repository.RefreshTokenRepository,
	tx repository.TxManager,
	cipher *encryption.Cipher,
	registry *oauthadapter.Registry,
	publisher events.Publisher,
	cfg config.Config,
	logger *zap.Logger,
) *service.AccountService {
	return service.NewAccountService(users, links, refresh, tx, cipher, registry, publisher, cfg, logger)
}

func newLinkResolver(
	users repository.UserRepository,
	links repository.OAuthLinkRepository,
	tx repository.TxManager,
	cipher *encryption.Cipher,
	node *snowflake.Node,
	publisher events.Publisher,
	logger *zap.Logger,
) *authservice.LinkResolver {
	return authservice.NewLinkResolver(users, links, tx, cipher, node, publisher, logger)
}

func newOAuthService(registry *oauthadapter.Registry, states repository.OAuthStateStore, resolver *authservice.LinkResolver, tokens *service.TokenService, logger *zap.Logger) *authservice.OAuthService {
	return authservice.NewOAuthService(registry, states, resolver, tokens, logger)
}

func newDiscoveryService(cfg config.Config, keys *jwt.KeyManager) *service.DiscoveryService {
	return service.NewDiscoveryService(cfg.Issuer, keys)
}

func newAuthMiddleware(tokens *service.TokenService, logger *zap.Logger) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(tokens, logger)
}

func newRouter(
	cfg config.Config,
	oauth *handler.OAuthHandler,
	token *handler.TokenHandler,
	device *handler.DeviceHandler,
	account *handler.AccountHandler,
	wellKnown *handler.WellKnownHandler,
	auth *httpmiddleware.Auth,
	logger *zap.Logger,
) *gin.Engine {
	handlers := httptransport.Handlers{
		OAuth:     oauth,
		Token:     token,
		Device:    device,
		Account:   account,
		WellKnown: wellKnown,
	}
	tokenRPM := cfg.RateLimitRPM / 10
	if cfg.RateLimitRPM > 0 && tokenRPM < 10 {
		tokenRPM = 10
	}
	return httptransport.NewRouter(cfg, handlers, auth,
		apimiddleware.NewRateLimiter("global", cfg.RateLimitRPM),
		apimiddleware.NewRateLimiter("token", tokenRPM),
		logger,
	)
}

func newScheduler(cfg config.Config, accounts *service.AccountService, tokens *service.TokenService, devices *service.DeviceService, logger *zap.Logger) (*scheduler.Scheduler, error) {
	hour, minute, err := cfg.SweepClock()
	if err != nil {
		return nil, err
	}
	trigger, err := scheduler.NewDaily(hour, minute, time.UTC)
	if err != nil {
		return nil, err
	}
	return scheduler.New(trigger, logger,
		scheduler.Job{Name: "account_sweep", Run: func(ctx context.Context) (int64, error) {
			n, err := accounts.Sweep(ctx)
			return int64(n), err
		}},
		scheduler.Job{Name: "refresh_token_purge", Run: tokens.PurgeExpired},
		scheduler.Job{Name: "device_code_cleanup", Run: devices.Cleanup},
	), nil
}

func startScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer) {
	lc.Append(fx.StartStopHook(srv.Start, srv.Stop))
}

func useTelemetry(*telemetry.Provider) {}
