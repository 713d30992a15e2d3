package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/sfconnect/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/sfconnect/internal/adapter/oauth"
	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/crypto"
	httptransport "github.com/smallbiznis/sfconnect/internal/http"
	"github.com/smallbiznis/sfconnect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/sfconnect/internal/http/middleware"
	"github.com/smallbiznis/sfconnect/internal/identity"
	apimiddleware "github.com/smallbiznis/sfconnect/internal/middleware"
	"github.com/smallbiznis/sfconnect/internal/repository"
	"github.com/smallbiznis/sfconnect/internal/server"
	"github.com/smallbiznis/sfconnect/internal/service/connect"
	"github.com/smallbiznis/sfconnect/internal/telemetry"
)

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newOAuthStateStore,
			newConnectionRepository,
			newKeyProvider,
			crypto.NewEnvelope,
			newProviderClient,
			newIdentityVerifier,
			newConnectService,
			handler.NewConnectHandler,
			httpmiddleware.NewAuth,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, runMigrations, startStatePurger, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := openPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// newOAuthStateStore picks the state backend. The Redis client only exists when selected.
func newOAuthStateStore(lc fx.Lifecycle, cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) (repository.OAuthStateStore, error) {
	if cfg.StateStore != "redis" {
		logger.Info("using postgres oauth state store")
		return repository.NewPostgresStateStore(pool), nil
	}

	client, err := newRedisClient(lc, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis oauth state store", zap.String("addr", cfg.RedisAddr))
	return cacheadapter.NewRedisStateStore(client), nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newConnectionRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.ConnectionRepository {
	return repository.NewPostgresConnectionRepo(pool, node)
}

func newKeyProvider(cfg config.Config, logger *zap.Logger) *crypto.KeyProvider {
	keys := crypto.NewKeyProvider(crypto.StaticSecret(cfg.TokenEncryptionKey))
	if cfg.TokenEncryptionKey != "" {
		if err := keys.Validate(); err != nil {
			// requests needing the key fail with a configuration error
			logger.Warn("token encryption key is unusable", zap.Error(err))
		}
	}
	return keys
}

func newProviderClient(cfg config.Config, logger *zap.Logger) oauthadapter.ProviderClient {
	return oauthadapter.NewSalesforceClient(cfg, &http.Client{Timeout: cfg.SalesforceHTTPTimeout}, logger)
}

func newIdentityVerifier(cfg config.Config) identity.Verifier {
	return identity.New(cfg)
}

func newConnectService(
	cfg config.Config,
	states repository.OAuthStateStore,
	connections repository.ConnectionRepository,
	provider oauthadapter.ProviderClient,
	envelope *crypto.Envelope,
	tp *telemetry.Provider,
	logger *zap.Logger,
) connect.ConnectService {
	return connect.NewService(cfg, states, connections, provider, envelope, tp, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func runMigrations(lc fx.Lifecycle, cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) {
	if !cfg.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return repository.Migrate(ctx, pool, logger)
		},
	})
}

// startStatePurger clears abandoned postgres states in the background. Redis
// expires its keys itself.
func startStatePurger(lc fx.Lifecycle, cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) {
	if cfg.StateStore == "redis" {
		return
	}
	purger := repository.NewStatePurger(repository.NewPostgresStateStore(pool), cfg.StatePurgeInterval, logger)
	if purger == nil {
		return
	}
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			go func() {
				purger.Run(runCtx)
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
