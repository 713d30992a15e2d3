package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/smallbiznis/sfconnect/internal/config"
	"github.com/smallbiznis/sfconnect/internal/repository"
)

// runCommand executes a one-shot maintenance command instead of the server.
func runCommand(name string) error {
	switch name {
	case "migrate", "purge-states":
	default:
		return fmt.Errorf("unknown command %q (want migrate or purge-states)", name)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	switch name {
	case "migrate":
		return repository.Migrate(ctx, pool, logger)
	default:
		if cfg.StateStore == "redis" {
			logger.Info("redis state store expires records itself; purging postgres table anyway")
		}
		removed, err := repository.NewPostgresStateStore(pool).PurgeExpired(ctx)
		if err != nil {
			return err
		}
		logger.Info("purged expired oauth states", zap.Int64("removed", removed))
		return nil
	}
}
