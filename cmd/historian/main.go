// cmd/historian drains the round event queue from Redis into the round_events table.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/roundhouse/internal/cache"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"github.com/jason-s-yu/roundhouse/internal/database"
	"github.com/jason-s-yu/roundhouse/internal/historian"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.WithError(err).Fatal("failed to migrate")
	}

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()

	svc := historian.New(rdb, database.NewPostgres(pool), cfg.HistorianQueue, cfg.HistorianBatchSize, cfg.HistorianFlush, logger)
	if err := svc.Run(ctx); err != nil {
		logger.WithError(err).Fatal("historian exited")
	}
}
