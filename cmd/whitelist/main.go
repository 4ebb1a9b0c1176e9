package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/cache"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/ops"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/provider"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/service"
	"github.com/hive-corporation/watchtower-pipeline/internal/logging"
)

func main() {
	cfg := config.Load("whitelist")

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisCache, err := cache.Connect(ctx, cfg.Redis, cache.DefaultOptions(), logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisCache.Close()

	providers := provider.WhitelistProviders(cfg.HTTP, logger)
	collector := service.NewWhitelistCollector(providers, redisCache, cfg.Whitelist, logger)
	opsServer := ops.New(cfg.Ops, cfg.Log.ServiceName, logger, ops.Check{Name: "cache", Probe: redisCache.Ping})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return collector.Run(ctx) })
	g.Go(func() error { return opsServer.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("whitelist collector exited with error", zap.Error(err))
	}
	logger.Info("whitelist collector shut down")
}
