package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/broker"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/cache"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/ops"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/service"
	"github.com/hive-corporation/watchtower-pipeline/internal/logging"
)

func main() {
	cfg := config.Load("relevance")

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

	bus := broker.New(cfg.Broker, "relevance", logger)
	defer bus.Close()

	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	if err := broker.DeclareTopology(ctx, bus, broker.PipelineTopology); err != nil {
		logger.Fatal("failed to declare topology", zap.Error(err))
	}

	checker := service.NewRelevanceChecker(redisCache, bus, cfg.Relevance.SharedSources, logger)
	if err := checker.Run(ctx, bus, cfg.Broker.Prefetch); err != nil {
		logger.Fatal("failed to subscribe", zap.Error(err))
	}
	logger.Info("relevance checker consuming",
		zap.Int("prefetch", cfg.Broker.Prefetch),
		zap.Strings("shared_whitelists", cfg.Relevance.SharedSources))

	opsServer := ops.New(cfg.Ops, cfg.Log.ServiceName, logger,
		ops.Check{Name: "broker", Probe: bus.Probe},
		ops.Check{Name: "cache", Probe: redisCache.Ping})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsServer.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("relevance checker exited with error", zap.Error(err))
	}
	logger.Info("relevance checker shut down")
}
