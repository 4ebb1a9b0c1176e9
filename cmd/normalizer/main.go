package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/broker"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/ops"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/service"
	"github.com/hive-corporation/watchtower-pipeline/internal/logging"
)

func main() {
	cfg := config.Load("normalizer")

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := broker.New(cfg.Broker, "normalizer", logger)
	defer bus.Close()

	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	if err := broker.DeclareTopology(ctx, bus, broker.PipelineTopology); err != nil {
		logger.Fatal("failed to declare topology", zap.Error(err))
	}

	normalizer := service.NewNormalizer(bus, logger)
	if err := normalizer.Run(ctx, bus, cfg.Broker.Prefetch); err != nil {
		logger.Fatal("failed to subscribe", zap.Error(err))
	}
	logger.Info("normalizer consuming", zap.Int("prefetch", cfg.Broker.Prefetch))

	opsServer := ops.New(cfg.Ops, cfg.Log.ServiceName, logger, ops.Check{Name: "broker", Probe: bus.Probe})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsServer.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("normalizer exited with error", zap.Error(err))
	}
	logger.Info("normalizer shut down")
}
