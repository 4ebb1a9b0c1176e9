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
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/provider"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/service"
	"github.com/hive-corporation/watchtower-pipeline/internal/logging"
)

func main() {
	cfg := config.Load("collector")

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := broker.New(cfg.Broker, "collector", logger)
	defer bus.Close()

	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	if err := broker.DeclareTopology(ctx, bus, broker.PipelineTopology); err != nil {
		logger.Fatal("failed to declare topology", zap.Error(err))
	}

	providers := provider.ThreatProviders(cfg.HTTP, logger)
	collector := service.NewCollector(providers, bus, cfg.Collector, logger)
	opsServer := ops.New(cfg.Ops, cfg.Log.ServiceName, logger, ops.Check{Name: "broker", Probe: bus.Probe})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return collector.Run(ctx) })
	g.Go(func() error { return opsServer.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("collector exited with error", zap.Error(err))
	}
	logger.Info("collector shut down")
}
