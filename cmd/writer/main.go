package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/broker"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/ops"
	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/repository"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/service"
	"github.com/hive-corporation/watchtower-pipeline/internal/logging"
)

func main() {
	cfg := config.Load("writer")

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := pgxpool.New(ctx, cfg.Writer.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	repo := repository.NewPostgresRepository(dbPool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}

	bus := broker.New(cfg.Broker, "writer", logger)
	defer bus.Close()

	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	if err := broker.DeclareTopology(ctx, bus, broker.PipelineTopology); err != nil {
		logger.Fatal("failed to declare topology", zap.Error(err))
	}

	writer := service.NewWriter(repo, cfg.Writer, logger)
	opsServer := ops.New(cfg.Ops, cfg.Log.ServiceName, logger,
		ops.Check{Name: "broker", Probe: bus.Probe},
		ops.Check{Name: "database", Probe: dbPool.Ping})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writer.Run(ctx) })
	g.Go(func() error { return writer.ReportStats(ctx) })
	g.Go(func() error { return opsServer.Run(ctx) })

	// A batch only fills when that many deliveries can be unacknowledged at once.
	if err := bus.Subscribe(ctx, ports.QueueRelevant, cfg.Writer.BatchSize, writer.Handle); err != nil {
		logger.Fatal("failed to subscribe", zap.Error(err))
	}
	logger.Info("writer consuming",
		zap.Int("batch_size", cfg.Writer.BatchSize),
		zap.Duration("flush_interval", cfg.Writer.FlushInterval))

	if err := g.Wait(); err != nil {
		logger.Error("writer exited with error", zap.Error(err))
	}
	logger.Info("writer shut down")
}
