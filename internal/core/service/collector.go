package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

const stageCollector = "collector"

// Collector polls the threat feeds and streams every IoC to the raw exchange
// as soon as the feed yields it.
type Collector struct {
	providers []ports.ThreatProvider
	publisher ports.Publisher
	runner    *cycleRunner
	cfg       config.CollectorConfig
	logger    *zap.Logger
}

func NewCollector(providers []ports.ThreatProvider, publisher ports.Publisher, cfg config.CollectorConfig, logger *zap.Logger) *Collector {
	logger = logger.With(zap.String("stage", stageCollector))
	return &Collector{
		providers: providers,
		publisher: publisher,
		runner:    newCycleRunner("threat", cfg.Concurrency, cfg.ProviderTimeout, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run collects immediately and then every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("collector started",
		zap.Int("providers", len(c.providers)),
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("concurrency", c.cfg.Concurrency))

	c.runner.loop(ctx, c.cfg.Interval, c.RunOnce)

	c.logger.Info("collector stopped")
	return nil
}

// RunOnce runs a single collection cycle across all providers.
func (c *Collector) RunOnce(ctx context.Context) {
	jobs := make([]job, len(c.providers))
	for i, p := range c.providers {
		jobs[i] = job{name: p.Name(), run: func(ctx context.Context) error { return c.collect(ctx, p) }}
	}
	c.runner.runCycle(ctx, jobs)
}

func (c *Collector) collect(ctx context.Context, p ports.ThreatProvider) error {
	name := p.Name()
	routingKey := ports.RoutingKey(ports.ExchangeRaw, name)
	logger := c.logger.With(zap.String("source", name))

	var published int
	var errs []error
	for ioc, err := range p.Collect(ctx) {
		if err != nil {
			logger.Warn("provider reported an error", zap.Error(err))
			errs = append(errs, err)
			continue
		}

		ioc.Source = name
		if err := c.publisher.Publish(ctx, ports.ExchangeRaw, routingKey, ioc); err != nil {
			metrics.RecordDropped(stageCollector, "publish")
			return fmt.Errorf("publish to %s after %d IoCs: %w", ports.ExchangeRaw, published, err)
		}
		published++
		metrics.RecordPublished(stageCollector, name)
	}

	logger.Info("provider collection finished", zap.Int("published", published), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}
