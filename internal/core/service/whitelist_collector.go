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

// WhitelistCollector refreshes the whitelist cache from popularity lists.
type WhitelistCollector struct {
	providers []ports.WhitelistProvider
	cache     ports.WhitelistCache
	runner    *cycleRunner
	cfg       config.WhitelistConfig
	logger    *zap.Logger
}

func NewWhitelistCollector(providers []ports.WhitelistProvider, cache ports.WhitelistCache, cfg config.WhitelistConfig, logger *zap.Logger) *WhitelistCollector {
	logger = logger.With(zap.String("stage", "whitelist"))
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	return &WhitelistCollector{
		providers: providers,
		cache:     cache,
		runner:    newCycleRunner("whitelist", cfg.Concurrency, cfg.ProviderTimeout, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

func (w *WhitelistCollector) Run(ctx context.Context) error {
	w.logger.Info("whitelist collector started",
		zap.Int("providers", len(w.providers)),
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("ttl", w.cfg.TTL))

	w.runner.loop(ctx, w.cfg.Interval, w.RunOnce)

	w.logger.Info("whitelist collector stopped")
	return nil
}

func (w *WhitelistCollector) RunOnce(ctx context.Context) {
	jobs := make([]job, len(w.providers))
	for i, p := range w.providers {
		jobs[i] = job{name: p.Name(), run: func(ctx context.Context) error { return w.collect(ctx, p) }}
	}
	w.runner.runCycle(ctx, jobs)
}

// collect writes the provider's values in batches. Each batch is one
// AddToWhitelistBatch call under the global whitelist lock. A cancelled
// cycle drops its pending partial batch rather than writing it.
func (w *WhitelistCollector) collect(ctx context.Context, p ports.WhitelistProvider) error {
	name := p.Name()
	logger := w.logger.With(zap.String("source", name))

	batch := make([]string, 0, w.cfg.BatchSize)
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.cache.AddToWhitelistBatch(ctx, name, batch, w.cfg.TTL); err != nil {
			return fmt.Errorf("write batch of %d after %d entries: %w", len(batch), written, err)
		}
		written += len(batch)
		metrics.RecordWhitelistEntries(name, len(batch))
		batch = batch[:0]
		return nil
	}

	var errs []error
	for value, err := range p.Collect(ctx) {
		if err != nil {
			logger.Warn("whitelist provider reported an error", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if value == "" {
			continue
		}

		batch = append(batch, value)
		if len(batch) >= w.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if ctx.Err() != nil {
		logger.Warn("whitelist cycle interrupted, pending batch discarded",
			zap.Int("written", written), zap.Int("discarded", len(batch)))
		return context.Cause(ctx)
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Info("whitelist refresh finished", zap.Int("written", written))
	return errors.Join(errs...)
}
