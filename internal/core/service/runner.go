package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
)

var errProviderTimeout = errors.New("provider timeout")

const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// job is one provider's collection for a single cycle.
type job struct {
	name string
	run  func(ctx context.Context) error
}

// cycleRunner fans out one task per provider each cycle, bounding how many
// run at once and how long each may take. A failing, slow or panicking
// provider only ends its own cycle.
type cycleRunner struct {
	kind    string
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
}

func newCycleRunner(kind string, concurrency int, timeout time.Duration, logger *zap.Logger) *cycleRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &cycleRunner{
		kind:    kind,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
		logger:  logger,
	}
}

// loop runs cycle immediately and then on every tick until ctx is done.
// Ticks that fire while a cycle is still running are dropped.
func (r *cycleRunner) loop(ctx context.Context, interval time.Duration, cycle func(ctx context.Context)) {
	cycle(ctx)
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// runCycle starts every job and waits for all of them.
func (r *cycleRunner) runCycle(ctx context.Context, jobs []job) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer r.sem.Release(1)
			r.runOne(ctx, j)
		}()
	}
	wg.Wait()
}

func (r *cycleRunner) runOne(ctx context.Context, j job) {
	logger := r.logger.With(zap.String("source", j.name))
	done := metrics.ProviderStarted(r.kind)
	defer done()

	start := time.Now()
	jobCtx, cancel := context.WithTimeoutCause(ctx, r.timeout, errProviderTimeout)
	defer cancel()

	err := r.invoke(jobCtx, j)
	elapsed := time.Since(start)

	outcome := classify(ctx, jobCtx, err)
	metrics.RecordProviderRun(r.kind, j.name, outcome, elapsed)

	switch outcome {
	case outcomeSuccess:
		logger.Info("provider cycle completed", zap.Duration("elapsed", elapsed))
	case outcomeCancelled:
		logger.Info("provider cycle cancelled by shutdown", zap.Duration("elapsed", elapsed))
	case outcomeTimeout:
		logger.Warn("provider cycle timed out", zap.Duration("timeout", r.timeout), zap.Error(err))
	default:
		logger.Error("provider cycle failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

func (r *cycleRunner) invoke(ctx context.Context, j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()
	return j.run(ctx)
}

// classify tells a shutdown apart from a provider's own timeout.
func classify(parent, jobCtx context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return outcomeCancelled
	case errors.Is(context.Cause(jobCtx), errProviderTimeout):
		return outcomeTimeout
	case err != nil:
		return outcomeError
	default:
		return outcomeSuccess
	}
}
