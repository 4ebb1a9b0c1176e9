package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

type writeRequest struct {
	ioc  domain.IoC
	done chan error
}

// Writer persists relevant IoCs in batches. Each Handle call blocks until the
// batch holding its IoC is committed, so a message is acknowledged only once
// it is stored.
type Writer struct {
	repo     ports.IOCRepository
	cfg      config.WriterConfig
	logger   *zap.Logger
	requests chan writeRequest
}

func NewWriter(repo ports.IOCRepository, cfg config.WriterConfig, logger *zap.Logger) *Writer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	return &Writer{
		repo:     repo,
		cfg:      cfg,
		logger:   logger.With(zap.String("stage", "writer")),
		requests: make(chan writeRequest),
	}
}

// Handle queues one relevant IoC and waits for its batch to be written.
func (w *Writer) Handle(ctx context.Context, body []byte) error {
	var ioc domain.IoC
	if err := json.Unmarshal(body, &ioc); err != nil {
		return fmt.Errorf("%w: decode relevant IoC: %v", ports.ErrUnprocessable, err)
	}

	req := writeRequest{ioc: ioc, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run accumulates requests and flushes when the batch is full or the flush
// interval elapses. Pending requests fail with ctx's error on shutdown.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]writeRequest, 0, w.cfg.BatchSize)
	total := 0

	flush := func() {
		if len(pending) == 0 {
			return
		}
		iocs := make([]domain.IoC, len(pending))
		for i, req := range pending {
			iocs[i] = req.ioc
		}

		err := w.repo.SaveBatch(ctx, iocs)
		if err != nil {
			w.logger.Error("failed to save batch", zap.Int("size", len(iocs)), zap.Error(err))
		} else {
			total += len(iocs)
			w.logger.Info("batch saved", zap.Int("size", len(iocs)), zap.Int("total", total))
		}
		for _, req := range pending {
			req.done <- err
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for _, req := range pending {
				req.done <- ctx.Err()
			}
			w.logger.Info("writer stopped", zap.Int("total", total))
			return nil
		case req := <-w.requests:
			pending = append(pending, req)
			if len(pending) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// ReportStats logs the aggregate counts of stored IoCs every interval.
func (w *Writer) ReportStats(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			byType, err := w.repo.CountByType(ctx)
			if err != nil {
				w.logger.Warn("failed to count IoCs by type", zap.Error(err))
				continue
			}
			bySource, err := w.repo.CountBySource(ctx)
			if err != nil {
				w.logger.Warn("failed to count IoCs by source", zap.Error(err))
				continue
			}
			w.logger.Info("stored IoC counts", zap.Any("by_type", byType), zap.Any("by_source", bySource))
		}
	}
}
