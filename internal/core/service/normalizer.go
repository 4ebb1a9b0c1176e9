package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

const stageNormalizer = "normalizer"

// Normalizer canonicalizes raw IoCs and forwards them to the normalized exchange.
type Normalizer struct {
	publisher ports.Publisher
	logger    *zap.Logger
}

func NewNormalizer(publisher ports.Publisher, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		publisher: publisher,
		logger:    logger.With(zap.String("stage", stageNormalizer)),
	}
}

// Run subscribes to the raw queue.
func (n *Normalizer) Run(ctx context.Context, subscriber ports.Subscriber, prefetch int) error {
	return subscriber.Subscribe(ctx, ports.QueueRaw, prefetch, n.Handle)
}

// Handle processes one raw message. Undecodable or invalid records are
// unprocessable and never forwarded.
func (n *Normalizer) Handle(ctx context.Context, body []byte) error {
	var raw domain.IoC
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.RecordDropped(stageNormalizer, "decode")
		return fmt.Errorf("%w: decode raw IoC: %v", ports.ErrUnprocessable, err)
	}

	ioc, err := domain.Normalize(raw)
	if err != nil {
		metrics.RecordDropped(stageNormalizer, "invalid")
		n.logger.Warn("dropping invalid IoC", zap.String("source", raw.Source), zap.Error(err))
		return fmt.Errorf("%w: %w", ports.ErrUnprocessable, err)
	}

	routingKey := ports.RoutingKey(ports.ExchangeNormalized, ioc.Source)
	if err := n.publisher.Publish(ctx, ports.ExchangeNormalized, routingKey, ioc); err != nil {
		return fmt.Errorf("publish normalized IoC: %w", err)
	}

	metrics.RecordPublished(stageNormalizer, ioc.Source)
	if ce := n.logger.Check(zap.DebugLevel, "IoC normalized"); ce != nil {
		ce.Write(zap.String("ioc", domain.Format(ioc)))
	}
	return nil
}
