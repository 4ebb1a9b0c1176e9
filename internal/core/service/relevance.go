package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

const stageRelevance = "relevance"

// RelevanceChecker drops whitelisted IoCs and forwards the rest to the
// relevant exchange. Cache failures fail open.
type RelevanceChecker struct {
	cache         ports.WhitelistCache
	publisher     ports.Publisher
	sharedSources []string
	logger        *zap.Logger
}

// NewRelevanceChecker creates a checker that consults the IoC's own source
// plus sharedSources (e.g. MajesticMillion) for every lookup.
func NewRelevanceChecker(cache ports.WhitelistCache, publisher ports.Publisher, sharedSources []string, logger *zap.Logger) *RelevanceChecker {
	return &RelevanceChecker{
		cache:         cache,
		publisher:     publisher,
		sharedSources: sharedSources,
		logger:        logger.With(zap.String("stage", stageRelevance)),
	}
}

func (r *RelevanceChecker) Run(ctx context.Context, subscriber ports.Subscriber, prefetch int) error {
	return subscriber.Subscribe(ctx, ports.QueueNormalized, prefetch, r.Handle)
}

func (r *RelevanceChecker) Handle(ctx context.Context, body []byte) error {
	var ioc domain.IoC
	if err := json.Unmarshal(body, &ioc); err != nil {
		metrics.RecordDropped(stageRelevance, "decode")
		return fmt.Errorf("%w: decode normalized IoC: %v", ports.ErrUnprocessable, err)
	}

	whitelisted, err := r.cache.IsInAnyWhitelist(ctx, ioc.Value, r.sources(ioc.Source)...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("whitelist lookup failed, treating IoC as relevant",
			zap.String("source", ioc.Source), zap.String("value", ioc.Value), zap.Error(err))
		whitelisted = false
	}

	if whitelisted {
		metrics.RecordDropped(stageRelevance, "whitelisted")
		r.logger.Debug("IoC is whitelisted, dropping", zap.String("source", ioc.Source), zap.String("value", ioc.Value))
		return nil
	}

	routingKey := ports.RoutingKey(ports.ExchangeRelevant, ioc.Source)
	if err := r.publisher.Publish(ctx, ports.ExchangeRelevant, routingKey, ioc); err != nil {
		return fmt.Errorf("publish relevant IoC: %w", err)
	}
	metrics.RecordPublished(stageRelevance, ioc.Source)
	return nil
}

func (r *RelevanceChecker) sources(own string) []string {
	sources := make([]string, 0, len(r.sharedSources)+1)
	sources = append(sources, own)
	for _, s := range r.sharedSources {
		if !slices.Contains(sources, s) {
			sources = append(sources, s)
		}
	}
	return sources
}
