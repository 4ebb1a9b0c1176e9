package broker

import (
	"context"

	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

// TopologyDeclarer is the subset of the broker needed to declare topology.
type TopologyDeclarer interface {
	DeclareExchange(ctx context.Context, name, kind string, durable bool) error
	DeclareQueue(ctx context.Context, name string, durable, exclusive, autoDelete bool) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
}

// Binding ties a durable topic exchange to its queue.
type Binding struct {
	Exchange string
	Queue    string
	Pattern  string
}

// PipelineTopology lists the exchanges and queues linking the pipeline stages.
var PipelineTopology = []Binding{
	{Exchange: ports.ExchangeRaw, Queue: ports.QueueRaw, Pattern: ports.ExchangeRaw + ".*"},
	{Exchange: ports.ExchangeNormalized, Queue: ports.QueueNormalized, Pattern: ports.ExchangeNormalized + ".*"},
	{Exchange: ports.ExchangeRelevant, Queue: ports.QueueRelevant, Pattern: ports.ExchangeRelevant + ".*"},
}

// DeclareTopology declares every exchange, queue and binding. All calls are
// idempotent so every process runs it at startup.
func DeclareTopology(ctx context.Context, d TopologyDeclarer, bindings []Binding) error {
	for _, bnd := range bindings {
		if err := d.DeclareExchange(ctx, bnd.Exchange, ports.ExchangeKindTopic, true); err != nil {
			return err
		}
		if err := d.DeclareQueue(ctx, bnd.Queue, true, false, false); err != nil {
			return err
		}
		if err := d.BindQueue(ctx, bnd.Queue, bnd.Exchange, bnd.Pattern); err != nil {
			return err
		}
	}
	return nil
}
