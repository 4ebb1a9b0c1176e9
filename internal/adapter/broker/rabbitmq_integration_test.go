package broker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

// newIntegrationBroker connects to TEST_RABBITMQ_URL, declares the pipeline
// topology and empties the raw queue.
func newIntegrationBroker(t *testing.T) *RabbitMQ {
	t.Helper()
	url := os.Getenv("TEST_RABBITMQ_URL")
	if url == "" {
		t.Skip("TEST_RABBITMQ_URL not set")
	}

	b := New(config.BrokerConfig{
		URL:              url,
		RecoveryInterval: 50 * time.Millisecond,
		ConnectRetries:   3,
		Prefetch:         1,
	}, "broker-integration-test", zap.NewNop())
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := DeclareTopology(ctx, b, PipelineTopology); err != nil {
		t.Fatalf("DeclareTopology failed: %v", err)
	}

	ch, err := b.channel(purposeDeclare)
	if err != nil {
		t.Fatalf("channel failed: %v", err)
	}
	if _, err := ch.QueuePurge(ports.QueueRaw, false); err != nil {
		t.Fatalf("QueuePurge failed: %v", err)
	}
	return b
}

// queueDepth reports the number of ready messages in queue.
func queueDepth(t *testing.T, b *RabbitMQ, queue string) int {
	t.Helper()
	ch, err := b.channel(purposeDeclare)
	if err != nil {
		t.Fatalf("channel failed: %v", err)
	}
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		t.Fatalf("QueueDeclarePassive failed: %v", err)
	}
	return q.Messages
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func publishRaw(t *testing.T, b *RabbitMQ, value string) {
	t.Helper()
	if err := b.Publish(context.Background(), ports.ExchangeRaw, "ioc.raw.acme", map[string]string{"value": value}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestRabbitMQ_Integration_RoundTrip(t *testing.T) {
	b := newIntegrationBroker(t)

	var mu sync.Mutex
	var bodies []string
	err := b.Subscribe(context.Background(), ports.QueueRaw, 1, func(ctx context.Context, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, string(body))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	publishRaw(t, b, "1.2.3.4")
	received := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies)
	}
	waitFor(t, "delivery", func() bool { return received() == 1 })

	// give a redelivery the chance to show up
	time.Sleep(300 * time.Millisecond)
	if err := b.Unsubscribe(ports.QueueRaw); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if got := received(); got != 1 {
		t.Errorf("Expected exactly one delivery, got %d", got)
	}
	if bodies[0] != `{"value":"1.2.3.4"}` {
		t.Errorf("Unexpected body %q", bodies[0])
	}
	if depth := queueDepth(t, b, ports.QueueRaw); depth != 0 {
		t.Errorf("Expected acknowledged message to leave the queue, %d remain", depth)
	}
}

func TestRabbitMQ_Integration_HandlerErrorRedelivers(t *testing.T) {
	b := newIntegrationBroker(t)

	var calls atomic.Int32
	err := b.Subscribe(context.Background(), ports.QueueRaw, 1, func(ctx context.Context, body []byte) error {
		if calls.Add(1) == 1 {
			return errors.New("redis down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	publishRaw(t, b, "1.2.3.4")
	waitFor(t, "redelivery", func() bool { return calls.Load() == 2 })

	time.Sleep(300 * time.Millisecond)
	if err := b.Unsubscribe(ports.QueueRaw); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected 2 handler calls, got %d", got)
	}
	if depth := queueDepth(t, b, ports.QueueRaw); depth != 0 {
		t.Errorf("Expected queue to be empty, %d remain", depth)
	}
}

func TestRabbitMQ_Integration_UnprocessableIsDropped(t *testing.T) {
	b := newIntegrationBroker(t)

	var calls atomic.Int32
	err := b.Subscribe(context.Background(), ports.QueueRaw, 1, func(ctx context.Context, body []byte) error {
		calls.Add(1)
		return ports.ErrUnprocessable
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	publishRaw(t, b, "not-an-ioc")
	waitFor(t, "delivery", func() bool { return calls.Load() == 1 })

	time.Sleep(300 * time.Millisecond)
	if err := b.Unsubscribe(ports.QueueRaw); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected rejected message not to be redelivered, got %d calls", got)
	}
	if depth := queueDepth(t, b, ports.QueueRaw); depth != 0 {
		t.Errorf("Expected rejected message to be dropped, %d remain", depth)
	}
}

func TestRabbitMQ_Integration_PrefetchWorkers(t *testing.T) {
	b := newIntegrationBroker(t)

	const prefetch = 3
	var inFlight atomic.Int32
	release := make(chan struct{})
	allIn := make(chan struct{})
	var once sync.Once

	err := b.Subscribe(context.Background(), ports.QueueRaw, prefetch, func(ctx context.Context, body []byte) error {
		if inFlight.Add(1) == prefetch {
			once.Do(func() { close(allIn) })
		}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for range prefetch {
		publishRaw(t, b, "10.0.0.1")
	}

	select {
	case <-allIn:
	case <-time.After(5 * time.Second):
		t.Fatalf("Expected %d concurrent handlers, saw %d", prefetch, inFlight.Load())
	}
	close(release)

	if err := b.Unsubscribe(ports.QueueRaw); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
}

func TestRabbitMQ_Integration_ResubscribesAfterChannelLoss(t *testing.T) {
	b := newIntegrationBroker(t)

	var calls atomic.Int32
	err := b.Subscribe(context.Background(), ports.QueueRaw, 1, func(ctx context.Context, body []byte) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	publishRaw(t, b, "10.0.0.1")
	waitFor(t, "first delivery", func() bool { return calls.Load() == 1 })

	b.mu.Lock()
	ch := b.channels[subscribePurpose(ports.QueueRaw)]
	b.mu.Unlock()
	if ch == nil {
		t.Fatal("Expected a cached subscribe channel")
	}
	ch.Close()

	publishRaw(t, b, "10.0.0.2")
	waitFor(t, "delivery after re-subscribe", func() bool { return calls.Load() == 2 })
}

func TestRabbitMQ_Integration_CloseStopsSubscriptions(t *testing.T) {
	b := newIntegrationBroker(t)

	started := make(chan struct{})
	var finished atomic.Bool
	err := b.Subscribe(context.Background(), ports.QueueRaw, 1, func(ctx context.Context, body []byte) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	publishRaw(t, b, "10.0.0.1")
	<-started

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Close returned before the in-flight handler finished")
	}
	if err := b.Subscribe(context.Background(), ports.QueueRaw, 1, func(ctx context.Context, body []byte) error { return nil }); !errors.Is(err, ErrDisposed) {
		t.Errorf("Expected ErrDisposed after Close, got %v", err)
	}
}
