package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/config"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

var (
	// ErrDisposed is returned by every operation after Close.
	ErrDisposed = errors.New("broker disposed")
	// ErrNotConnected is returned when no connection could be established.
	ErrNotConnected = errors.New("broker not connected")
)

// channel purposes; each owns its own AMQP channel
const (
	purposeDeclare = "declare"
	purposeBind    = "bind"
	purposePublish = "publish"
)

func subscribePurpose(queue string) string {
	return "subscribe_" + queue
}

// RabbitMQ shares one connection between all pipeline operations and caches
// one channel per logical purpose.
type RabbitMQ struct {
	cfg    config.BrokerConfig
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channels map[string]*amqp.Channel
	subs     map[string]*subscription
	disposed bool

	dial func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

type subscription struct {
	queue    string
	prefetch int
	handler  ports.MessageHandler
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a broker client. No connection is opened until Connect or the
// first operation.
func New(cfg config.BrokerConfig, connectionName string, logger *zap.Logger) *RabbitMQ {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQ{
		cfg:      cfg,
		name:     connectionName,
		logger:   logger.With(zap.String("component", "broker")),
		channels: make(map[string]*amqp.Channel),
		subs:     make(map[string]*subscription),
		dial:     amqp.DialConfig,
	}
}

// Connect opens the shared connection, retrying with a fixed interval.
func (b *RabbitMQ) Connect(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RecoveryInterval), uint64(max(b.cfg.ConnectRetries, 0))),
		ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.disposed {
			return backoff.Permanent(ErrDisposed)
		}
		if _, err := b.connectionLocked(); err != nil {
			b.logger.Warn("RabbitMQ connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}, policy)
}

// connectionLocked returns the live connection, redialing if it was lost.
// Callers must hold b.mu.
func (b *RabbitMQ) connectionLocked() (*amqp.Connection, error) {
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(b.name)

	conn, err := b.dial(b.cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	// channels of a dead connection are unusable
	b.channels = make(map[string]*amqp.Channel)
	b.conn = conn
	go b.watchConnection(conn)

	b.logger.Info("connected to RabbitMQ")
	return conn, nil
}

func (b *RabbitMQ) watchConnection(conn *amqp.Connection) {
	closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if ok && closeErr != nil {
		b.logger.Warn("RabbitMQ connection lost", zap.String("reason", closeErr.Reason), zap.Int("code", closeErr.Code))
	}
}

// channel returns the cached channel for purpose, opening a new one when
// absent or closed.
func (b *RabbitMQ) channel(purpose string) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil, ErrDisposed
	}

	if ch, ok := b.channels[purpose]; ok && !ch.IsClosed() {
		return ch, nil
	}

	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s channel: %w", purpose, err)
	}
	if purpose == purposePublish {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}

	b.channels[purpose] = ch
	return ch, nil
}

func (b *RabbitMQ) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	ch, err := b.channel(purposeDeclare)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

func (b *RabbitMQ) DeclareQueue(ctx context.Context, name string, durable, exclusive, autoDelete bool) error {
	ch, err := b.channel(purposeDeclare)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

func (b *RabbitMQ) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	ch, err := b.channel(purposeBind)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s to %s with %s: %w", queue, exchange, routingKey, err)
	}
	return nil
}

// Publish sends message as persistent JSON and waits for the broker confirm.
// It does not retry.
func (b *RabbitMQ) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, err := b.channel(purposePublish)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message for %s/%s", exchange, routingKey)
	}
	return nil
}

// Subscribe starts consuming queue on a dedicated channel with manual acks.
// The first consumer is established before Subscribe returns; afterwards the
// subscription survives connection loss by re-consuming every
// RecoveryInterval until ctx is cancelled, Unsubscribe, or Close.
func (b *RabbitMQ) Subscribe(ctx context.Context, queue string, prefetch int, handler ports.MessageHandler) error {
	if prefetch < 1 {
		prefetch = 1
	}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	if _, exists := b.subs[queue]; exists {
		b.mu.Unlock()
		return fmt.Errorf("queue %s already has a subscription", queue)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	b.subs[queue] = sub
	b.mu.Unlock()

	deliveries, err := b.consume(subCtx, sub)
	if err != nil {
		cancel()
		close(sub.done)
		b.mu.Lock()
		delete(b.subs, queue)
		b.mu.Unlock()
		return err
	}

	go b.run(subCtx, sub, deliveries)
	return nil
}

func (b *RabbitMQ) consume(ctx context.Context, sub *subscription) (<-chan amqp.Delivery, error) {
	ch, err := b.channel(subscribePurpose(sub.queue))
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(sub.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch on %s: %w", sub.queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, sub.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", sub.queue, err)
	}
	return deliveries, nil
}

func (b *RabbitMQ) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	defer close(sub.done)
	logger := b.logger.With(zap.String("queue", sub.queue))
	logger.Info("subscription started", zap.Int("prefetch", sub.prefetch))

	for {
		b.drain(ctx, sub, deliveries, logger)
		if ctx.Err() != nil {
			logger.Info("subscription stopped")
			return
		}

		logger.Warn("delivery channel closed, re-subscribing", zap.Duration("interval", b.cfg.RecoveryInterval))
		policy := backoff.WithContext(backoff.NewConstantBackOff(b.cfg.RecoveryInterval), ctx)
		err := backoff.RetryNotify(func() error {
			var err error
			deliveries, err = b.consume(ctx, sub)
			if errors.Is(err, ErrDisposed) {
				return backoff.Permanent(err)
			}
			return err
		}, policy, func(err error, next time.Duration) {
			logger.Warn("re-subscribe failed", zap.Error(err), zap.Duration("retry_in", next))
		})
		if err != nil {
			logger.Info("subscription stopped", zap.Error(err))
			return
		}
		logger.Info("subscription re-established")
	}
}

// drain runs sub.prefetch workers over deliveries until the channel closes.
func (b *RabbitMQ) drain(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, logger *zap.Logger) {
	var wg sync.WaitGroup
	for i := 0; i < sub.prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				handleDelivery(ctx, d, sub.handler, logger)
			}
		}()
	}
	wg.Wait()
}

// handleDelivery acks on success, rejects without requeue for unprocessable
// messages and nacks with requeue for everything else.
func handleDelivery(ctx context.Context, d amqp.Delivery, handler ports.MessageHandler, logger *zap.Logger) {
	err := invoke(ctx, d.Body, handler)

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", zap.String("message_id", d.MessageId), zap.Error(ackErr))
		}
	case errors.Is(err, ports.ErrUnprocessable):
		logger.Warn("rejecting unprocessable message", zap.String("message_id", d.MessageId),
			zap.String("routing_key", d.RoutingKey), zap.Error(err))
		if rejErr := d.Reject(false); rejErr != nil {
			logger.Error("failed to reject message", zap.String("message_id", d.MessageId), zap.Error(rejErr))
		}
	default:
		logger.Error("message handler failed, requeueing", zap.String("message_id", d.MessageId),
			zap.String("routing_key", d.RoutingKey), zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack message", zap.String("message_id", d.MessageId), zap.Error(nackErr))
		}
	}
}

func invoke(ctx context.Context, body []byte, handler ports.MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, body)
}

// Unsubscribe stops the consumer of queue and closes its channel.
func (b *RabbitMQ) Unsubscribe(queue string) error {
	b.mu.Lock()
	sub, ok := b.subs[queue]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("queue %s has no subscription", queue)
	}
	delete(b.subs, queue)
	b.mu.Unlock()

	sub.cancel()
	b.closeChannel(subscribePurpose(queue))
	<-sub.done
	return nil
}

func (b *RabbitMQ) closeChannel(purpose string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[purpose]; ok {
		delete(b.channels, purpose)
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			b.logger.Warn("failed to close channel", zap.String("purpose", purpose), zap.Error(err))
		}
	}
}

// Healthy reports whether the shared connection is open.
func (b *RabbitMQ) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disposed && b.conn != nil && !b.conn.IsClosed()
}

// Probe adapts Healthy to a readiness check.
func (b *RabbitMQ) Probe(ctx context.Context) error {
	if !b.Healthy() {
		return ErrNotConnected
	}
	return nil
}

// Close stops all subscriptions, then closes every channel and the
// connection. It is safe to call more than once.
func (b *RabbitMQ) Close() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}

	b.mu.Lock()
	channels := b.channels
	b.channels = make(map[string]*amqp.Channel)
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	var errs []error
	for purpose, ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s channel: %w", purpose, err))
		}
	}
	for _, sub := range subs {
		<-sub.done
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	b.logger.Info("RabbitMQ broker disposed")
	return errors.Join(errs...)
}
