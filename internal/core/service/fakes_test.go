package service

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

type published struct {
	exchange   string
	routingKey string
	body       []byte
}

// fakePublisher records every published message as JSON.
type fakePublisher struct {
	mu        sync.Mutex
	messages  []published
	err       error
	onPublish func(n int)
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	if f.err != nil {
		return f.err
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, published{exchange, routingKey, body})
	n := len(f.messages)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func (f *fakePublisher) iocs() []domain.IoC {
	var out []domain.IoC
	for _, m := range f.all() {
		var ioc domain.IoC
		if err := json.Unmarshal(m.body, &ioc); err == nil {
			out = append(out, ioc)
		}
	}
	return out
}

// fakeThreatProvider yields its items, optionally running before each yield.
type fakeThreatProvider struct {
	name   string
	items  []domain.IoC
	errs   []error
	before func(ctx context.Context, i int) error
}

func (p *fakeThreatProvider) Name() string { return p.name }

func (p *fakeThreatProvider) Collect(ctx context.Context) iter.Seq2[domain.IoC, error] {
	return func(yield func(domain.IoC, error) bool) {
		for i, item := range p.items {
			if p.before != nil {
				if err := p.before(ctx, i); err != nil {
					yield(domain.IoC{}, err)
					return
				}
			}
			if !yield(item, nil) {
				return
			}
		}
		for _, err := range p.errs {
			if !yield(domain.IoC{}, err) {
				return
			}
		}
	}
}

type fakeWhitelistProvider struct {
	name   string
	values []string
	before func(ctx context.Context, i int) error
}

func (p *fakeWhitelistProvider) Name() string { return p.name }

func (p *fakeWhitelistProvider) Collect(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i, v := range p.values {
			if p.before != nil {
				if err := p.before(ctx, i); err != nil {
					yield("", err)
					return
				}
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// fakeWhitelistCache records batch writes.
type fakeWhitelistCache struct {
	mu      sync.Mutex
	batches [][]string
	entries map[string]bool
	err     error
	readErr error
}

func (f *fakeWhitelistCache) IsInWhitelist(ctx context.Context, source, value string) (bool, error) {
	return f.IsInAnyWhitelist(ctx, value, source)
}

func (f *fakeWhitelistCache) IsInAnyWhitelist(ctx context.Context, value string, sources ...string) (bool, error) {
	if f.readErr != nil {
		return false, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sources {
		if f.entries[s+":"+value] {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeWhitelistCache) AddToWhitelistBatch(ctx context.Context, source string, values []string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string]bool)
	}
	f.batches = append(f.batches, append([]string(nil), values...))
	for _, v := range values {
		f.entries[source+":"+v] = true
	}
	return nil
}

// memoryBus is an in-process topic broker: each queue is bound to
// "{exchange}.*" and deliveries are handed to the subscribed handler
// synchronously. Messages for queues without a subscriber are retained.
type memoryBus struct {
	mu       sync.Mutex
	handlers map[string]ports.MessageHandler
	retained map[string][][]byte
	acks     map[string]int
	nacks    map[string]int
	rejects  map[string]int
}

func newMemoryBus() *memoryBus {
	return &memoryBus{
		handlers: make(map[string]ports.MessageHandler),
		retained: make(map[string][][]byte),
		acks:     make(map[string]int),
		nacks:    make(map[string]int),
		rejects:  make(map[string]int),
	}
}

var busBindings = map[string]string{
	ports.ExchangeRaw:        ports.QueueRaw,
	ports.ExchangeNormalized: ports.QueueNormalized,
	ports.ExchangeRelevant:   ports.QueueRelevant,
}

func (b *memoryBus) Subscribe(ctx context.Context, queue string, prefetch int, handler ports.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = handler
	return nil
}

func (b *memoryBus) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	queue, ok := busBindings[exchange]
	if !ok || !strings.HasPrefix(routingKey, exchange+".") || strings.Contains(strings.TrimPrefix(routingKey, exchange+"."), ".") {
		return nil // unroutable, dropped like an AMQP exchange would
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	b.mu.Lock()
	handler := b.handlers[queue]
	if handler == nil {
		b.retained[queue] = append(b.retained[queue], body)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err = handler(ctx, body)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.acks[queue]++
	case errors.Is(err, ports.ErrUnprocessable):
		b.rejects[queue]++
	default:
		b.nacks[queue]++
	}
	return nil
}

func (b *memoryBus) retainedIoCs(queue string) []domain.IoC {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.IoC
	for _, body := range b.retained[queue] {
		var ioc domain.IoC
		if err := json.Unmarshal(body, &ioc); err == nil {
			out = append(out, ioc)
		}
	}
	return out
}

type fakeRepository struct {
	mu      sync.Mutex
	batches [][]domain.IoC
	err     error
}

func (f *fakeRepository) SaveBatch(ctx context.Context, iocs []domain.IoC) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]domain.IoC(nil), iocs...))
	return nil
}

func (f *fakeRepository) CountByType(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"ip": 1}, nil
}

func (f *fakeRepository) CountBySource(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"ThreatFox": 1}, nil
}

func (f *fakeRepository) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sizes []int
	for _, b := range f.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}
