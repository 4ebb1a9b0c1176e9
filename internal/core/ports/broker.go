package ports

import (
	"context"
	"errors"
	"strings"
)

// Queue topology shared with every service that reads or writes the pipeline.
const (
	ExchangeRaw        = "ioc.raw"
	ExchangeNormalized = "ioc.normalized"
	ExchangeRelevant   = "ioc.relevant"

	QueueRaw        = "ioc.raw.queue"
	QueueNormalized = "ioc.normalized.queue"
	QueueRelevant   = "ioc.relevant.queue"

	ExchangeKindTopic = "topic"
)

// ErrUnprocessable marks a message that can never succeed (malformed JSON,
// missing required fields). Subscribers drop such messages instead of
// requeueing them.
var ErrUnprocessable = errors.New("unprocessable message")

// MessageHandler processes one delivered message body. A nil return
// acknowledges the message; any other error requeues it unless it wraps
// ErrUnprocessable.
type MessageHandler func(ctx context.Context, body []byte) error

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, message any) error
}

type Subscriber interface {
	// Subscribe starts consuming queue in the background until ctx is done.
	// prefetch bounds the number of unacknowledged messages in flight and
	// the number of concurrent handler invocations.
	Subscribe(ctx context.Context, queue string, prefetch int, handler MessageHandler) error
}

// RoutingKey builds "{exchange}.{source}", e.g. "ioc.raw.threatfox". The source
// is lower-cased and reduced to a single topic word so it matches the
// "{exchange}.*" queue bindings.
func RoutingKey(exchange, source string) string {
	word := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return '-'
		}
	}, source)
	if word == "" {
		word = "unknown"
	}
	return exchange + "." + word
}
