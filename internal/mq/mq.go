// Package mq is the in-process publish/subscribe bus that decouples event
// producers (webhook listener, chat interface) from consumers (scoring
// rules, announcers). Messages are addressed by dotted routing keys such as
// "points.add.42". Delivery is best-effort within one process lifetime;
// nothing survives a restart.
package mq

import (
	"context"

	"github.com/buildbot/highscore/internal/logging"
)

// Handler receives one published message. It runs on the transport's
// scheduler, never on the publisher's goroutine, and must not be assumed to
// have finished by the time Publish returns.
type Handler func(routingKey string, payload any)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Cancel deregisters the handler. No further deliveries occur for this
	// handle once Cancel returns, except that a delivery already scheduled
	// at call time may still be observed once.
	Cancel()
}

// Transport is a concrete message routing implementation. The required
// contract is exact-string key matching; transports are free to extend it
// (the bundled ones treat a '*' segment as a single-segment wildcard).
type Transport interface {
	Publish(routingKey string, payload any)
	Subscribe(h Handler, routingKeys ...string) (Subscription, error)
	Close() error
}

// Bus fronts a Transport chosen at construction time. Producers and
// consumers hold the Bus, not the transport, so swapping a broker-backed
// transport in is invisible to them.
type Bus struct {
	impl   Transport
	logger logging.Logger
}

func New(impl Transport, logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{impl: impl, logger: logger.With("module", "mq")}
}

// Publish delivers payload to every current subscriber matching routingKey.
// Publishing with no subscribers is a no-op. The payload must be treated as
// immutable by all parties once published.
func (b *Bus) Publish(routingKey string, payload any) {
	b.logger.Debug(context.Background(), "publish", "routing_key", routingKey)
	b.impl.Publish(routingKey, payload)
}

// Subscribe registers h for every future publish matching any of the keys.
func (b *Bus) Subscribe(h Handler, routingKeys ...string) (Subscription, error) {
	return b.impl.Subscribe(h, routingKeys...)
}

func (b *Bus) Close() error {
	return b.impl.Close()
}
