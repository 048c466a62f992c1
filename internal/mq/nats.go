package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/buildbot/highscore/internal/logging"
)

// NATSTransport routes messages through a NATS server, letting several
// highscore collaborators share one bus. Payloads are JSON-encoded, so
// subscribers see map[string]any/[]any values rather than the publisher's
// concrete types. Core NATS delivery is at-most-once and does not survive a
// restart, which matches the bus contract.
//
// Routing keys map directly onto NATS subjects; the '*' single-segment
// wildcard means the same thing on both sides.
type NATSTransport struct {
	conn   *nats.Conn
	logger logging.Logger
}

func NewNATSTransport(url string, logger logging.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	conn, err := nats.Connect(url, nats.Name("highscore"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSTransport{conn: conn, logger: logger.With("module", "mq.nats")}, nil
}

func (t *NATSTransport) Publish(routingKey string, payload any) {
	ctx := context.Background()
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error(ctx, "dropping unencodable payload", "routing_key", routingKey, "error", err)
		return
	}
	if err := t.conn.Publish(routingKey, data); err != nil {
		t.logger.Error(ctx, "publish failed", "routing_key", routingKey, "error", err)
	}
}

func (t *NATSTransport) Subscribe(h Handler, routingKeys ...string) (Subscription, error) {
	subs := make([]*nats.Subscription, 0, len(routingKeys))
	for _, key := range routingKeys {
		sub, err := t.conn.Subscribe(key, func(m *nats.Msg) {
			var payload any
			if err := json.Unmarshal(m.Data, &payload); err != nil {
				t.logger.Error(context.Background(), "dropping undecodable message",
					"subject", m.Subject, "error", err)
				return
			}
			h(m.Subject, payload)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribing to %s: %w", key, err)
		}
		subs = append(subs, sub)
	}
	return &natsSubscription{subs: subs}, nil
}

func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}

type natsSubscription struct {
	subs []*nats.Subscription
}

func (s *natsSubscription) Cancel() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}
