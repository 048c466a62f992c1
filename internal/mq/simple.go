package mq

import (
	"context"
	"strings"
	"sync"

	"github.com/buildbot/highscore/internal/logging"
)

// SimpleTransport routes messages entirely in memory. Publishes go onto an
// unbounded FIFO drained by a single dispatch goroutine that invokes each
// delivery's matching handlers one after another in registration order: for
// any one publish, an earlier-registered subscriber's callback finishes
// before a later-registered one starts. Publish itself only enqueues and
// never blocks on a handler.
type SimpleTransport struct {
	logger logging.Logger

	mu    sync.Mutex
	subs  []*simpleSub // registration order
	queue []delivery

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func NewSimpleTransport(logger logging.Logger) *SimpleTransport {
	if logger == nil {
		logger = logging.Discard()
	}
	t := &SimpleTransport{
		logger: logger.With("module", "mq.simple"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.dispatch()
	return t
}

type delivery struct {
	key     string
	payload any
}

type simpleSub struct {
	t        *SimpleTransport
	handler  Handler
	patterns [][]string

	cancelled bool // guarded by t.mu
}

func (t *SimpleTransport) Publish(routingKey string, payload any) {
	t.mu.Lock()
	t.queue = append(t.queue, delivery{key: routingKey, payload: payload})
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *SimpleTransport) Subscribe(h Handler, routingKeys ...string) (Subscription, error) {
	sub := &simpleSub{t: t, handler: h}
	for _, key := range routingKeys {
		sub.patterns = append(sub.patterns, strings.Split(key, "."))
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

func (t *SimpleTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// dispatch drains the publish queue. Handlers for one delivery run
// sequentially in registration order, so a slow handler delays
// later-registered handlers for that publish; that is the contract.
func (t *SimpleTransport) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			d := t.queue[0]
			t.queue = t.queue[1:]
			subs := make([]*simpleSub, len(t.subs))
			copy(subs, t.subs)
			t.mu.Unlock()

			segments := strings.Split(d.key, ".")
			for _, sub := range subs {
				select {
				case <-t.done:
					return
				default:
				}
				t.mu.Lock()
				skip := sub.cancelled
				t.mu.Unlock()
				if skip || !sub.matches(segments) {
					continue
				}
				t.invoke(sub, d)
			}
		}
	}
}

// invoke isolates handler panics: they are logged and dispatch moves on to
// the next subscriber.
func (t *SimpleTransport) invoke(sub *simpleSub, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error(context.Background(), "subscriber panicked",
				"routing_key", d.key, "panic", r)
		}
	}()
	sub.handler(d.key, d.payload)
}

func (s *simpleSub) matches(segments []string) bool {
	for _, pattern := range s.patterns {
		if matchKey(pattern, segments) {
			return true
		}
	}
	return false
}

// matchKey compares a dotted key segment-wise; a '*' pattern segment matches
// any single segment.
func matchKey(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i := range pattern {
		if pattern[i] != "*" && pattern[i] != segments[i] {
			return false
		}
	}
	return true
}

func (s *simpleSub) Cancel() {
	s.t.mu.Lock()
	s.cancelled = true
	for i, sub := range s.t.subs {
		if sub == s {
			s.t.subs = append(s.t.subs[:i], s.t.subs[i+1:]...)
			break
		}
	}
	s.t.mu.Unlock()
}
