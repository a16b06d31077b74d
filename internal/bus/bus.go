// Package bus provides the host-side message bus: topic pub/sub plus
// typed request/response channels used to route traffic between plugins
// and host services.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus errors.
var (
	// ErrTimeout is returned when a request receives no response in time.
	ErrTimeout = errors.New("bus: request timed out")

	// ErrNoSubscribers is returned when a request targets a topic with
	// no listeners at all.
	ErrNoSubscribers = errors.New("bus: no subscribers for topic")

	// ErrClosed is returned for operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// DefaultRequestTimeout bounds a request with no explicit timeout.
const DefaultRequestTimeout = 10 * time.Second

// Envelope is a message delivered to subscribers. When ReplyExpected is
// set, exactly one handler should answer via Bus.Respond.
type Envelope struct {
	ID            string
	Topic         string
	Payload       any
	ReplyExpected bool
}

// Handler receives envelopes for a subscribed topic.
type Handler func(msg Envelope)

type subscription struct {
	id      string
	topic   string
	handler Handler
}

type pendingReply struct {
	ch    chan any
	timer *time.Timer
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published         uint64
	Delivered         uint64
	HandlerPanics     uint64
	OrphanedReplies   uint64
	PendingRequests   int
	ActiveSubscribers int
}

// Bus routes envelopes between publishers and subscribers. Handler
// failures are isolated per handler: one failing subscriber cannot break
// dispatch to the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	global []*subscription
	closed bool

	pmu     sync.Mutex
	pending map[string]*pendingReply

	published       atomic.Uint64
	delivered       atomic.Uint64
	handlerPanics   atomic.Uint64
	orphanedReplies atomic.Uint64

	// Logf receives protocol warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string][]*subscription),
		pending: make(map[string]*pendingReply),
		Logf:    log.Printf,
	}
}

// Subscribe registers a handler for a topic. The returned function
// removes the subscription.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	if handler == nil || topic == "" {
		return func() {}
	}

	sub := &subscription{id: uuid.NewString(), topic: topic, handler: handler}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

// SubscribeAll registers a global listener receiving every envelope.
func (b *Bus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	sub := &subscription{id: uuid.NewString(), handler: handler}

	b.mu.Lock()
	b.global = append(b.global, sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.topic == "" {
		for i, s := range b.global {
			if s.id == sub.id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				return
			}
		}
		return
	}

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers a payload to every subscriber of the topic plus all
// global listeners. Fire-and-forget: handler errors never propagate.
func (b *Bus) Publish(topic string, payload any) {
	b.dispatch(Envelope{ID: uuid.NewString(), Topic: topic, Payload: payload})
}

// Request publishes a response-expected envelope and waits for the
// answer, the timeout, or context cancellation.
func (b *Bus) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	b.mu.RLock()
	closed := b.closed
	listeners := len(b.subs[topic]) + len(b.global)
	b.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if listeners == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSubscribers, topic)
	}

	env := Envelope{ID: uuid.NewString(), Topic: topic, Payload: payload, ReplyExpected: true}
	p := &pendingReply{ch: make(chan any, 1)}

	b.pmu.Lock()
	b.pending[env.ID] = p
	b.pmu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		if b.takePending(env.ID) != nil {
			p.ch <- fmt.Errorf("%w: %s after %s", ErrTimeout, topic, timeout)
		}
	})

	b.dispatch(env)

	select {
	case <-ctx.Done():
		if b.takePending(env.ID) != nil {
			p.timer.Stop()
		}
		return nil, ctx.Err()
	case v := <-p.ch:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v, nil
	}
}

// Respond answers a response-expected envelope. Responding to one that
// was not marked, or that already timed out, logs a warning and is a
// no-op.
func (b *Bus) Respond(msg Envelope, result any) {
	if !msg.ReplyExpected {
		b.orphanedReplies.Add(1)
		b.Logf("bus: respond to non-request envelope %s on %q ignored", msg.ID, msg.Topic)
		return
	}

	p := b.takePending(msg.ID)
	if p == nil {
		b.orphanedReplies.Add(1)
		b.Logf("bus: late response for %s on %q ignored", msg.ID, msg.Topic)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- result
}

// RespondError answers a response-expected envelope with an error.
func (b *Bus) RespondError(msg Envelope, err error) {
	if err == nil {
		b.Respond(msg, nil)
		return
	}
	b.Respond(msg, err)
}

func (b *Bus) takePending(id string) *pendingReply {
	b.pmu.Lock()
	defer b.pmu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

// dispatch delivers an envelope to topic subscribers and global
// listeners, isolating each handler.
func (b *Bus) dispatch(env Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]*subscription, 0, len(b.subs[env.Topic])+len(b.global))
	handlers = append(handlers, b.subs[env.Topic]...)
	handlers = append(handlers, b.global...)
	b.mu.RUnlock()

	b.published.Add(1)

	for _, sub := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					b.handlerPanics.Add(1)
					b.Logf("bus: handler for %q panicked: %v", env.Topic, rec)
				}
			}()
			sub.handler(env)
			b.delivered.Add(1)
		}()
	}
}

// Close rejects all pending requests and drops subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.global = nil
	b.mu.Unlock()

	b.pmu.Lock()
	orphans := b.pending
	b.pending = make(map[string]*pendingReply)
	b.pmu.Unlock()

	for _, p := range orphans {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- ErrClosed
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.global)
	for _, list := range b.subs {
		active += len(list)
	}
	b.mu.RUnlock()

	b.pmu.Lock()
	pending := len(b.pending)
	b.pmu.Unlock()

	return Stats{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		HandlerPanics:     b.handlerPanics.Load(),
		OrphanedReplies:   b.orphanedReplies.Load(),
		PendingRequests:   pending,
		ActiveSubscribers: active,
	}
}
