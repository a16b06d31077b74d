package rpc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/wire"
)

// Conn is the duplex message pipe a bridge correlates requests over. The
// channel package provides the concrete windowed and worker strategies.
type Conn interface {
	Send(Message) error
	OnMessage(handler func(Message))
	Close() error
}

// DefaultCallTimeout bounds a call when no explicit timeout is given.
const DefaultCallTimeout = 10 * time.Second

// EventHandler receives a decoded inbound plugin event.
type EventHandler func(name string, payload any)

type callResult struct {
	value any
	err   error
}

type pendingRequest struct {
	ch    chan callResult
	timer *time.Timer
}

// Bridge layers request/response correlation with timeouts over a Conn.
// It also serves inbound requests from the plugin by dispatching to the
// router, and fans inbound events out to registered handlers.
type Bridge struct {
	pluginID string
	conn     Conn
	codec    *wire.Codec
	router   *Router
	monitor  *security.ResourceMonitor

	defaultTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	disposed bool

	evMu   sync.Mutex
	events map[string][]EventHandler

	readyOnce sync.Once
	ready     chan struct{}

	// Logf receives protocol warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithMonitor attaches a resource monitor enforcing call rate and
// message size ceilings.
func WithMonitor(m *security.ResourceMonitor) BridgeOption {
	return func(b *Bridge) {
		b.monitor = m
	}
}

// NewBridge creates a bridge bound to the given connection. The bridge
// owns the connection: disposing the bridge closes it.
func NewBridge(pluginID string, conn Conn, codec *wire.Codec, router *Router, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		pluginID:       pluginID,
		conn:           conn,
		codec:          codec,
		router:         router,
		defaultTimeout: DefaultCallTimeout,
		pending:        make(map[string]*pendingRequest),
		events:         make(map[string][]EventHandler),
		ready:          make(chan struct{}),
		Logf:           log.Printf,
	}
	for _, opt := range opts {
		opt(b)
	}
	conn.OnMessage(b.handleMessage)
	return b
}

// Ready is closed when the plugin bootstrap signals readiness.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Conn returns the underlying channel.
func (b *Bridge) Conn() Conn {
	return b.conn
}

// Call sends a request and waits for its response, the timeout, or
// context cancellation, whichever comes first. A timed-out call is
// abandoned host-side; a late reply is discarded with a warning.
func (b *Bridge) Call(ctx context.Context, method string, params any) (any, error) {
	return b.CallTimeout(ctx, method, params, b.defaultTimeout)
}

// CallTimeout is Call with an explicit timeout bound.
func (b *Bridge) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	if b.monitor != nil && !b.monitor.TryCall() {
		return nil, ErrRateLimited
	}

	encoded, err := b.encodeValue(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}
	if s, ok := encoded.(string); ok && b.monitor != nil {
		if !b.monitor.CheckMessageSize(int64(len(s))) {
			return nil, fmt.Errorf("rpc: message exceeds size limit for %s", method)
		}
	}

	msg := NewRequest(b.pluginID, method, encoded)

	p := &pendingRequest{ch: make(chan callResult, 1)}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, ErrDisposed
	}
	b.pending[msg.ID] = p
	b.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		if b.take(msg.ID) != nil {
			p.ch <- callResult{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)}
		}
	})

	if err := b.conn.Send(msg); err != nil {
		if b.take(msg.ID) != nil {
			p.timer.Stop()
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if b.take(msg.ID) != nil {
			p.timer.Stop()
		}
		return nil, ctx.Err()
	case res := <-p.ch:
		return res.value, res.err
	}
}

// Notify sends a fire-and-forget event to the plugin.
func (b *Bridge) Notify(method string, params any) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	b.mu.Unlock()

	encoded, err := b.encodeValue(params)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", method, err)
	}
	return b.conn.Send(NewEvent(b.pluginID, method, encoded))
}

// OnEvent registers a handler for a named inbound plugin event. The
// returned function removes the handler.
func (b *Bridge) OnEvent(name string, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	b.evMu.Lock()
	b.events[name] = append(b.events[name], handler)
	index := len(b.events[name]) - 1
	b.evMu.Unlock()

	return func() {
		b.evMu.Lock()
		defer b.evMu.Unlock()
		if handlers := b.events[name]; index < len(handlers) {
			handlers[index] = nil
		}
	}
}

// Dispose rejects every outstanding request and closes the connection.
// No pending call survives disposal.
func (b *Bridge) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	orphans := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range orphans {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- callResult{err: ErrDisposed}
	}

	return b.conn.Close()
}

// take removes and returns the pending request for an id, or nil if it
// was already resolved. This is the single point that guarantees a call
// resolves at most once.
func (b *Bridge) take(id string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

// PendingCount returns the number of outstanding requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) handleMessage(msg Message) {
	if err := msg.Validate(); err != nil {
		b.Logf("rpc: dropping invalid message from plugin %q: %v", b.pluginID, err)
		return
	}

	switch msg.Type {
	case TypeResponse:
		b.handleResponse(msg)
	case TypeRequest:
		go b.serveRequest(msg)
	case TypeEvent:
		b.handleEvent(msg)
	}
}

func (b *Bridge) handleResponse(msg Message) {
	p := b.take(msg.ID)
	if p == nil {
		// Late reply after timeout or disposal: discard, never error.
		b.Logf("rpc: ignoring late response %s from plugin %q", msg.ID, b.pluginID)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	if msg.Error != nil {
		p.ch <- callResult{err: msg.Error}
		return
	}

	value, err := b.decodeValue(msg.Result)
	if err != nil {
		p.ch <- callResult{err: fmt.Errorf("decode result: %w", err)}
		return
	}
	p.ch <- callResult{value: value}
}

func (b *Bridge) serveRequest(msg Message) {
	if b.router == nil {
		b.respond(msg, nil, Errorf(CodeMethodNotFound, "no router bound"))
		return
	}

	params, err := b.decodeValue(msg.Params)
	if err != nil {
		b.respond(msg, nil, Errorf(CodeParseError, "bad params: %v", err))
		return
	}

	ctx := context.Background()
	if b.monitor != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.monitor.ExecutionTimeout())
		defer cancel()
	}

	result, rpcErr := b.router.Dispatch(ctx, b.pluginID, msg.Method, params)
	if rpcErr != nil {
		b.respond(msg, nil, rpcErr)
		return
	}

	encoded, err := b.encodeValue(result)
	if err != nil {
		b.respond(msg, nil, Errorf(CodeInternalError, "encode result: %v", err))
		return
	}
	b.respond(msg, encoded, nil)
}

func (b *Bridge) respond(req Message, result any, rpcErr *Error) {
	if err := b.conn.Send(NewResponse(req, result, rpcErr)); err != nil {
		b.Logf("rpc: failed to send response %s to plugin %q: %v", req.ID, b.pluginID, err)
	}
}

func (b *Bridge) handleEvent(msg Message) {
	if msg.Method == MethodReady {
		b.readyOnce.Do(func() { close(b.ready) })
		return
	}

	if b.monitor != nil && !b.monitor.TryEvent() {
		b.Logf("rpc: dropping event %s from plugin %q: rate limited", msg.Method, b.pluginID)
		return
	}

	payload, err := b.decodeValue(msg.Params)
	if err != nil {
		b.Logf("rpc: dropping event %s from plugin %q: %v", msg.Method, b.pluginID, err)
		return
	}

	b.evMu.Lock()
	handlers := append([]EventHandler(nil), b.events[msg.Method]...)
	b.evMu.Unlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					b.Logf("rpc: event handler for %s panicked: %v", msg.Method, rec)
				}
			}()
			handler(msg.Method, payload)
		}()
	}
}

// encodeValue produces the wire string for a value, or nil for nil.
func (b *Bridge) encodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, err := b.codec.Serialize(v)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// decodeValue parses a wire string back into a value. Non-string payloads
// pass through untouched (in-process channels may skip encoding).
func (b *Bridge) decodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return b.codec.Deserialize(s)
}
