// Package channel provides the message pipes a plugin talks over. Two
// strategies exist: a windowed channel backed by a WebSocket to a
// rendering surface, and a worker channel backed by an in-process
// sandboxed Lua runtime. Both satisfy rpc.Conn; the host picks one per
// plugin based on its granted permissions.
package channel

import (
	"sync"

	"github.com/millwright-cad/millwright/internal/rpc"
)

// PipeEnd is one side of an in-memory channel pair. Useful for host
// services that embed trusted plugins and for exercising the bridge
// without a runtime.
type PipeEnd struct {
	mu      sync.Mutex
	peer    *PipeEnd
	handler func(rpc.Message)
	closed  bool
}

// NewPipe returns two linked ends. A message sent on one end is
// delivered synchronously to the handler registered on the other.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{}
	b := &PipeEnd{}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers a message to the peer end's handler.
func (p *PipeEnd) Send(msg rpc.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	handler := peer.handler
	closed := peer.closed
	peer.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}
	if handler != nil {
		handler(msg)
	}
	return nil
}

// OnMessage registers the inbound handler for this end.
func (p *PipeEnd) OnMessage(handler func(rpc.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Close shuts down both ends of the pipe.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	peer.closed = true
	peer.mu.Unlock()
	return nil
}
