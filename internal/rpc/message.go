// Package rpc implements the request/response and event protocol between
// the host and isolated plugin contexts: the wire envelope, the error
// code taxonomy, request correlation with timeouts, and method routing.
package rpc

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageType discriminates the wire envelope.
type MessageType string

// Message types.
const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// LifecycleNamespace is reserved for host-driven lifecycle control.
// It is never routed to registered services and plugins cannot call
// into it.
const LifecycleNamespace = "_lifecycle"

// Reserved lifecycle methods.
const (
	MethodReady      = LifecycleNamespace + ".ready"
	MethodActivate   = LifecycleNamespace + ".activate"
	MethodDeactivate = LifecycleNamespace + ".deactivate"
)

// Message is the envelope exchanged over a channel. Id correlates a
// request with exactly one response. Params and Result hold wire-encoded
// value strings (see the wire package) or nil.
type Message struct {
	ID       string      `json:"id"`
	PluginID string      `json:"pluginId"`
	Type     MessageType `json:"type"`
	Method   string      `json:"method,omitempty"`
	Params   any         `json:"params,omitempty"`
	Result   any         `json:"result,omitempty"`
	Error    *Error      `json:"error,omitempty"`
}

// NewRequest builds a request message with a fresh correlation id.
func NewRequest(pluginID, method string, params any) Message {
	return Message{
		ID:       uuid.NewString(),
		PluginID: pluginID,
		Type:     TypeRequest,
		Method:   method,
		Params:   params,
	}
}

// NewResponse builds the response to a request.
func NewResponse(req Message, result any, err *Error) Message {
	return Message{
		ID:       req.ID,
		PluginID: req.PluginID,
		Type:     TypeResponse,
		Result:   result,
		Error:    err,
	}
}

// NewEvent builds a fire-and-forget event message.
func NewEvent(pluginID, method string, params any) Message {
	return Message{
		ID:       uuid.NewString(),
		PluginID: pluginID,
		Type:     TypeEvent,
		Method:   method,
		Params:   params,
	}
}

// SplitMethod splits "namespace.method" into its parts. The method part
// may itself contain dots.
func SplitMethod(method string) (namespace, name string, ok bool) {
	i := strings.IndexByte(method, '.')
	if i <= 0 || i == len(method)-1 {
		return "", "", false
	}
	return method[:i], method[i+1:], true
}

// Validate checks the structural invariants of a message.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.PluginID == "" {
		return fmt.Errorf("%w: missing pluginId", ErrInvalidMessage)
	}
	switch m.Type {
	case TypeRequest, TypeEvent:
		if m.Method == "" {
			return fmt.Errorf("%w: %s without method", ErrInvalidMessage, m.Type)
		}
	case TypeResponse:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
