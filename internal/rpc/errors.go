package rpc

import (
	"errors"
	"fmt"
)

// Error codes, mirroring the JSON-RPC taxonomy. Application-level codes
// occupy the -32000..-32099 range.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeApplicationError = -32500
	CodePermissionDenied = -32001
	CodeTimeout          = -32002
)

// Error is the structured error carried in a response message.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates a structured RPC error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a structured RPC error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors.
var (
	// ErrTimeout is returned when no response arrives within the bound.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrDisposed is returned for calls on a disposed bridge; outstanding
	// calls are rejected with it on disposal.
	ErrDisposed = errors.New("rpc: bridge disposed")

	// ErrInvalidMessage is returned for structurally invalid envelopes.
	ErrInvalidMessage = errors.New("rpc: invalid message")

	// ErrDuplicateService is returned when registering a namespace twice.
	ErrDuplicateService = errors.New("rpc: service namespace already registered")

	// ErrReservedNamespace is returned when registering or calling into
	// the reserved lifecycle namespace.
	ErrReservedNamespace = errors.New("rpc: namespace is reserved")

	// ErrRateLimited is returned when the plugin exceeds its call budget.
	ErrRateLimited = errors.New("rpc: rate limit exceeded")
)
