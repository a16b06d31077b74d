package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/millwright-cad/millwright/internal/plugin/security"
)

// Handler implements one RPC method. Params arrive already decoded from
// the wire representation.
type Handler func(ctx context.Context, pluginID string, params any) (any, error)

// Service is a namespace of named handlers registered by a host-side
// feature provider. The runtime routes calls to it but does not implement
// the business logic behind the namespaces.
type Service struct {
	Namespace string
	Methods   map[string]Handler
}

// PermissionChecker decides whether a plugin may invoke a method. The
// capability-surface collaborator supplies it; typically it consults the
// plugin's sandbox policy.
type PermissionChecker func(pluginID, method string) bool

// Router dispatches inbound plugin requests to registered services.
type Router struct {
	mu       sync.RWMutex
	services map[string]*Service
	checker  PermissionChecker

	// Logf receives protocol warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewRouter creates an empty router.
func NewRouter(checker PermissionChecker) *Router {
	return &Router{
		services: make(map[string]*Service),
		checker:  checker,
		Logf:     log.Printf,
	}
}

// Register adds a service. The lifecycle namespace is reserved and
// duplicate namespaces are rejected.
func (r *Router) Register(svc *Service) error {
	if svc == nil || svc.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidMessage)
	}
	if svc.Namespace == LifecycleNamespace {
		return fmt.Errorf("%w: %s", ErrReservedNamespace, svc.Namespace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[svc.Namespace]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc.Namespace)
	}
	r.services[svc.Namespace] = svc
	return nil
}

// Unregister removes a service by namespace.
func (r *Router) Unregister(namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, namespace)
}

// Namespaces returns the registered namespaces.
func (r *Router) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for ns := range r.services {
		names = append(names, ns)
	}
	return names
}

// Dispatch routes a decoded request to its handler and returns the result
// or a structured error. Handler panics are contained and surfaced as
// internal errors.
func (r *Router) Dispatch(ctx context.Context, pluginID, method string, params any) (result any, rpcErr *Error) {
	namespace, name, ok := SplitMethod(method)
	if !ok {
		return nil, Errorf(CodeInvalidRequest, "malformed method %q", method)
	}

	// Lifecycle control is host-driven only.
	if namespace == LifecycleNamespace {
		return nil, Errorf(CodeInvalidRequest, "namespace %q is reserved", namespace)
	}

	if r.checker != nil && !r.checker(pluginID, method) {
		return nil, Errorf(CodePermissionDenied, "plugin %q may not call %q", pluginID, method)
	}

	r.mu.RLock()
	svc := r.services[namespace]
	r.mu.RUnlock()

	if svc == nil {
		return nil, Errorf(CodeMethodNotFound, "unknown namespace %q", namespace)
	}
	handler := svc.Methods[name]
	if handler == nil {
		return nil, Errorf(CodeMethodNotFound, "unknown method %q", method)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.Logf("rpc: handler %s panicked: %v", method, rec)
			result = nil
			rpcErr = Errorf(CodeInternalError, "handler panic in %s", method)
		}
	}()

	out, err := handler(ctx, pluginID, params)
	if err != nil {
		return nil, toRPCError(err)
	}
	return out, nil
}

// toRPCError maps handler errors onto the code taxonomy.
func toRPCError(err error) *Error {
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	var capErr *security.CapabilityError
	if errors.As(err, &capErr) {
		return &Error{Code: CodePermissionDenied, Message: capErr.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}

	return &Error{Code: CodeApplicationError, Message: err.Error()}
}
