package plugin

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/rpc"
	"github.com/millwright-cad/millwright/internal/wire"
)

// OpenedChannel is what a channel opener hands back: the live pipe,
// an optional start hook that begins plugin execution once the bridge
// is listening, and an optional extra teardown hook.
type OpenedChannel struct {
	Conn    rpc.Conn
	Start   func() error
	Cleanup func()
}

// ChannelOpener builds the channel for one plugin instance.
type ChannelOpener func(m *Manifest, policy *security.Policy) (*OpenedChannel, error)

// Host owns one plugin's execution context: its sandbox policy, channel,
// and bridge, governed by the lifecycle state machine
// INSTALLED -> LOADED -> ACTIVATED -> LOADED -> INSTALLED. Transition
// failures after load land in ERROR, which is terminal for the
// instance.
type Host struct {
	manifest *Manifest
	policy   *security.Policy
	opener   ChannelOpener
	router   *rpc.Router
	codec    *wire.Codec

	callTimeout time.Duration

	mu      sync.RWMutex
	state   State
	bridge  *rpc.Bridge
	monitor *security.ResourceMonitor
	cleanup func()

	// Logf receives lifecycle warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewHost creates a host in the INSTALLED state. Nothing runs until
// Load.
func NewHost(manifest *Manifest, policy *security.Policy, opener ChannelOpener, router *rpc.Router, codec *wire.Codec) *Host {
	return &Host{
		manifest:    manifest,
		policy:      policy,
		opener:      opener,
		router:      router,
		codec:       codec,
		callTimeout: rpc.DefaultCallTimeout,
		state:       StateInstalled,
		Logf:        log.Printf,
	}
}

// Manifest returns the hosted plugin's manifest.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// Policy returns the derived sandbox policy.
func (h *Host) Policy() *security.Policy {
	return h.policy
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Bridge returns the live bridge, or nil before load.
func (h *Host) Bridge() *rpc.Bridge {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bridge
}

// Load opens the channel, binds the bridge, starts the plugin, and
// waits for the bootstrap ready signal. On any failure the channel is
// torn down and the state stays INSTALLED; the host is never left
// partially loaded.
func (h *Host) Load(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateInstalled {
		state := h.state
		h.mu.Unlock()
		return &StateError{PluginID: h.manifest.ID, Op: "load", State: state}
	}
	h.mu.Unlock()

	opened, err := h.opener(h.manifest, h.policy)
	if err != nil {
		return fmt.Errorf("open channel for %s: %w", h.manifest.ID, err)
	}

	monitor := security.NewResourceMonitor(h.policy.Limits())
	bridge := rpc.NewBridge(h.manifest.ID, opened.Conn, h.codec, h.router,
		rpc.WithCallTimeout(h.callTimeout),
		rpc.WithMonitor(monitor))
	bridge.Logf = h.Logf

	teardown := func() {
		if err := bridge.Dispose(); err != nil {
			h.Logf("plugin %s: channel teardown: %v", h.manifest.ID, err)
		}
		if opened.Cleanup != nil {
			opened.Cleanup()
		}
	}

	if opened.Start != nil {
		if err := opened.Start(); err != nil {
			teardown()
			return fmt.Errorf("start plugin %s: %w", h.manifest.ID, err)
		}
	}

	readyTimeout := h.policy.Limits().ReadyTimeout
	select {
	case <-bridge.Ready():
	case <-time.After(readyTimeout):
		teardown()
		return fmt.Errorf("%w: %s after %s", ErrReadyTimeout, h.manifest.ID, readyTimeout)
	case <-ctx.Done():
		teardown()
		return ctx.Err()
	}

	h.mu.Lock()
	h.bridge = bridge
	h.monitor = monitor
	h.cleanup = opened.Cleanup
	h.state = StateLoaded
	h.mu.Unlock()
	return nil
}

// Activate invokes the reserved lifecycle RPC; the plugin must
// acknowledge before the host reaches ACTIVATED. Failure is terminal.
func (h *Host) Activate(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateLoaded {
		state := h.state
		h.mu.Unlock()
		return &StateError{PluginID: h.manifest.ID, Op: "activate", State: state}
	}
	bridge := h.bridge
	h.mu.Unlock()

	if _, err := bridge.CallTimeout(ctx, rpc.MethodActivate, nil, h.callTimeout); err != nil {
		h.mu.Lock()
		h.state = StateErrored
		h.mu.Unlock()
		return fmt.Errorf("activate %s: %w", h.manifest.ID, err)
	}

	h.mu.Lock()
	h.state = StateActivated
	h.mu.Unlock()
	return nil
}

// Deactivate gives the plugin a chance to release resources. Best
// effort: the host drops back to LOADED even if the plugin errors, and
// the error is returned for reporting.
func (h *Host) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateActivated {
		state := h.state
		h.mu.Unlock()
		return &StateError{PluginID: h.manifest.ID, Op: "deactivate", State: state}
	}
	bridge := h.bridge
	h.mu.Unlock()

	_, err := bridge.CallTimeout(ctx, rpc.MethodDeactivate, nil, h.callTimeout)

	h.mu.Lock()
	h.state = StateLoaded
	h.mu.Unlock()

	if err != nil {
		return fmt.Errorf("deactivate %s: %w", h.manifest.ID, err)
	}
	return nil
}

// Unload tears down the execution context. Idempotent: unloading from
// INSTALLED is a no-op. An ACTIVATED plugin is deactivated best-effort
// first.
func (h *Host) Unload(ctx context.Context) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case StateInstalled, StateNone:
		return nil
	case StateActivated:
		if err := h.Deactivate(ctx); err != nil {
			h.Logf("plugin %s: deactivate during unload: %v", h.manifest.ID, err)
		}
	}

	h.mu.Lock()
	bridge := h.bridge
	cleanup := h.cleanup
	h.bridge = nil
	h.monitor = nil
	h.cleanup = nil
	h.state = StateInstalled
	h.mu.Unlock()

	if bridge != nil {
		if err := bridge.Dispose(); err != nil {
			return fmt.Errorf("unload %s: %w", h.manifest.ID, err)
		}
	}
	if cleanup != nil {
		cleanup()
	}
	return nil
}

// Notify forwards a host event to the plugin, subject to namespace
// authorization.
func (h *Host) Notify(method string, payload any) error {
	h.mu.RLock()
	bridge := h.bridge
	state := h.state
	h.mu.RUnlock()

	if bridge == nil || state != StateActivated {
		return &StateError{PluginID: h.manifest.ID, Op: "notify", State: state}
	}

	namespace, _, ok := rpc.SplitMethod(method)
	if !ok {
		return fmt.Errorf("plugin %s: malformed event method %q", h.manifest.ID, method)
	}
	if err := h.policy.CheckNamespace(h.manifest.ID, namespace); err != nil {
		return err
	}
	return bridge.Notify(method, payload)
}
