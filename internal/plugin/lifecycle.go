package plugin

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Lifecycle orchestrates hosts across the registry. It owns the
// active-host map and guarantees at most one live host per plugin id;
// a registry entry reads ACTIVATED exactly while its host is live here.
// Per-id locks serialize operations on one plugin without blocking
// operations on others.
type Lifecycle struct {
	registry *Registry
	factory  *HostFactory

	mu    sync.Mutex
	hosts map[string]*Host
	order []string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// Logf receives orchestration warnings. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewLifecycle creates a lifecycle manager over a registry and factory.
func NewLifecycle(registry *Registry, factory *HostFactory) *Lifecycle {
	return &Lifecycle{
		registry: registry,
		factory:  factory,
		hosts:    make(map[string]*Host),
		locks:    make(map[string]*sync.Mutex),
		Logf:     log.Printf,
	}
}

// Registry returns the underlying registry for read access and event
// subscription.
func (l *Lifecycle) Registry() *Registry {
	return l.registry
}

// idLock returns the mutex serializing operations for one plugin id.
func (l *Lifecycle) idLock(id string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	return lock
}

// Host returns the live host for a plugin id, if any.
func (l *Lifecycle) Host(id string) (*Host, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	host, ok := l.hosts[id]
	return host, ok
}

// ActiveIDs returns the ids with live hosts, in activation order.
func (l *Lifecycle) ActiveIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Install validates and registers a plugin bundle.
func (l *Lifecycle) Install(m *Manifest) (*RegistryEntry, error) {
	return l.registry.Install(m)
}

// Enable flips the enablement flag; the plugin does not run until
// LoadAndActivate.
func (l *Lifecycle) Enable(id string) error {
	return l.registry.Enable(id)
}

// LoadAndActivate brings a plugin to the ACTIVATED state. Idempotent:
// an already-activated plugin returns its existing host without side
// effects; a loaded one only activates. Any failure records the error
// on the registry entry and rolls back the partial host.
func (l *Lifecycle) LoadAndActivate(ctx context.Context, id string) (*Host, error) {
	lock := l.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := l.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, id)
	}

	l.mu.Lock()
	host, live := l.hosts[id]
	l.mu.Unlock()

	if live {
		switch host.State() {
		case StateActivated:
			return host, nil
		case StateLoaded:
			return l.activate(ctx, id, host)
		default:
			// A host in any other state is stale; replace it.
			if err := host.Unload(ctx); err != nil {
				l.Logf("lifecycle: unload stale host %s: %v", id, err)
			}
			l.removeHost(id)
		}
	}

	host = l.factory.NewHost(entry.Manifest)
	host.Logf = l.Logf

	if err := host.Load(ctx); err != nil {
		l.recordFailure(id, err)
		return nil, err
	}

	l.mu.Lock()
	l.hosts[id] = host
	l.order = append(l.order, id)
	l.mu.Unlock()

	if err := l.registry.SetState(id, StateLoaded); err != nil {
		l.Logf("lifecycle: persist loaded state for %s: %v", id, err)
	}

	return l.activate(ctx, id, host)
}

func (l *Lifecycle) activate(ctx context.Context, id string, host *Host) (*Host, error) {
	if err := host.Activate(ctx); err != nil {
		if unloadErr := host.Unload(ctx); unloadErr != nil {
			l.Logf("lifecycle: rollback unload %s: %v", id, unloadErr)
		}
		l.removeHost(id)
		l.recordFailure(id, err)
		return nil, err
	}

	if err := l.registry.SetState(id, StateActivated); err != nil {
		l.Logf("lifecycle: persist activated state for %s: %v", id, err)
	}
	return host, nil
}

// recordFailure marks the entry ERROR with the cause. The registry
// event stream carries it to observers.
func (l *Lifecycle) recordFailure(id string, cause error) {
	if err := l.registry.RecordError(id, cause); err != nil {
		l.Logf("lifecycle: record error for %s: %v", id, err)
	}
}

func (l *Lifecycle) removeHost(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.hosts, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// DeactivateAndUnload tears down a plugin's live host. No-op when none
// is live.
func (l *Lifecycle) DeactivateAndUnload(ctx context.Context, id string) error {
	lock := l.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	return l.teardown(ctx, id)
}

// teardown assumes the per-id lock is held.
func (l *Lifecycle) teardown(ctx context.Context, id string) error {
	l.mu.Lock()
	host, live := l.hosts[id]
	l.mu.Unlock()

	if !live {
		return nil
	}

	if err := host.Unload(ctx); err != nil {
		l.removeHost(id)
		l.recordFailure(id, err)
		return err
	}
	l.removeHost(id)

	if err := l.registry.SetState(id, StateInstalled); err != nil {
		l.Logf("lifecycle: persist installed state for %s: %v", id, err)
	}
	return nil
}

// Disable flips the enablement flag off and tears down the live host.
// Blocked while an enabled dependent exists; in that case nothing is
// unloaded.
func (l *Lifecycle) Disable(ctx context.Context, id string) error {
	lock := l.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := l.registry.Disable(id); err != nil {
		return err
	}
	return l.teardown(ctx, id)
}

// Uninstall removes a plugin entirely: host torn down, entry removed.
// Dependents block removal before anything is unloaded.
func (l *Lifecycle) Uninstall(ctx context.Context, id string) error {
	lock := l.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := l.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if dependents := l.registry.Dependents(id); len(dependents) > 0 {
		return &DependencyError{PluginID: id, Op: "uninstall", Dependents: dependents}
	}

	if err := l.teardown(ctx, id); err != nil {
		return err
	}
	return l.registry.Uninstall(id)
}

// Update replaces an installed plugin with a newer manifest. The live
// host is torn down first; the updated entry comes back disabled with a
// clean error state.
func (l *Lifecycle) Update(ctx context.Context, m *Manifest) (*RegistryEntry, error) {
	lock := l.idLock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.teardown(ctx, m.ID); err != nil {
		return nil, err
	}
	return l.registry.Update(m)
}

// Shutdown unloads every live host in reverse activation order.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	ids := l.ActiveIDs()

	var firstErr error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := l.DeactivateAndUnload(ctx, ids[i]); err != nil {
			l.Logf("lifecycle: shutdown %s: %v", ids[i], err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
