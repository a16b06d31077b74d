package plugin

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Store persists registry entries. The registry is storage-agnostic;
// any durable implementation satisfies the contract.
type Store interface {
	GetPlugins() ([]*RegistryEntry, error)
	SavePlugin(entry *RegistryEntry) error
	RemovePlugin(id string) error
}

// RegistryEntry is the persisted record of one installed plugin. Owned
// exclusively by the registry; every mutation goes through a registry
// method and is persisted before its change event fires.
type RegistryEntry struct {
	ID          string    `json:"id"`
	Manifest    *Manifest `json:"manifest"`
	State       State     `json:"state"`
	Enabled     bool      `json:"enabled"`
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ErrorCount  int       `json:"errorCount"`
	LastError   string    `json:"lastError,omitempty"`
}

// Clone deep-copies an entry.
func (e *RegistryEntry) Clone() *RegistryEntry {
	clone := *e
	if e.Manifest != nil {
		clone.Manifest = e.Manifest.Clone()
	}
	return &clone
}

// EventType identifies a registry change event.
type EventType string

// Registry events.
const (
	EventInstalled    EventType = "PLUGIN_INSTALLED"
	EventUninstalled  EventType = "PLUGIN_UNINSTALLED"
	EventEnabled      EventType = "PLUGIN_ENABLED"
	EventDisabled     EventType = "PLUGIN_DISABLED"
	EventUpdated      EventType = "PLUGIN_UPDATED"
	EventStateChanged EventType = "PLUGIN_STATE_CHANGED"
	EventError        EventType = "PLUGIN_ERROR"
)

// Event carries a registry change to subscribers. Entry is a snapshot
// taken after the mutation.
type Event struct {
	Type     EventType
	PluginID string
	Entry    *RegistryEntry
	Err      string
}

// EventHandler receives registry events.
type EventHandler func(Event)

// Registry is the authoritative table of installed plugins. It persists
// every state-affecting mutation through its store before emitting the
// change event; the event stream is the durable record runtime callers
// observe.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
	store   Store

	subMu sync.Mutex
	subs  []EventHandler

	// Logf receives handler panics and persistence warnings. Defaults
	// to log.Printf.
	Logf func(format string, args ...any)
}

// NewRegistry creates a registry hydrated from the store.
func NewRegistry(store Store) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*RegistryEntry),
		store:   store,
		Logf:    log.Printf,
	}

	persisted, err := store.GetPlugins()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for _, entry := range persisted {
		// A crash may have persisted a transient state; a restarted
		// host has no live channels, so anything live degrades to
		// installed.
		if entry.State == StateLoaded || entry.State == StateActivated {
			entry.State = StateInstalled
		}
		r.entries[entry.ID] = entry
	}
	return r, nil
}

// Subscribe registers a change-event handler. The returned function
// removes it.
func (r *Registry) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	r.subMu.Lock()
	r.subs = append(r.subs, handler)
	index := len(r.subs) - 1
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if index < len(r.subs) {
			r.subs[index] = nil
		}
	}
}

// emit delivers an event to subscribers outside any registry lock, with
// per-handler panic recovery.
func (r *Registry) emit(evt Event) {
	r.subMu.Lock()
	handlers := append([]EventHandler(nil), r.subs...)
	r.subMu.Unlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.Logf("registry: %s handler panicked: %v", evt.Type, rec)
				}
			}()
			handler(evt)
		}()
	}
}

// Get returns a snapshot of an entry.
func (r *Registry) Get(id string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// List returns snapshots of all entries, ordered by id.
func (r *Registry) List() []*RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		list = append(list, entry.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Dependents returns the ids of installed plugins that declare a
// dependency on id.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(id, false)
}

func (r *Registry) dependentsLocked(id string, enabledOnly bool) []string {
	var dependents []string
	for _, entry := range r.entries {
		if enabledOnly && !entry.Enabled {
			continue
		}
		if entry.Manifest == nil {
			continue
		}
		if _, ok := entry.Manifest.Dependencies[id]; ok {
			dependents = append(dependents, entry.ID)
		}
	}
	sort.Strings(dependents)
	return dependents
}

// Install validates the manifest, checks the id is free and all
// declared dependencies are installed with satisfying versions, then
// persists and registers the entry. New entries start disabled.
func (r *Registry) Install(m *Manifest) (*RegistryEntry, error) {
	if result := ValidateManifest(m); !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, result)
	}

	r.mu.Lock()

	if _, exists := r.entries[m.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, m.ID)
	}
	if err := r.checkDependenciesLocked(m, "install"); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	entry := &RegistryEntry{
		ID:          m.ID,
		Manifest:    m.Clone(),
		State:       StateInstalled,
		Enabled:     false,
		Version:     m.Version,
		InstalledAt: now,
		UpdatedAt:   now,
	}

	if err := r.store.SavePlugin(entry); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("persist %s: %w", m.ID, err)
	}
	r.entries[m.ID] = entry
	snapshot := entry.Clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventInstalled, PluginID: m.ID, Entry: snapshot})
	return snapshot.Clone(), nil
}

func (r *Registry) checkDependenciesLocked(m *Manifest, op string) error {
	var missing []string
	for depID, rangeSpec := range m.Dependencies {
		rng, err := parseVersionRange(rangeSpec)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s (%v)", depID, err))
			continue
		}
		dep, ok := r.entries[depID]
		if !ok {
			missing = append(missing, depID)
			continue
		}
		if !rng.satisfiedBy(dep.Version) {
			missing = append(missing, fmt.Sprintf("%s (installed %s, need %s)", depID, dep.Version, rangeSpec))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &DependencyError{PluginID: m.ID, Op: op, Missing: missing}
	}
	return nil
}

// Uninstall removes an entry. Blocked while any other installed plugin
// declares a dependency on it.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()

	if _, ok := r.entries[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if dependents := r.dependentsLocked(id, false); len(dependents) > 0 {
		r.mu.Unlock()
		return &DependencyError{PluginID: id, Op: "uninstall", Dependents: dependents}
	}

	if err := r.store.RemovePlugin(id); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, err)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.emit(Event{Type: EventUninstalled, PluginID: id})
	return nil
}

// Enable turns the enablement flag on.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable turns the enablement flag off. Blocked while an enabled
// dependent exists. Deactivating any live host is the lifecycle
// manager's job; the flag flips here regardless.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if entry.Enabled == enabled {
		r.mu.Unlock()
		return nil
	}
	if !enabled {
		if dependents := r.dependentsLocked(id, true); len(dependents) > 0 {
			r.mu.Unlock()
			return &DependencyError{PluginID: id, Op: "disable", Dependents: dependents}
		}
	}

	updated := entry.Clone()
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now()

	if err := r.store.SavePlugin(updated); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist %s: %w", id, err)
	}
	r.entries[id] = updated
	snapshot := updated.Clone()
	r.mu.Unlock()

	evtType := EventEnabled
	if !enabled {
		evtType = EventDisabled
	}
	r.emit(Event{Type: evtType, PluginID: id, Entry: snapshot})
	return nil
}

// Update replaces an entry's manifest with a newer one. The id must
// match; enablement and error state reset, and the state drops back to
// installed.
func (r *Registry) Update(m *Manifest) (*RegistryEntry, error) {
	if result := ValidateManifest(m); !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, result)
	}

	r.mu.Lock()

	entry, ok := r.entries[m.ID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, m.ID)
	}
	if entry.ID != m.ID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s != %s", ErrIDMismatch, entry.ID, m.ID)
	}
	if err := r.checkDependenciesLocked(m, "update"); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	updated := entry.Clone()
	updated.Manifest = m.Clone()
	updated.Version = m.Version
	updated.State = StateInstalled
	updated.Enabled = false
	updated.ErrorCount = 0
	updated.LastError = ""
	updated.UpdatedAt = time.Now()

	if err := r.store.SavePlugin(updated); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("persist %s: %w", m.ID, err)
	}
	r.entries[m.ID] = updated
	snapshot := updated.Clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventUpdated, PluginID: m.ID, Entry: snapshot})
	return snapshot.Clone(), nil
}

// SetState records a lifecycle transition on the entry.
func (r *Registry) SetState(id string, state State) error {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if entry.State == state {
		r.mu.Unlock()
		return nil
	}

	updated := entry.Clone()
	updated.State = state
	updated.UpdatedAt = time.Now()

	if err := r.store.SavePlugin(updated); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist %s: %w", id, err)
	}
	r.entries[id] = updated
	snapshot := updated.Clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventStateChanged, PluginID: id, Entry: snapshot})
	return nil
}

// RecordError marks a runtime failure on the entry: error count up,
// last error set, state to ERROR. Emitted as a PLUGIN_ERROR event so
// observers see failures that a returned error alone would not convey.
func (r *Registry) RecordError(id string, cause error) error {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	updated := entry.Clone()
	updated.ErrorCount++
	updated.LastError = cause.Error()
	updated.State = StateErrored
	updated.UpdatedAt = time.Now()

	if err := r.store.SavePlugin(updated); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist %s: %w", id, err)
	}
	r.entries[id] = updated
	snapshot := updated.Clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventError, PluginID: id, Entry: snapshot, Err: cause.Error()})
	return nil
}
