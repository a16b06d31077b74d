package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin errors.
var (
	// ErrInvalidManifest is returned when manifest content fails
	// validation.
	ErrInvalidManifest = errors.New("plugin: invalid manifest")

	// ErrAlreadyInstalled is returned when installing a plugin id that
	// already has an entry.
	ErrAlreadyInstalled = errors.New("plugin: already installed")

	// ErrNotInstalled is returned for operations on an unknown plugin
	// id.
	ErrNotInstalled = errors.New("plugin: not installed")

	// ErrDisabled is returned when activating a plugin that is not
	// enabled.
	ErrDisabled = errors.New("plugin: disabled")

	// ErrIDMismatch is returned when an update manifest carries a
	// different id than the entry it replaces.
	ErrIDMismatch = errors.New("plugin: update manifest id mismatch")

	// ErrReadyTimeout is returned when the plugin bootstrap never
	// signals readiness.
	ErrReadyTimeout = errors.New("plugin: bootstrap ready timeout")
)

// StateError reports an operation attempted in the wrong lifecycle
// state.
type StateError struct {
	PluginID string
	Op       string
	State    State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("plugin %s: cannot %s in state %s", e.PluginID, e.Op, e.State)
}

// DependencyError reports a mutation blocked by dependency edges:
// missing or unsatisfied dependencies on install, or remaining
// dependents on uninstall/disable.
type DependencyError struct {
	PluginID string
	Op       string

	// Missing lists declared dependencies that are not installed or do
	// not satisfy their version range.
	Missing []string

	// Dependents lists installed plugins that depend on PluginID.
	Dependents []string
}

func (e *DependencyError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("plugin %s: cannot %s: unsatisfied dependencies: %s",
			e.PluginID, e.Op, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("plugin %s: cannot %s: required by: %s",
		e.PluginID, e.Op, strings.Join(e.Dependents, ", "))
}
