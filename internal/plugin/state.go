package plugin

// State is a plugin's lifecycle position. The enable flag is orthogonal
// and lives on the registry entry.
type State string

// Lifecycle states.
const (
	// StateNone is the pre-existence sentinel.
	StateNone State = "none"

	// StateInstalled means the plugin is registered but has no live
	// execution context.
	StateInstalled State = "installed"

	// StateLoaded means a host exists, the channel is open, and the
	// plugin bootstrap has signalled readiness.
	StateLoaded State = "loaded"

	// StateActivated means the plugin acknowledged activation and may
	// receive traffic.
	StateActivated State = "activated"

	// StateErrored is terminal for a host instance. A fresh host must be
	// constructed to retry.
	StateErrored State = "error"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNone, StateInstalled, StateLoaded, StateActivated, StateErrored:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}
