// Package wire implements the value codec used for messages crossing the
// plugin isolation boundary. It round-trips primitives, lists, maps, sets,
// timestamps, errors, binary buffers, and cyclic object graphs.
package wire

import "fmt"

// Set is an ordered collection of unique values. Insertion order is
// preserved across a serialize/deserialize round trip.
type Set struct {
	items []any
	index map[any]bool
}

// NewSet creates a set from the given values.
func NewSet(values ...any) *Set {
	s := &Set{index: make(map[any]bool)}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts a value. Composite values are always appended; comparable
// values are deduplicated.
func (s *Set) Add(v any) {
	if isComparable(v) {
		if s.index[v] {
			return
		}
		s.index[v] = true
	}
	s.items = append(s.items, v)
}

// Has returns true if a comparable value is present.
func (s *Set) Has(v any) bool {
	if !isComparable(v) {
		return false
	}
	return s.index[v]
}

// Len returns the number of values.
func (s *Set) Len() int {
	return len(s.items)
}

// Values returns the values in insertion order.
func (s *Set) Values() []any {
	return append([]any(nil), s.items...)
}

func isComparable(v any) bool {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		return true
	default:
		return false
	}
}

// ErrValue is the wire representation of an error object: name, message,
// stack, and any extra structured fields.
type ErrValue struct {
	Name    string
	Message string
	Stack   string
	Extra   map[string]any
}

// Error implements the error interface.
func (e *ErrValue) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// NewErrValue wraps a Go error for transmission.
func NewErrValue(err error) *ErrValue {
	if ev, ok := err.(*ErrValue); ok {
		return ev
	}
	return &ErrValue{Name: "Error", Message: err.Error()}
}

// Placeholder is the non-executable stand-in for a function value. The
// function itself is never transmitted; a decoded placeholder fails
// loudly if invoked.
type Placeholder struct {
	// Name describes the original function, when known.
	Name string
}

// Call always fails: the underlying function does not exist on this side
// of the isolation boundary.
func (p *Placeholder) Call(_ ...any) (any, error) {
	name := p.Name
	if name == "" {
		name = "anonymous"
	}
	return nil, fmt.Errorf("wire: cannot invoke function placeholder %q: functions are not transferable across the plugin boundary", name)
}
