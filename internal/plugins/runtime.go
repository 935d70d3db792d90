package plugins

import (
	"fmt"
	"sync"
)

// Runtime is the set/get pair for a plugin's singleton state. Get before
// Set fails loudly so misordered initialization surfaces immediately
// instead of as a nil dereference later.
type Runtime[T any] struct {
	name string

	mu sync.Mutex
	v  *T
}

// NewRuntime creates an unset runtime handle for the named plugin.
func NewRuntime[T any](name string) *Runtime[T] {
	return &Runtime[T]{name: name}
}

// Set installs the runtime value. Called from the plugin's Register.
func (r *Runtime[T]) Set(v *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.v = v
}

// Get returns the runtime value, or an error when Register has not run.
func (r *Runtime[T]) Get() (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.v == nil {
		return nil, fmt.Errorf("plugin %s: runtime used before register", r.name)
	}
	return r.v, nil
}
