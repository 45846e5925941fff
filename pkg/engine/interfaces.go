package engine

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/transports"
)

// Env is what a state function gets to work with.
type Env struct {
	// Transport reaches the managed host.
	Transport transports.Transport

	// Files is the formula file tree that file sources resolve against.
	Files fs.FS

	Grains map[string]any

	// Test reports changes without making them.
	Test bool

	Logger zerolog.Logger
}

// Func applies a state. It returns a Result for every outcome it can
// describe, failures included; an error means the function could not
// determine the outcome and is classified for retry.
type Func func(ctx context.Context, env *Env, st State) (*Result, error)

// Function is a registered state function.
type Function struct {
	Apply Func

	// ModWatch runs after Apply when a watched state reported changes.
	// It is optional.
	ModWatch Func
}

// Registry maps "<module>.<function>" names to state functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Function)}
}

// Register adds a state function. Registering a name twice is an error.
func (r *Registry) Register(name string, fn Function) error {
	if fn.Apply == nil {
		return fmt.Errorf("state function %s has no Apply", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("state function %s already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register for package initialization.
func (r *Registry) MustRegister(name string, fn Function) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the state function registered under name.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check verifies every state names a registered function.
func (r *Registry) Check(states []State) error {
	for _, st := range states {
		if _, ok := r.Lookup(st.Function); !ok {
			return NewPermanentError(fmt.Sprintf("unknown state function %s", st.Function), nil).
				WithCode(ErrCodeUnknownFunction).WithState(st.ID, st.Function)
		}
	}
	return nil
}
