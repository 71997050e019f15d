package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/renraku/internal/model"
)

// HandlerFunc executes an approved function call against a thread and returns
// the (possibly extended) thread. Handlers run inside the webhook state
// machine; any error they return becomes an error-typed thread event, never a
// crash.
type HandlerFunc func(ctx context.Context, t model.Thread, kwargs map[string]any) (model.Thread, error)

// Registry is an explicit, injected name-to-handler map. It is passed into
// the webhook state machine and the decision loop rather than living as a
// package-level singleton, so tests can substitute handlers freely.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a function name, replacing any previous
// binding.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Lookup returns the handler for name. Unknown names are a recoverable
// condition for callers, reported as an error value.
func (r *Registry) Lookup(name string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("agent: no handler registered for function %q", name)
	}
	return fn, nil
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
