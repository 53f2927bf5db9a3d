package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a payload from a caller-supplied JSON input document.
// Factories validate their input and return an error for malformed documents.
type Factory func(input json.RawMessage) (Payload, error)

// Registry holds named payload factories. Callers that cannot pass Go values
// directly (the HTTP front end) construct payloads by registered type name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry pre-populated with the builtin payload types.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	registerBuiltins(r)
	return r
}

// Register adds a factory to the registry under the given type name,
// replacing any existing factory with that name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build constructs a payload of the given type from the input document.
// Returns an error if the type is not registered or the input is rejected
// by the factory.
func (r *Registry) Build(name string, input json.RawMessage) (Payload, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("payload type %q is not registered", name)
	}
	return f(input)
}

// Types returns all registered payload type names, sorted for a stable
// API response.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
