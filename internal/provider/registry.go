package provider

import (
	"fmt"
	"net/http"
	"sync"
)

// Factory builds an adapter sharing the gateway's HTTP client.
type Factory func(client *http.Client) Adapter

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a provider adapter available by name. Adapters
// register from their package init.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Registry resolves provider names to adapter instances.
type Registry struct {
	client   *http.Client
	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry over the shared client.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Registry{
		client:   client,
		adapters: make(map[string]Adapter),
	}
}

// Adapter returns the adapter for a provider name, instantiating it on
// first use.
func (r *Registry) Adapter(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[name]; ok {
		return a, nil
	}

	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	a := factory(r.client)
	r.adapters[name] = a
	return a, nil
}
