package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds one Gateway per network name. It is built by the
// composition root and passed to the transport layer.
type Registry struct {
	mu       sync.RWMutex
	networks map[string]*Gateway
}

func NewRegistry() *Registry {
	return &Registry{networks: make(map[string]*Gateway)}
}

func (r *Registry) Register(g *Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.networks[g.Network()]; exists {
		return fmt.Errorf("network %s already registered", g.Network())
	}
	r.networks[g.Network()] = g
	return nil
}

func (r *Registry) Get(network string) (*Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.networks[network]
	if !ok {
		return nil, fmt.Errorf("%s: %w", network, ErrUnknownNetwork)
	}
	return g, nil
}

// Names returns registered networks, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.networks))
	for name := range r.networks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
