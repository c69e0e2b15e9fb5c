package openehr

import (
	"fmt"
	"sync"
)

// Host describes one configured openEHR server.
type Host struct {
	Name      string
	URL       string
	Username  string
	Password  string
	Versioned bool
}

// Registry holds the configured hosts and their clients, in configuration
// order. It is built once at startup and shared by the services.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	hosts   map[string]Host
	clients map[string]Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		hosts:   make(map[string]Host),
		clients: make(map[string]Client),
	}
}

// Register adds a host and its client. Registering the same name twice
// replaces the client but keeps the original position.
func (r *Registry) Register(h Host, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[h.Name]; !ok {
		r.order = append(r.order, h.Name)
	}
	r.hosts[h.Name] = h
	r.clients[h.Name] = c
}

// Hosts lists host names in configuration order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Host returns the description of a host.
func (r *Registry) Host(name string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	return h, ok
}

// Client returns the client of a host.
func (r *Registry) Client(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return c, nil
}
