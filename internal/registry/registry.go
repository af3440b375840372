// Package registry tracks the gateway's configured backends and their live
// health status. The set of backends is fixed at configuration load; only the
// health fields change afterwards, and only through UpdateHealth.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the registry's view of a backend's health.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

var (
	ErrDuplicateBackend = errors.New("duplicate backend")
	ErrUnknownBackend   = errors.New("unknown backend")
)

// Backend describes one downstream service.
type Backend struct {
	Name        string
	URL         *url.URL
	Timeout     time.Duration
	HealthPath  string
	Enabled     bool
	Health      HealthStatus
	LastChecked time.Time
}

// entry guards one backend independently so readers of different backends
// never serialize on each other. The descriptor is replaced wholesale on
// update; readers always observe a complete value.
type entry struct {
	mu      sync.RWMutex
	backend Backend
}

// Registry is the authoritative collection of backend descriptors.
type Registry struct {
	mu      sync.RWMutex // guards the map; entries are append-at-load
	entries map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a backend. The health status starts as unknown.
func (r *Registry) Register(b Backend) error {
	if b.Name == "" {
		return errors.New("backend name must not be empty")
	}
	if b.URL == nil {
		return fmt.Errorf("backend %s: url must not be nil", b.Name)
	}
	if b.Health == "" {
		b.Health = HealthUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[b.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Name)
	}
	r.entries[b.Name] = &entry{backend: b}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return e, nil
}

// Get returns a copy of the named backend's descriptor.
func (r *Registry) Get(name string) (Backend, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Backend{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backend, nil
}

// UpdateHealth records a health probe result. It is the only mutation path
// after load and is invoked solely by the health monitor.
func (r *Registry) UpdateHealth(name string, status HealthStatus, checkedAt time.Time) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.backend
	b.Health = status
	b.LastChecked = checkedAt
	e.backend = b
	return nil
}

// List returns a point-in-time snapshot of all backends, sorted by name.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Backend, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.backend)
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
