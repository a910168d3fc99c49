package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/homehub/internal/apperror"
)

// Registry maps protocol tags ("esphome", "hue", ...) to a single live
// Driver instance. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d under protocol. Registering an existing protocol
// replaces the previous driver without shutting it down; callers that
// need a clean swap should Unregister first.
func (r *Registry) Register(protocol string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[protocol] = d
}

// RegisterAndInitialize calls d.Initialize before making it visible via
// Get, so no caller ever observes an uninitialized driver.
func (r *Registry) RegisterAndInitialize(ctx context.Context, protocol string, d Driver) error {
	if err := d.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing driver %q: %w", protocol, err)
	}
	r.Register(protocol, d)
	return nil
}

// Unregister removes protocol's driver without shutting it down; callers
// own the shutdown call if one is needed.
func (r *Registry) Unregister(protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drivers, protocol)
}

// Get returns the driver registered for protocol.
func (r *Registry) Get(protocol string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[protocol]
	if !ok {
		return nil, fmt.Errorf("driver %q: %w", protocol, apperror.ErrNotFound)
	}
	return d, nil
}

// Has reports whether protocol has a registered driver.
func (r *Registry) Has(protocol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[protocol]
	return ok
}

// Protocols returns the set of currently registered protocol tags.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for p := range r.drivers {
		out = append(out, p)
	}
	return out
}

// All returns a snapshot copy of the protocol → driver map.
func (r *Registry) All() map[string]Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Driver, len(r.drivers))
	for p, d := range r.drivers {
		out[p] = d
	}
	return out
}

// Health reports, per registered protocol, whether its driver is
// currently registered (initialized and not yet shut down). It does not
// re-probe the driver; per-device liveness is tracked by the daemon via
// device/{id}/lifecycle events instead.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.drivers))
	for p := range r.drivers {
		out[p] = true
	}
	return out
}
