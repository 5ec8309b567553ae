package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/theam/plasmido/internal/runtime/connection"
)

// Registry maps broker system names to client builders. Implementations
// register themselves from init.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the process registry used by Register and Build.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates a client using the builder registered for system.
func (r *Registry) Build(system string, cfg connection.ClientConfig, logger watermill.LoggerAdapter) (Client, error) {
	r.mu.RLock()
	builder, ok := r.builders[system]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown broker system: %q (registered: %v)", system, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return builder(cfg, logger)
}

// Names returns the registered system names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a client from the default registry.
func Build(system string, cfg connection.ClientConfig, logger watermill.LoggerAdapter) (Client, error) {
	return DefaultRegistry.Build(system, cfg, logger)
}
