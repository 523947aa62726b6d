package provider

import (
	"errors"
	"fmt"
	"sync"
)

// Static errors for provider selection.
var (
	// ErrUnknownProvider is returned when no adapter is registered under a name.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrUnsupportedKind is returned when the selected adapter cannot generate the kind.
	ErrUnsupportedKind = errors.New("provider: kind not supported by provider")
	// ErrNoProvider is returned when no registered adapter supports the kind.
	ErrNoProvider = errors.New("provider: no provider available for kind")
	// ErrDuplicateProvider is returned when a name is registered twice.
	ErrDuplicateProvider = errors.New("provider: provider already registered")
	// ErrInvalidRegistration is returned when a registration has no adapter or kinds.
	ErrInvalidRegistration = errors.New("provider: registration requires an adapter and at least one kind")
)

// Registration binds an adapter to its timing policy and supported kinds.
type Registration struct {
	Adapter Adapter
	Policy  Policy
	Kinds   []Kind
}

// Name returns the adapter name.
func (r Registration) Name() string {
	return r.Adapter.Name()
}

// Supports returns true if the registration can generate the kind.
func (r Registration) Supports(kind Kind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry holds the configured adapters.
// Selection happens once per job at submission time; afterwards the job
// only carries the provider name.
type Registry struct {
	mu    sync.RWMutex
	regs  map[string]Registration
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		regs: make(map[string]Registration),
	}
}

// Register adds an adapter. Registration order decides the default provider per kind.
func (r *Registry) Register(reg Registration) error {
	if reg.Adapter == nil || len(reg.Kinds) == 0 {
		return ErrInvalidRegistration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := reg.Name()
	if _, exists := r.regs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.regs[name] = reg
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the registration for a provider name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	return reg, ok
}

// Select picks the adapter for a new job.
// An empty name selects the first registered provider supporting the kind.
func (r *Registry) Select(kind Kind, name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name != "" {
		reg, ok := r.regs[name]
		if !ok {
			return Registration{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		if !reg.Supports(kind) {
			return Registration{}, fmt.Errorf("%w: %s cannot generate %s", ErrUnsupportedKind, name, kind)
		}
		return reg, nil
	}

	for _, n := range r.order {
		if reg := r.regs[n]; reg.Supports(kind) {
			return reg, nil
		}
	}
	return Registration{}, fmt.Errorf("%w: %s", ErrNoProvider, kind)
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
