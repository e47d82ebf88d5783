package filter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/SmartCGMS/core-sub005/errors"
)

// ParameterDescriptor documents one configuration key of a filter.
type ParameterDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"` // string, number, integer, boolean, guid, duration
	Description string `json:"description" yaml:"description"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Descriptor describes a filter kind. Synchronous filters can be composed
// into a synchronous pipe and also run threaded.
type Descriptor struct {
	ID          uuid.UUID             `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description" yaml:"description"`
	Synchronous bool                  `json:"synchronous" yaml:"synchronous"`
	Parameters  []ParameterDescriptor `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type registration struct {
	descriptor Descriptor
	factory    Factory
}

// Registry maps filter identifiers and names to factories. It is an
// explicit value handed to the pipeline driver.
type Registry struct {
	byID   map[uuid.UUID]*registration
	byName map[string]*registration
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*registration),
		byName: make(map[string]*registration),
	}
}

// Register adds a filter kind. Both the ID and the name must be unique.
func (r *Registry) Register(d Descriptor, factory Factory) error {
	if d.ID == uuid.Nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "descriptor id validation")
	}
	if d.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "descriptor name validation")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; exists {
		return errors.WrapInvalid(fmt.Errorf("filter id %s is already registered", d.ID),
			"Registry", "Register", "duplicate id check")
	}
	if _, exists := r.byName[d.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("filter '%s' is already registered", d.Name),
			"Registry", "Register", "duplicate name check")
	}

	reg := &registration{descriptor: d, factory: factory}
	r.byID[d.ID] = reg
	r.byName[d.Name] = reg
	return nil
}

// Descriptors returns every registered descriptor ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a descriptor by identifier.
func (r *Registry) Lookup(id uuid.UUID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return reg.descriptor, true
}

// LookupName finds a descriptor by name.
func (r *Registry) LookupName(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return reg.descriptor, true
}

// Resolve accepts either a registered name or GUID text.
func (r *Registry) Resolve(ref string) (Descriptor, error) {
	if d, ok := r.LookupName(ref); ok {
		return d, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		if d, ok := r.Lookup(id); ok {
			return d, nil
		}
	}
	return Descriptor{}, errors.WrapInvalid(
		fmt.Errorf("%w: %q", errors.ErrFilterNotFound, ref), "Registry", "Resolve", "filter lookup")
}

// Create builds an instance of filter id bound to in and out. Unknown ids
// fail with errors.ErrFilterNotFound.
func (r *Registry) Create(id uuid.UUID, in Receiver, out Sender, deps Dependencies) (Filter, error) {
	r.mu.RLock()
	reg, ok := r.byID[id]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrFilterNotFound, id), "Registry", "Create", "filter lookup")
	}

	f, err := reg.factory(in, out, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("factory %s", reg.descriptor.Name))
	}
	return f, nil
}

// CreateExecutor builds a filter for composition into a synchronous pipe.
func (r *Registry) CreateExecutor(id uuid.UUID, deps Dependencies) (Executor, error) {
	d, ok := r.Lookup(id)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrFilterNotFound, id), "Registry", "CreateExecutor", "filter lookup")
	}
	if !d.Synchronous {
		return nil, errors.WrapInvalid(
			fmt.Errorf("filter '%s' cannot run synchronously", d.Name),
			"Registry", "CreateExecutor", "capability check")
	}

	f, err := r.Create(id, nil, nil, deps)
	if err != nil {
		return nil, err
	}
	exec, ok := f.(Executor)
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("filter '%s' is declared synchronous but does not implement Execute", d.Name),
			"Registry", "CreateExecutor", "capability check")
	}
	return exec, nil
}
