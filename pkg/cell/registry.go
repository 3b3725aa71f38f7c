package cell

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/stores"
)

// managed is the type-erased view of a Value held by a Registry.
type managed interface {
	Commit() error
	Clear() error
	Path() []string
}

// Registry creates cells sharing a store and observer and tracks them by path.
// Commit is the scope teardown for deferred saves.
type Registry struct {
	store    stores.NestedStore
	observer Observer

	mu             sync.RWMutex
	cells          map[string]managed
	order          []string
	settersEnabled bool
}

// NewRegistry creates a registry. store and observer may be nil.
func NewRegistry(store stores.NestedStore, observer Observer) *Registry {
	return &Registry{
		store:          store,
		observer:       observer,
		cells:          make(map[string]managed),
		settersEnabled: true,
	}
}

func registryKey(path []string) string {
	return strings.Join(path, "\x00")
}

// Store returns the registry's store.
func (r *Registry) Store() stores.NestedStore {
	return r.store
}

// Register creates a cell at path and records it. Registry defaults are
// applied before opts. Registering a path twice is a usage error.
func Register[T any](r *Registry, path []string, opts ...Option[T]) (*Value[T], error) {
	if len(path) == 0 || path[0] == "" {
		return nil, fault.NewUsageError("cell path cannot be empty", nil).WithCode(fault.CodeValidation)
	}
	key := registryKey(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cells[key]; exists {
		return nil, fault.NewUsageError(fmt.Sprintf("cell %s already registered", strings.Join(path, "/")), nil).
			WithCode(fault.CodeAlreadyExists).
			WithSubject(strings.Join(path, "/"))
	}

	all := make([]Option[T], 0, len(opts)+1)
	all = append(all, func(v *Value[T]) error {
		v.path = append([]string(nil), path...)
		v.store = r.store
		v.observer = r.observer
		v.registry = r
		return nil
	})
	all = append(all, opts...)

	v, err := New(all...)
	if err != nil {
		return nil, err
	}

	r.cells[key] = v
	r.order = append(r.order, key)
	return v, nil
}

// Lookup returns the cell registered at path.
func Lookup[T any](r *Registry, path ...string) (*Value[T], error) {
	r.mu.RLock()
	m, ok := r.cells[registryKey(path)]
	r.mu.RUnlock()

	if !ok {
		return nil, fault.NewUsageError(fmt.Sprintf("unregistered cell %s", strings.Join(path, "/")), nil).
			WithCode(fault.CodeNotFound).
			WithSubject(strings.Join(path, "/"))
	}
	v, ok := m.(*Value[T])
	if !ok {
		return nil, fault.From(ErrTypeMismatch, fmt.Sprintf("cell %s does not hold %v", strings.Join(path, "/"), reflect.TypeFor[T]()), nil).
			WithSubject(strings.Join(path, "/"))
	}
	return v, nil
}

// Has reports whether a cell is registered at path.
func (r *Registry) Has(path ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.cells[registryKey(path)]
	return ok
}

// Paths returns the registered paths in registration order.
func (r *Registry) Paths() [][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([][]string, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.cells[key].Path())
	}
	return out
}

// Commit flushes every pending deferred save.
func (r *Registry) Commit() error {
	var result *multierror.Error
	for _, m := range r.snapshot() {
		if err := m.Commit(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Clear discards the in-memory and stored values of every registered cell.
func (r *Registry) Clear() error {
	var result *multierror.Error
	for _, m := range r.snapshot() {
		if err := m.Clear(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ClearPrefix clears every cell whose path starts with prefix.
func (r *Registry) ClearPrefix(prefix ...string) error {
	var result *multierror.Error
	for _, m := range r.snapshot() {
		path := m.Path()
		if len(path) < len(prefix) {
			continue
		}
		match := true
		for i := range prefix {
			if path[i] != prefix[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if err := m.Clear(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SetSettersEnabled switches the setters of every cell created by r.
func (r *Registry) SetSettersEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.settersEnabled = enabled
}

// SettersEnabled reports the registry-wide setters switch.
func (r *Registry) SettersEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.settersEnabled
}

func (r *Registry) snapshot() []managed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]managed, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.cells[key])
	}
	return out
}
