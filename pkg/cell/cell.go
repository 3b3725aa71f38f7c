// Package cell provides self-managed value cells: lazily initialized values
// with pluggable build, load, save and stamp validation policies, optionally
// persisted in a stores.NestedStore.
//
// A cell is initialized from the first available source in the order load,
// build, default. Each source and each persistence action has a Mode:
//
//	Immediate  the action runs as soon as it is triggered
//	Deferred   the action runs automatically when needed (saves wait for Commit)
//	Passive    the action only runs through explicit method calls
//
// Persisted documents have the shape {"stamp": <stamp>, "value": <value>}.
// A loaded document is accepted only when it is well-formed, its value matches
// the cell's type and, with immediate validation, its stamp validates. Anything
// else is a miss and initialization falls through to build or default.
//
// Cells are not safe for concurrent use.
package cell

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/nested"
	"github.com/openfroyo/strata/pkg/stores"
)

// Mode controls when an action is performed.
type Mode int

const (
	// Immediate performs the action as soon as it is triggered.
	Immediate Mode = 2
	// Deferred performs the action automatically when needed.
	Deferred Mode = 4
	// Passive performs the action only through explicit calls.
	Passive Mode = 8
)

func (m Mode) String() string {
	switch m {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	case Passive:
		return "passive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "immediate":
		return Immediate, nil
	case "deferred":
		return Deferred, nil
	case "passive":
		return Passive, nil
	default:
		return 0, fault.NewUsageError(fmt.Sprintf("unknown cell mode %q", s), nil).WithCode(fault.CodeValidation)
	}
}

// Operations reported to an Observer.
const (
	OpBuild    = "build"
	OpLoad     = "load"
	OpSave     = "save"
	OpValidate = "validate"
)

const (
	keyStamp = "stamp"
	keyValue = "value"
)

var (
	// ErrNoSource is returned when a cell has no enabled initialization source.
	ErrNoSource = fault.Sentinel(fault.ClassUsage, fault.CodeNoSource, "no initialization source")

	// ErrNoValidator is returned by StampValid when no validation function is configured.
	ErrNoValidator = fault.Sentinel(fault.ClassUsage, fault.CodeNotFound, "no stamp validation function")

	// ErrTypeMismatch is returned when a value does not match the type fixed by the default.
	ErrTypeMismatch = fault.Sentinel(fault.ClassUsage, fault.CodeTypeMismatch, "value type differs from default")
)

// Built is the result of a build function: the value and an optional stamp.
type Built[T any] struct {
	Value T
	Stamp any
}

// Observer receives the duration and outcome of cell operations.
type Observer interface {
	ObserveCell(operation string, path []string, duration time.Duration, err error)
}

// Value is a self-managed value cell holding a T.
type Value[T any] struct {
	store    stores.NestedStore
	path     []string
	observer Observer
	registry *Registry

	def         T
	defaultType reflect.Type
	hasDefault  bool
	defaultMode Mode

	build     func() (Built[T], error)
	buildMode Mode

	save     func(T) (any, error)
	saveMode Mode

	load     func(any) (T, error)
	loadMode Mode

	validate     func(any) (bool, error)
	validateMode Mode

	settersEnabled bool

	initialized bool
	value       T
	stamp       any

	validKnown bool
	valid      bool

	pending bool
}

// New creates a cell configured by opts.
func New[T any](opts ...Option[T]) (*Value[T], error) {
	v := &Value[T]{
		defaultMode:    Passive,
		buildMode:      Passive,
		saveMode:       Deferred,
		loadMode:       Deferred,
		validateMode:   Passive,
		settersEnabled: true,
		save:           identitySave[T],
		load:           decodeLoad[T],
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if v.store != nil && len(v.path) == 0 {
		return nil, fault.NewUsageError("cannot use a store without a path", nil).
			WithCode(fault.CodeValidation).
			WithSubject(v.Name())
	}

	return v, nil
}

// Name returns an informal identifier for messages.
func (v *Value[T]) Name() string {
	if len(v.path) == 0 {
		return fmt.Sprintf("cell %p", v)
	}
	return "cell " + strings.Join(v.path, " → ")
}

// Path returns the store path of the cell.
func (v *Value[T]) Path() []string {
	return append([]string(nil), v.path...)
}

// Initialized reports whether a value is held.
func (v *Value[T]) Initialized() bool {
	return v.initialized
}

// Pending reports whether a deferred save has not been committed.
func (v *Value[T]) Pending() bool {
	return v.pending
}

// Stamp returns the stamp of the held value, or nil.
func (v *Value[T]) Stamp() any {
	return v.stamp
}

// SetSettersEnabled switches Set, SetWithStamp, SetNested and DeleteNested
// between effective and silent no-ops.
func (v *Value[T]) SetSettersEnabled(enabled bool) {
	v.settersEnabled = enabled
}

func (v *Value[T]) settersActive() bool {
	if !v.settersEnabled {
		return false
	}
	return v.registry == nil || v.registry.SettersEnabled()
}

// Initialize sets the held value by loading, building or defaulting,
// according to the configured modes.
func (v *Value[T]) Initialize() error {
	if v.loadMode != Passive {
		ok, err := v.Load()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if v.build != nil && v.buildMode != Passive {
		return v.Build()
	}

	if v.hasDefault && v.defaultMode != Passive {
		return v.Default()
	}

	return fault.From(ErrNoSource, "could not initialize "+v.Name(), nil).WithSubject(v.Name())
}

func (v *Value[T]) ensure() error {
	if v.initialized {
		return nil
	}
	return v.Initialize()
}

// Get returns the held value, initializing the cell first if needed.
func (v *Value[T]) Get() (T, error) {
	if err := v.ensure(); err != nil {
		var zero T
		return zero, err
	}
	return v.value, nil
}

// GetNested returns the member at path in the held value, or nil when a
// segment is missing or the value is not a map.
func (v *Value[T]) GetNested(path ...string) (any, error) {
	value, err := v.Get()
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return value, nil
	}
	m, ok := nested.AsMap(any(value))
	if !ok {
		return nil, nil
	}
	return nested.Get(m, path...), nil
}

// Set replaces the held value.
func (v *Value[T]) Set(value T) error {
	return v.SetWithStamp(value, nil)
}

// SetWithStamp replaces the held value and, when stamp is non-nil, its stamp.
func (v *Value[T]) SetWithStamp(value T, stamp any) error {
	if !v.settersActive() {
		return nil
	}
	return v.apply(value, stamp, false)
}

// SetNested sets the member at path inside a map-valued cell.
func (v *Value[T]) SetNested(path []string, value any) error {
	if !v.settersActive() {
		return nil
	}
	return v.mutateNested(func(m map[string]any) error {
		return nested.Set(m, value, path...)
	})
}

// DeleteNested removes the member at path inside a map-valued cell.
func (v *Value[T]) DeleteNested(path ...string) error {
	if !v.settersActive() {
		return nil
	}
	return v.mutateNested(func(m map[string]any) error {
		nested.Delete(m, path...)
		return nil
	})
}

func (v *Value[T]) mutateNested(mutate func(map[string]any) error) error {
	current, err := v.Get()
	if err != nil {
		return err
	}

	m, ok := any(current).(map[string]any)
	if !ok {
		return fault.From(ErrTypeMismatch, fmt.Sprintf("%s does not hold a map", v.Name()), nil).
			WithSubject(v.Name()).
			WithDetail("type", fmt.Sprintf("%T", current))
	}

	m = nested.Clone(m)
	if m == nil {
		m = make(map[string]any)
	}
	if err := mutate(m); err != nil {
		return err
	}

	next, ok := any(m).(T)
	if !ok {
		return fault.From(ErrTypeMismatch, fmt.Sprintf("%s does not hold a map", v.Name()), nil).WithSubject(v.Name())
	}
	return v.apply(next, nil, false)
}

// Default sets the held value to the default. The save, if any, is deferred.
func (v *Value[T]) Default() error {
	if !v.hasDefault {
		return fault.NewUsageError(fmt.Sprintf("%s has no default value", v.Name()), nil).
			WithCode(fault.CodeNoSource).
			WithSubject(v.Name())
	}
	return v.apply(v.def, nil, true)
}

// Build sets the held value to the result of the build function.
// While a save may follow, the store's top-level key is locked.
func (v *Value[T]) Build() (err error) {
	if v.build == nil {
		return fault.NewUsageError(fmt.Sprintf("%s has no build function", v.Name()), nil).
			WithCode(fault.CodeNoSource).
			WithSubject(v.Name())
	}

	if v.store != nil && v.saveMode != Passive {
		if err := v.store.Lock(v.path[0]); err != nil {
			return err
		}
		defer func() {
			if unlockErr := v.store.Unlock(v.path[0]); unlockErr != nil && err == nil {
				err = unlockErr
			}
		}()
	}

	start := time.Now()
	built, err := v.build()
	v.observe(OpBuild, start, err)
	if err != nil {
		return err
	}

	return v.apply(built.Value, built.Stamp, false)
}

// Save persists the held value and stamp. Without a store it does nothing.
func (v *Value[T]) Save() error {
	if err := v.ensure(); err != nil {
		return err
	}
	if v.store == nil {
		return nil
	}

	start := time.Now()
	err := v.persist()
	v.observe(OpSave, start, err)
	if err != nil {
		return err
	}

	v.pending = false
	return nil
}

func (v *Value[T]) persist() error {
	if err := v.checkType(v.value); err != nil {
		return err
	}

	value, err := v.save(v.value)
	if err != nil {
		return err
	}

	return v.store.Set(map[string]any{
		keyStamp: v.stamp,
		keyValue: value,
	}, v.path...)
}

// Commit saves the held value if a deferred save is pending.
func (v *Value[T]) Commit() error {
	if !v.pending {
		return nil
	}
	return v.Save()
}

// Load populates the held value and stamp from the store. It reports false
// for a miss: no store, no stored document, malformed data, a value of the
// wrong type, or a stamp failing immediate validation.
func (v *Value[T]) Load() (bool, error) {
	if v.store == nil {
		return false, nil
	}

	start := time.Now()
	raw, err := v.store.Get(v.path...)
	if err != nil {
		v.observe(OpLoad, start, err)
		if fault.HasCode(err, fault.CodeMalformed) {
			return false, nil
		}
		return false, err
	}

	ok, err := v.hydrate(raw)
	v.observe(OpLoad, start, err)
	return ok, err
}

func (v *Value[T]) hydrate(raw any) (bool, error) {
	data, ok := raw.(map[string]any)
	if !ok {
		return false, nil
	}
	stamp, hasStamp := data[keyStamp]
	stored, hasValue := data[keyValue]
	if !hasStamp || !hasValue {
		return false, nil
	}

	validated := false
	if v.validate != nil && v.validateMode != Passive {
		valid, err := v.validates(stamp)
		if err != nil {
			return false, err
		}
		if !valid {
			return false, nil
		}
		validated = true
	}

	value, err := v.load(stored)
	if err != nil {
		return false, nil
	}
	if v.checkType(value) != nil {
		return false, nil
	}

	v.value = value
	v.stamp = stamp
	v.initialized = true
	v.validKnown = validated
	v.valid = validated
	return true, nil
}

// StampValid reports whether the held stamp validates. The result is
// memoized until the value changes. A nil stamp is never valid.
func (v *Value[T]) StampValid() (bool, error) {
	if v.validate == nil {
		return false, fault.From(ErrNoValidator, v.Name()+" has no stamp validation function", nil).WithSubject(v.Name())
	}

	if !v.validKnown {
		if err := v.ensure(); err != nil {
			return false, err
		}
		valid, err := v.validates(v.stamp)
		if err != nil {
			return false, err
		}
		v.valid = valid
		v.validKnown = true
	}

	return v.valid, nil
}

func (v *Value[T]) validates(stamp any) (bool, error) {
	if stamp == nil {
		return false, nil
	}

	start := time.Now()
	valid, err := v.validate(stamp)
	v.observe(OpValidate, start, err)
	return valid, err
}

// Clear discards the held value and stamp and deletes the stored copy.
func (v *Value[T]) Clear() error {
	var zero T
	v.value = zero
	v.stamp = nil
	v.initialized = false
	v.pending = false
	v.validKnown = false
	v.valid = false

	if v.store != nil {
		return v.store.Delete(v.path...)
	}
	return nil
}

func (v *Value[T]) apply(value T, stamp any, deferred bool) error {
	if err := v.checkType(value); err != nil {
		return err
	}

	v.value = value
	v.initialized = true
	v.validKnown = false
	v.valid = false
	if stamp != nil {
		v.stamp = stamp
	}

	if v.store == nil || v.saveMode == Passive {
		return nil
	}
	if deferred || v.saveMode == Deferred {
		v.pending = true
		return nil
	}
	return v.Save()
}

// checkType rejects values whose dynamic type differs from the default's.
func (v *Value[T]) checkType(value T) error {
	if v.defaultType == nil {
		return nil
	}
	if got := reflect.TypeOf(any(value)); got != v.defaultType {
		return fault.From(ErrTypeMismatch,
			fmt.Sprintf("cannot set %s to %v, default is %v", v.Name(), got, v.defaultType), nil).
			WithSubject(v.Name())
	}
	return nil
}

func (v *Value[T]) observe(op string, start time.Time, err error) {
	if v.observer != nil {
		v.observer.ObserveCell(op, v.path, time.Since(start), err)
	}
}

// identitySave stores the value as is.
func identitySave[T any](value T) (any, error) {
	return value, nil
}

// decodeLoad converts a stored tree to T, through JSON when it is not a T already.
func decodeLoad[T any](stored any) (T, error) {
	if value, ok := stored.(T); ok {
		return value, nil
	}
	return Decode[T](stored)
}

// Decode converts a decoded JSON tree into S with a JSON round trip.
func Decode[S any](v any) (S, error) {
	var out S
	data, err := json.Marshal(v)
	if err != nil {
		return out, fault.NewDataError("failed to encode value", err).WithCode(fault.CodeMalformed)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fault.NewDataError(fmt.Sprintf("failed to decode value into %T", out), err).
			WithCode(fault.CodeMalformed)
	}
	return out, nil
}
