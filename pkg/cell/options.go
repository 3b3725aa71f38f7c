package cell

import (
	"fmt"
	"reflect"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/stores"
)

// Option configures a Value.
type Option[T any] func(*Value[T]) error

func checkMode(axis string, mode Mode, allowed ...Mode) error {
	for _, m := range allowed {
		if m == mode {
			return nil
		}
	}
	return fault.NewUsageError(fmt.Sprintf("mode %s is not allowed for %s", mode, axis), nil).
		WithCode(fault.CodeValidation).
		WithDetail("axis", axis)
}

// WithStore persists the cell at path in store. The first path segment is
// the store's top-level key.
func WithStore[T any](store stores.NestedStore, path ...string) Option[T] {
	return func(v *Value[T]) error {
		v.store = store
		v.path = append([]string(nil), path...)
		return nil
	}
}

// WithDefault configures the default value, which also fixes the dynamic
// type every later value must have. Allowed modes: Deferred, Passive.
func WithDefault[T any](value T, mode Mode) Option[T] {
	return func(v *Value[T]) error {
		if err := checkMode("default", mode, Deferred, Passive); err != nil {
			return err
		}
		typ := reflect.TypeOf(any(value))
		if typ == nil {
			return fault.NewUsageError("default value cannot be nil", nil).WithCode(fault.CodeValidation)
		}
		v.def = value
		v.defaultType = typ
		v.hasDefault = true
		v.defaultMode = mode
		return nil
	}
}

// WithBuild configures the build function. Allowed modes: Deferred, Passive.
func WithBuild[T any](fn func() (Built[T], error), mode Mode) Option[T] {
	return func(v *Value[T]) error {
		if err := checkMode("build", mode, Deferred, Passive); err != nil {
			return err
		}
		v.build = fn
		v.buildMode = mode
		return nil
	}
}

// WithSave configures the transformation applied before storing and when
// saves happen. A nil fn stores the value as is. Allowed modes: all.
func WithSave[T any](fn func(T) (any, error), mode Mode) Option[T] {
	return func(v *Value[T]) error {
		if err := checkMode("save", mode, Immediate, Deferred, Passive); err != nil {
			return err
		}
		if fn == nil {
			fn = identitySave[T]
		}
		v.save = fn
		v.saveMode = mode
		return nil
	}
}

// WithLoad configures the hydration of stored values. A nil fn decodes the
// stored tree into T. An error from fn is a miss. Allowed modes: Deferred, Passive.
func WithLoad[T any](fn func(any) (T, error), mode Mode) Option[T] {
	return func(v *Value[T]) error {
		if err := checkMode("load", mode, Deferred, Passive); err != nil {
			return err
		}
		if fn == nil {
			fn = decodeLoad[T]
		}
		v.load = fn
		v.loadMode = mode
		return nil
	}
}

// WithStampValidation configures the stamp validation function. With
// Immediate, stored values whose stamp does not validate are not loaded.
// Allowed modes: Immediate, Passive.
func WithStampValidation[T any](fn func(stamp any) (bool, error), mode Mode) Option[T] {
	return func(v *Value[T]) error {
		if err := checkMode("stamp validation", mode, Immediate, Passive); err != nil {
			return err
		}
		v.validate = fn
		v.validateMode = mode
		return nil
	}
}

// WithObserver reports operation durations to o.
func WithObserver[T any](o Observer) Option[T] {
	return func(v *Value[T]) error {
		v.observer = o
		return nil
	}
}
