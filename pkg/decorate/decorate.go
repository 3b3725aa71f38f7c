// Package decorate composes a target value with an ordered stack of layers.
//
// A layer is any pointer to a struct embedding Link. Members are Go interfaces:
// resolving a member walks the frames from a starting point downwards and the
// first frame implementing the interface answers. External callers start at the
// top of the stack (the most recently attached layer); a layer delegating with
// Next starts at the frame directly below itself. The wrapped target is the
// bottom frame.
//
// Resolutions are recorded in a dispatch table keyed by member interface and
// starting frame, so each (member, frame) pair is introspected once per stack.
package decorate

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/openfroyo/strata/pkg/fault"
)

var (
	// ErrNotBase is returned when composing on a layer or on another stack.
	ErrNotBase = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "decoration target must be a base value")

	// ErrUnrelatedLayer is returned when a layer does not belong to the stack's family.
	ErrUnrelatedLayer = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "layer is unrelated to the stack family")

	// ErrLayerAttached is returned when a layer instance is attached to a second stack.
	ErrLayerAttached = fault.Sentinel(fault.ClassUsage, fault.CodeAlreadyExists, "layer already attached to a stack")

	// ErrDetached is returned when navigating from a link that belongs to no stack.
	ErrDetached = fault.Sentinel(fault.ClassUsage, fault.CodeNotFound, "layer is not attached to a stack")

	// ErrMemberNotFound is returned when no frame implements the requested member.
	ErrMemberNotFound = fault.Sentinel(fault.ClassUsage, fault.CodeMemberNotFound, "member not found")
)

// Layer is implemented by pointers to structs embedding Link.
type Layer interface {
	decorationLink() *Link
}

// Link binds a layer to the stack it was attached to.
// Embed it by value; a Link belongs to exactly one stack for its lifetime.
type Link struct {
	frames *frames
	index  int
}

func (l *Link) decorationLink() *Link {
	return l
}

// stacker is implemented by *Stack so that stacks cannot be composed again.
type stacker interface {
	decorationStack()
}

type dispatchKey struct {
	member reflect.Type
	start  int
}

// frames holds the target at index 0 and the layers above it in attach order.
type frames struct {
	target any
	layers []Layer

	mu       sync.Mutex
	dispatch map[dispatchKey]int
	byType   map[reflect.Type][]Layer
}

func (f *frames) top() int {
	return len(f.layers)
}

func (f *frames) at(i int) any {
	if i == 0 {
		return f.target
	}
	return f.layers[i-1]
}

// Stack is a composed target.
type Stack[T any] struct {
	frames *frames
	target T
}

func (s *Stack[T]) decorationStack() {}

// Target returns the wrapped value.
func (s *Stack[T]) Target() T {
	return s.target
}

// Len returns the number of attached layers.
func (s *Stack[T]) Len() int {
	return len(s.frames.layers)
}

// Compose wraps target with layers given in ascending priority: later layers
// shadow earlier ones and the target for the same member.
func Compose[T any](target T, layers ...Layer) (*Stack[T], error) {
	return compose(target, nil, layers)
}

// ComposeFamily is Compose with every layer required to implement F.
func ComposeFamily[F any, T any](target T, layers ...Layer) (*Stack[T], error) {
	family := reflect.TypeFor[F]()
	if family.Kind() != reflect.Interface {
		return nil, fault.NewUsageError(fmt.Sprintf("layer family %s must be an interface", family), nil).
			WithCode(fault.CodeValidation)
	}
	return compose(target, family, layers)
}

func compose[T any](target T, family reflect.Type, layers []Layer) (*Stack[T], error) {
	base := any(target)
	if base == nil {
		return nil, fault.From(ErrNotBase, "decoration target is nil", nil)
	}
	if _, ok := base.(Layer); ok {
		return nil, fault.From(ErrNotBase, fmt.Sprintf("cannot compose on layer %T", base), nil)
	}
	if _, ok := base.(stacker); ok {
		return nil, fault.From(ErrNotBase, fmt.Sprintf("cannot compose on stack %T", base), nil)
	}

	seen := make(map[*Link]bool, len(layers))
	for _, layer := range layers {
		if layer == nil {
			return nil, fault.NewUsageError("nil layer", nil).WithCode(fault.CodeValidation)
		}
		if v := reflect.ValueOf(layer); v.Kind() == reflect.Pointer && v.IsNil() {
			return nil, fault.NewUsageError("nil layer", nil).WithCode(fault.CodeValidation)
		}
		if family != nil && !reflect.TypeOf(layer).Implements(family) {
			return nil, fault.From(ErrUnrelatedLayer,
				fmt.Sprintf("layer %T does not implement %s", layer, family), nil)
		}
		link := layer.decorationLink()
		if link.frames != nil || seen[link] {
			return nil, fault.From(ErrLayerAttached, fmt.Sprintf("layer %T already attached", layer), nil)
		}
		seen[link] = true
	}

	f := &frames{
		target:   base,
		layers:   append([]Layer(nil), layers...),
		dispatch: make(map[dispatchKey]int),
		byType:   make(map[reflect.Type][]Layer),
	}

	// index top-first so LayersOf returns stack order
	for i := len(f.layers) - 1; i >= 0; i-- {
		layer := f.layers[i]
		typ := reflect.TypeOf(layer)
		f.byType[typ] = append(f.byType[typ], layer)
	}

	for i, layer := range f.layers {
		link := layer.decorationLink()
		link.frames = f
		link.index = i + 1
	}

	return &Stack[T]{frames: f, target: target}, nil
}

// Lookup resolves member I from the top of the stack.
func Lookup[I any, T any](s *Stack[T]) (I, error) {
	return resolve[I](s.frames, s.frames.top())
}

// Next resolves member I from the frame directly below layer.
func Next[I any](layer Layer) (I, error) {
	var zero I
	link := layer.decorationLink()
	if link.frames == nil {
		return zero, fault.From(ErrDetached, fmt.Sprintf("layer %T is not attached", layer), nil)
	}
	return resolve[I](link.frames, link.index-1)
}

// TargetOf returns the value wrapped by the stack layer is attached to.
func TargetOf(layer Layer) (any, error) {
	link := layer.decorationLink()
	if link.frames == nil {
		return nil, fault.From(ErrDetached, fmt.Sprintf("layer %T is not attached", layer), nil)
	}
	return link.frames.target, nil
}

// Attached reports whether layer belongs to a stack.
func Attached(layer Layer) bool {
	return layer.decorationLink().frames != nil
}

func resolve[I any](f *frames, start int) (I, error) {
	var zero I
	member := reflect.TypeFor[I]()
	key := dispatchKey{member: member, start: start}

	f.mu.Lock()
	index, recorded := f.dispatch[key]
	if !recorded {
		index = -1
		for i := start; i >= 0; i-- {
			if _, ok := f.at(i).(I); ok {
				index = i
				break
			}
		}
		f.dispatch[key] = index
	}
	f.mu.Unlock()

	if index < 0 {
		return zero, fault.From(ErrMemberNotFound,
			fmt.Sprintf("%s not implemented by %T or its layers", member, f.target), nil).
			WithSubject(fmt.Sprintf("%T", f.target)).
			WithDetail("member", member.String())
	}
	return f.at(index).(I), nil
}

// LayersOf returns every attached layer of type L, top of the stack first.
func LayersOf[L any, T any](s *Stack[T]) []L {
	typ := reflect.TypeFor[L]()

	var out []L
	if typ.Kind() != reflect.Interface {
		for _, layer := range s.frames.byType[typ] {
			out = append(out, layer.(L))
		}
		return out
	}

	for i := len(s.frames.layers) - 1; i >= 0; i-- {
		if l, ok := s.frames.layers[i].(L); ok {
			out = append(out, l)
		}
	}
	return out
}

// IsDecoratedWith reports whether at least one layer of type L is attached.
func IsDecoratedWith[L any, T any](s *Stack[T]) bool {
	return len(LayersOf[L](s)) > 0
}
