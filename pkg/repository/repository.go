// Package repository manages shared and per-entity properties of one
// (unit, namespace) pair and resolves them across an inheritance chain.
//
// A Flat repository owns a JSON property document. A Decorated repository
// composes a Flat one with layers through the decorate package; the
// Hierarchical layer turns it into a view merging the properties of the unit
// and its ancestors, closest first, with results cached in value cells.
package repository

import (
	"github.com/openfroyo/strata/pkg/fault"
)

const (
	// DefaultEntitiesKey names the entity collection in a property document.
	DefaultEntitiesKey = "resources"

	// DefaultInheritKey names the inheritance control property.
	DefaultInheritKey = "inherits"
)

// Scopes of a properties tree.
const (
	ScopeShared = "shared"
	ScopeEntity = "entity"
)

var (
	// ErrReservedKey is returned when a shared property would shadow the entity collection.
	ErrReservedKey = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "illegal property key")

	// ErrNoReference is returned by ancestor accessors when the own repository lacks the key.
	ErrNoReference = fault.Sentinel(fault.ClassUsage, fault.CodeNotFound, "reference entity does not exist")

	// ErrConsumed is returned when a single-pass ancestor sequence is iterated again.
	ErrConsumed = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "ancestor sequence already consumed")
)

// Identity names a repository uniquely within an inheritance hierarchy.
type Identity interface {
	Identifier() string
}

// SharedReader reads properties declared at the document's top level.
type SharedReader interface {
	SharedProperties() (map[string]any, error)
	SharedProperty(key string) (any, error)
}

// SharedWriter writes properties declared at the document's top level.
type SharedWriter interface {
	SetSharedProperty(key string, value any) error
}

// EntityReader reads per-entity properties.
type EntityReader interface {
	EntityProperties(key string) (map[string]any, error)
	AllEntityProperties() (map[string]map[string]any, error)
}

// EntityWriter writes per-entity properties with an overwrite merge.
type EntityWriter interface {
	SetEntityProperties(key string, data map[string]any) error
}

// Inheritance reports the inheritance control flags of a repository.
type Inheritance interface {
	DeclaredInherited() (bool, error)
	EntityDeclaredInherited(key string) (bool, error)
	EntitiesDeclaredDisinherited() ([]string, error)
}

// Stamper snapshots the backing document for cache validation.
type Stamper interface {
	Stamp() (Stamp, error)
	StampValid(stamp Stamp) (bool, error)
}

// Reloader is implemented by repositories that can discard their in-memory
// state and read the backing document again.
type Reloader interface {
	Reload() error
}

// Lister reports which entities a repository holds.
type Lister interface {
	Has(key string) (bool, error)
	Keys() ([]string, error)
}

// Repository is the full surface of a property repository.
type Repository interface {
	Identity
	SharedReader
	SharedWriter
	EntityReader
	EntityWriter
	Inheritance
	Stamper
	Lister
}

// Chain supplies the repositories of a unit and its ancestors, closest first.
// The first element is the unit's own repository.
type Chain interface {
	Repositories() ([]Repository, error)
}

// ChainFunc adapts a function to Chain.
type ChainFunc func() ([]Repository, error)

// Repositories calls f.
func (f ChainFunc) Repositories() ([]Repository, error) {
	return f()
}

// declaredInherited evaluates a unit-level inheritance flag: absent or true.
func declaredInherited(value any, present bool) bool {
	if !present || value == nil {
		return true
	}
	b, ok := value.(bool)
	return ok && b
}

// entityDeclaredInherited evaluates an entity-level flag: absent, true, or a
// structured override payload.
func entityDeclaredInherited(value any, present bool) bool {
	if !present || value == nil {
		return true
	}
	switch v := value.(type) {
	case bool:
		return v
	case map[string]any:
		return true
	default:
		return false
	}
}
