package repository

import (
	"errors"

	"github.com/openfroyo/strata/pkg/decorate"
)

// Decorated is a Repository whose members are answered by the topmost layer
// implementing them, falling back to the wrapped repository.
type Decorated struct {
	stack *decorate.Stack[Repository]
}

// Decorate composes own with layers in ascending priority.
func Decorate(own Repository, layers ...decorate.Layer) (*Decorated, error) {
	stack, err := decorate.Compose(own, layers...)
	if err != nil {
		return nil, err
	}
	return &Decorated{stack: stack}, nil
}

// Own returns the wrapped repository.
func (d *Decorated) Own() Repository {
	return d.stack.Target()
}

// Hierarchy returns the topmost Hierarchical layer, if any.
func (d *Decorated) Hierarchy() (*Hierarchical, bool) {
	layers := decorate.LayersOf[*Hierarchical](d.stack)
	if len(layers) == 0 {
		return nil, false
	}
	return layers[0], true
}

// Stack exposes the decoration stack.
func (d *Decorated) Stack() *decorate.Stack[Repository] {
	return d.stack
}

func (d *Decorated) Identifier() string {
	if m, err := decorate.Lookup[Identity](d.stack); err == nil {
		return m.Identifier()
	}
	return d.stack.Target().Identifier()
}

func (d *Decorated) SharedProperties() (map[string]any, error) {
	m, err := decorate.Lookup[SharedReader](d.stack)
	if err != nil {
		return nil, err
	}
	return m.SharedProperties()
}

func (d *Decorated) SharedProperty(key string) (any, error) {
	m, err := decorate.Lookup[SharedReader](d.stack)
	if err != nil {
		return nil, err
	}
	return m.SharedProperty(key)
}

func (d *Decorated) SetSharedProperty(key string, value any) error {
	m, err := decorate.Lookup[SharedWriter](d.stack)
	if err != nil {
		return err
	}
	return m.SetSharedProperty(key, value)
}

func (d *Decorated) EntityProperties(key string) (map[string]any, error) {
	m, err := decorate.Lookup[EntityReader](d.stack)
	if err != nil {
		return nil, err
	}
	return m.EntityProperties(key)
}

func (d *Decorated) AllEntityProperties() (map[string]map[string]any, error) {
	m, err := decorate.Lookup[EntityReader](d.stack)
	if err != nil {
		return nil, err
	}
	return m.AllEntityProperties()
}

func (d *Decorated) SetEntityProperties(key string, data map[string]any) error {
	m, err := decorate.Lookup[EntityWriter](d.stack)
	if err != nil {
		return err
	}
	return m.SetEntityProperties(key, data)
}

func (d *Decorated) DeclaredInherited() (bool, error) {
	m, err := decorate.Lookup[Inheritance](d.stack)
	if err != nil {
		return false, err
	}
	return m.DeclaredInherited()
}

func (d *Decorated) EntityDeclaredInherited(key string) (bool, error) {
	m, err := decorate.Lookup[Inheritance](d.stack)
	if err != nil {
		return false, err
	}
	return m.EntityDeclaredInherited(key)
}

func (d *Decorated) EntitiesDeclaredDisinherited() ([]string, error) {
	m, err := decorate.Lookup[Inheritance](d.stack)
	if err != nil {
		return nil, err
	}
	return m.EntitiesDeclaredDisinherited()
}

func (d *Decorated) Stamp() (Stamp, error) {
	m, err := decorate.Lookup[Stamper](d.stack)
	if err != nil {
		return Stamp{}, err
	}
	return m.Stamp()
}

func (d *Decorated) StampValid(stamp Stamp) (bool, error) {
	m, err := decorate.Lookup[Stamper](d.stack)
	if err != nil {
		return false, err
	}
	return m.StampValid(stamp)
}

func (d *Decorated) Has(key string) (bool, error) {
	m, err := decorate.Lookup[Lister](d.stack)
	if err != nil {
		return false, err
	}
	return m.Has(key)
}

func (d *Decorated) Keys() ([]string, error) {
	m, err := decorate.Lookup[Lister](d.stack)
	if err != nil {
		return nil, err
	}
	return m.Keys()
}

// Reload rereads the backing document of the first member able to. A stack
// without one has nothing to reload.
func (d *Decorated) Reload() error {
	m, err := decorate.Lookup[Reloader](d.stack)
	if errors.Is(err, decorate.ErrMemberNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.Reload()
}
