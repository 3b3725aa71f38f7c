package repository

import (
	"fmt"
	"iter"

	"github.com/openfroyo/strata/pkg/cell"
	"github.com/openfroyo/strata/pkg/decorate"
	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/nested"
)

// HierarchyOptions configures a Hierarchical layer.
type HierarchyOptions struct {
	// Registry holds the layer's cells. Without one, cells are not persisted.
	Registry *cell.Registry

	// Name is the repository kind, usually the entity collection name.
	Name string

	// Namespace groups entities within a unit.
	Namespace string

	// CacheMode is Deferred to load and save cached results, Passive to keep
	// them in memory only. Defaults to Deferred.
	CacheMode cell.Mode

	// ValidateMode is Immediate to reject stale cached results on load.
	// Defaults to Immediate.
	ValidateMode cell.Mode

	// InheritKey names the inheritance control property. Defaults to DefaultInheritKey.
	InheritKey string
}

// Hierarchical is a layer resolving properties and entity owners across the
// chain of the repository it decorates.
type Hierarchical struct {
	decorate.Link

	chain Chain
	opts  HierarchyOptions

	properties *cell.Value[map[string]any]
	resolution *cell.Value[map[string]any]
}

// NewHierarchical creates a layer over chain. Cells are registered on first use.
func NewHierarchical(chain Chain, opts HierarchyOptions) (*Hierarchical, error) {
	if chain == nil {
		return nil, fault.NewUsageError("hierarchical repository requires a chain", nil).WithCode(fault.CodeValidation)
	}
	if opts.Name == "" {
		opts.Name = DefaultEntitiesKey
	}
	if opts.CacheMode == 0 {
		opts.CacheMode = cell.Deferred
	}
	if opts.ValidateMode == 0 {
		opts.ValidateMode = cell.Immediate
	}
	if opts.InheritKey == "" {
		opts.InheritKey = DefaultInheritKey
	}
	if opts.CacheMode != cell.Deferred && opts.CacheMode != cell.Passive {
		return nil, fault.NewUsageError(fmt.Sprintf("cache mode %s is not allowed", opts.CacheMode), nil).
			WithCode(fault.CodeValidation)
	}
	if opts.ValidateMode != cell.Immediate && opts.ValidateMode != cell.Passive {
		return nil, fault.NewUsageError(fmt.Sprintf("validate mode %s is not allowed", opts.ValidateMode), nil).
			WithCode(fault.CodeValidation)
	}

	return &Hierarchical{chain: chain, opts: opts}, nil
}

// CellPaths returns the store paths of the properties and resolution cells
// for a unit. An empty namespace is left out.
func CellPaths(name, unit, namespace string) (properties, resolution []string) {
	properties = []string{"hierarchy.properties." + name, unit}
	resolution = []string{"hierarchy.resolution." + name, unit}
	if namespace != "" {
		properties = append(properties, namespace)
		resolution = append(resolution, namespace)
	}
	return properties, resolution
}

// Own returns the repository this layer decorates.
func (h *Hierarchical) Own() (Repository, error) {
	target, err := decorate.TargetOf(h)
	if err != nil {
		return nil, err
	}
	own, ok := target.(Repository)
	if !ok {
		return nil, fault.NewUsageError(fmt.Sprintf("decorated %T is not a repository", target), nil).
			WithCode(fault.CodeValidation)
	}
	return own, nil
}

func (h *Hierarchical) cells() error {
	if h.properties != nil {
		return nil
	}

	own, err := h.Own()
	if err != nil {
		return err
	}
	propertiesPath, resolutionPath := CellPaths(h.opts.Name, own.Identifier(), h.opts.Namespace)

	validate := func(stamp any) (bool, error) {
		return h.ChainStampValid(stamp)
	}

	propertiesOpts := []cell.Option[map[string]any]{
		cell.WithDefault(map[string]any{ScopeShared: map[string]any{}, ScopeEntity: map[string]any{}}, cell.Deferred),
		cell.WithBuild(h.buildProperties, cell.Deferred),
		cell.WithSave[map[string]any](nil, h.opts.CacheMode),
		cell.WithLoad[map[string]any](nil, h.opts.CacheMode),
		cell.WithStampValidation[map[string]any](validate, h.opts.ValidateMode),
	}
	resolutionOpts := []cell.Option[map[string]any]{
		cell.WithDefault(map[string]any{}, cell.Deferred),
		cell.WithBuild(h.buildResolution, h.opts.CacheMode),
		cell.WithSave(saveIdentifiers, h.opts.CacheMode),
		cell.WithLoad(h.loadIdentifiers, h.opts.CacheMode),
		cell.WithStampValidation[map[string]any](validate, h.opts.ValidateMode),
	}

	var properties, resolution *cell.Value[map[string]any]
	if h.opts.Registry != nil {
		properties, err = cell.Register(h.opts.Registry, propertiesPath, propertiesOpts...)
		if err != nil {
			return err
		}
		resolution, err = cell.Register(h.opts.Registry, resolutionPath, resolutionOpts...)
		if err != nil {
			return err
		}
	} else {
		if properties, err = cell.New(propertiesOpts...); err != nil {
			return err
		}
		if resolution, err = cell.New(resolutionOpts...); err != nil {
			return err
		}
	}

	h.properties = properties
	h.resolution = resolution
	return nil
}

// SharedProperties returns the merged shared properties of the chain.
func (h *Hierarchical) SharedProperties() (map[string]any, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}
	v, err := h.properties.GetNested(ScopeShared)
	if err != nil {
		return nil, err
	}
	m, _ := nested.AsMap(v)
	if m == nil {
		return map[string]any{}, nil
	}
	return nested.Clone(m), nil
}

// SharedProperty returns a merged shared property, or nil.
func (h *Hierarchical) SharedProperty(key string) (any, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}
	v, err := h.properties.GetNested(ScopeShared, key)
	if err != nil {
		return nil, err
	}
	return nested.Copy(v), nil
}

// SetSharedProperty writes through to the layer below and rebuilds the caches.
func (h *Hierarchical) SetSharedProperty(key string, value any) error {
	next, err := decorate.Next[SharedWriter](h)
	if err != nil {
		return err
	}
	if err := next.SetSharedProperty(key, value); err != nil {
		return err
	}
	return h.rebuild()
}

// EntityProperties returns the merged properties of an entity; empty when absent.
func (h *Hierarchical) EntityProperties(key string) (map[string]any, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}
	v, err := h.properties.GetNested(ScopeEntity, key)
	if err != nil {
		return nil, err
	}
	m, _ := nested.AsMap(v)
	if m == nil {
		return map[string]any{}, nil
	}
	return nested.Clone(m), nil
}

// AllEntityProperties returns the merged properties of every entity.
func (h *Hierarchical) AllEntityProperties() (map[string]map[string]any, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}
	v, err := h.properties.GetNested(ScopeEntity)
	if err != nil {
		return nil, err
	}
	m, _ := nested.AsMap(v)
	out := make(map[string]map[string]any, len(m))
	for k, props := range m {
		if pm, ok := nested.AsMap(props); ok {
			out[k] = nested.Clone(pm)
		} else {
			out[k] = map[string]any{}
		}
	}
	return out, nil
}

// SetEntityProperties writes through to the layer below and rebuilds the caches.
func (h *Hierarchical) SetEntityProperties(key string, data map[string]any) error {
	next, err := decorate.Next[EntityWriter](h)
	if err != nil {
		return err
	}
	if err := next.SetEntityProperties(key, data); err != nil {
		return err
	}
	return h.rebuild()
}

// refresh compares the held properties cache with the chain's documents.
// With immediate validation, a mismatch reloads the stale repositories and
// rebuilds the caches. Passive validation trusts the held caches.
func (h *Hierarchical) refresh() error {
	if err := h.cells(); err != nil {
		return err
	}
	if h.opts.ValidateMode != cell.Immediate {
		return nil
	}
	if _, err := h.properties.Get(); err != nil {
		return err
	}

	valid, err := h.ChainStampValid(h.properties.Stamp())
	if err != nil || valid {
		return err
	}
	if err := h.reloadChain(); err != nil {
		return err
	}
	return h.rebuild()
}

// reloadChain rereads every chain repository whose document changed since it was read.
func (h *Hierarchical) reloadChain() error {
	repos, err := h.chain.Repositories()
	if err != nil {
		return err
	}
	for _, r := range repos {
		reloader, ok := r.(Reloader)
		if !ok {
			continue
		}
		held, err := r.Stamp()
		if err != nil {
			return err
		}
		current, err := r.StampValid(held)
		if err != nil {
			return err
		}
		if current {
			continue
		}
		if err := reloader.Reload(); err != nil {
			return err
		}
	}
	return nil
}

// rebuild refreshes the properties cache and, once used, the resolution cache.
func (h *Hierarchical) rebuild() error {
	if err := h.cells(); err != nil {
		return err
	}
	if err := h.properties.Build(); err != nil {
		return err
	}
	if h.resolution.Initialized() {
		return h.resolution.Build()
	}
	return nil
}

// QueryRepository returns the repository authoritative for key, or nil.
// The own repository wins when it has key; otherwise the closest ancestor
// holding key above the disinheritance floor.
func (h *Hierarchical) QueryRepository(key string) (Repository, error) {
	own, err := h.Own()
	if err != nil {
		return nil, err
	}
	has, err := own.Has(key)
	if err != nil {
		return nil, err
	}
	if has {
		return own, nil
	}
	for r, err := range h.walk(own, key) {
		return r, err
	}
	return nil, nil
}

// ResolveRepository queries the authoritative repository for key and records
// the result in the resolution cache.
func (h *Hierarchical) ResolveRepository(key string) (Repository, error) {
	if err := h.cells(); err != nil {
		return nil, err
	}
	r, err := h.QueryRepository(key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		err = h.resolution.DeleteNested(key)
	} else {
		err = h.resolution.SetNested([]string{key}, r)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ResolvedRepository returns the authoritative repository for key through the cache.
func (h *Hierarchical) ResolvedRepository(key string) (Repository, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}
	v, err := h.resolution.GetNested(key)
	if err != nil {
		return nil, err
	}
	if r, ok := v.(Repository); ok && r != nil {
		return r, nil
	}
	return h.ResolveRepository(key)
}

// Resolved returns the authoritative repository for key and the merged
// properties of the entity.
func (h *Hierarchical) Resolved(key string) (Repository, map[string]any, error) {
	r, err := h.ResolvedRepository(key)
	if err != nil || r == nil {
		return nil, nil, err
	}
	props, err := h.EntityProperties(key)
	if err != nil {
		return nil, nil, err
	}
	return r, props, nil
}

// EntityResolvesToAncestor reports whether key resolves to a repository other than the own one.
func (h *Hierarchical) EntityResolvesToAncestor(key string) (bool, error) {
	own, err := h.Own()
	if err != nil {
		return false, err
	}
	r, err := h.ResolvedRepository(key)
	if err != nil {
		return false, err
	}
	return r != nil && r.Identifier() != own.Identifier(), nil
}

// EntityAncestorRepositories returns the ancestors holding key, closest
// first, stopping at the disinheritance floor. The own repository must hold
// key. The sequence is lazy and can be ranged over once.
func (h *Hierarchical) EntityAncestorRepositories(key string) (iter.Seq2[Repository, error], error) {
	own, err := h.reference(key)
	if err != nil {
		return nil, err
	}

	consumed := false
	walk := h.walk(own, key)
	return func(yield func(Repository, error) bool) {
		if consumed {
			yield(nil, fault.From(ErrConsumed, fmt.Sprintf("ancestors of %q already consumed", key), nil))
			return
		}
		consumed = true
		walk(yield)
	}, nil
}

// ClosestEntityAncestor returns the closest ancestor holding key, or nil.
func (h *Hierarchical) ClosestEntityAncestor(key string) (Repository, error) {
	seq, err := h.EntityAncestorRepositories(key)
	if err != nil {
		return nil, err
	}
	for r, err := range seq {
		return r, err
	}
	return nil, nil
}

// EntityHasAncestors reports whether an ancestor holds key.
func (h *Hierarchical) EntityHasAncestors(key string) (bool, error) {
	r, err := h.ClosestEntityAncestor(key)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

func (h *Hierarchical) reference(key string) (Repository, error) {
	own, err := h.Own()
	if err != nil {
		return nil, err
	}
	has, err := own.Has(key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fault.From(ErrNoReference,
			fmt.Sprintf("%s does not hold %q", own.Identifier(), key), nil).
			WithSubject(own.Identifier())
	}
	return own, nil
}

// walk yields chain repositories other than own that hold key. It stops after
// the first repository that disinherits key or is not inherited as a whole.
func (h *Hierarchical) walk(own Repository, key string) iter.Seq2[Repository, error] {
	return func(yield func(Repository, error) bool) {
		repos, err := h.chain.Repositories()
		if err != nil {
			yield(nil, err)
			return
		}

		for _, r := range repos {
			if r.Identifier() != own.Identifier() {
				has, err := r.Has(key)
				if err != nil {
					yield(nil, err)
					return
				}
				if has && !yield(r, nil) {
					return
				}
			}

			entityInherited, err := r.EntityDeclaredInherited(key)
			if err != nil {
				yield(nil, err)
				return
			}
			unitInherited, err := r.DeclaredInherited()
			if err != nil {
				yield(nil, err)
				return
			}
			if !entityInherited || !unitInherited {
				return
			}
		}
	}
}

// All returns every entity key visible from the own repository mapped to its
// authoritative repository.
func (h *Hierarchical) All() (map[string]Repository, error) {
	repos, err := h.chain.Repositories()
	if err != nil {
		return nil, err
	}

	results := make(map[string]Repository)
	disinherited := make(map[string]bool)

	for _, r := range repos {
		keys, err := r.Keys()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if disinherited[key] {
				continue
			}
			if _, done := results[key]; done {
				continue
			}
			owner, err := h.QueryRepository(key)
			if err != nil {
				return nil, err
			}
			if owner != nil {
				results[key] = owner
			}
		}

		sealed, err := r.EntitiesDeclaredDisinherited()
		if err != nil {
			return nil, err
		}
		for _, key := range sealed {
			disinherited[key] = true
		}

		inherited, err := r.DeclaredInherited()
		if err != nil {
			return nil, err
		}
		if !inherited {
			break
		}
	}

	return results, nil
}

// ChainStamp returns the stamps of every repository in the chain, closest first.
func (h *Hierarchical) ChainStamp() (ChainStamp, error) {
	repos, err := h.chain.Repositories()
	if err != nil {
		return nil, err
	}

	stamp := make(ChainStamp, 0, len(repos))
	for _, r := range repos {
		s, err := r.Stamp()
		if err != nil {
			return nil, err
		}
		stamp = append(stamp, UnitStamp{Identifier: r.Identifier(), Stamp: s})
	}
	return stamp, nil
}

// ChainStampValid reports whether stamp matches the current chain: the same
// repositories in the same order, each with a valid stamp. stamp may be a
// ChainStamp or its decoded JSON form.
func (h *Hierarchical) ChainStampValid(stamp any) (bool, error) {
	cs, ok := stamp.(ChainStamp)
	if !ok {
		decoded, err := cell.Decode[ChainStamp](stamp)
		if err != nil {
			return false, nil
		}
		cs = decoded
	}

	repos, err := h.chain.Repositories()
	if err != nil {
		return false, err
	}
	if len(repos) != len(cs) {
		return false, nil
	}

	for i, r := range repos {
		if cs[i].Identifier != r.Identifier() {
			return false, nil
		}
		valid, err := r.StampValid(cs[i].Stamp)
		if err != nil {
			return false, err
		}
		if !valid {
			return false, nil
		}
	}
	return true, nil
}

// BuildCache rebuilds the properties and resolution caches.
func (h *Hierarchical) BuildCache() error {
	if err := h.cells(); err != nil {
		return err
	}
	if err := h.properties.Build(); err != nil {
		return err
	}
	return h.resolution.Build()
}

// Commit flushes pending deferred saves of the layer's cells.
func (h *Hierarchical) Commit() error {
	if h.properties == nil {
		return nil
	}
	if err := h.properties.Commit(); err != nil {
		return err
	}
	return h.resolution.Commit()
}

// ClearCache discards the layer's cached results, in memory and stored.
func (h *Hierarchical) ClearCache() error {
	if h.properties == nil {
		return nil
	}
	if err := h.properties.Clear(); err != nil {
		return err
	}
	return h.resolution.Clear()
}

// buildProperties merges the chain's properties, closest first. The
// inheritance control property is taken from the own repository only.
func (h *Hierarchical) buildProperties() (cell.Built[map[string]any], error) {
	var built cell.Built[map[string]any]

	repos, err := h.chain.Repositories()
	if err != nil {
		return built, err
	}

	shared := map[string]any{}
	entities := map[string]any{}
	disinherited := make(map[string]bool)

	for i, r := range repos {
		props, err := r.SharedProperties()
		if err != nil {
			return built, err
		}
		if i > 0 {
			props = nested.Without(props, h.opts.InheritKey)
		}
		shared = nested.Merge(shared, props)

		all, err := r.AllEntityProperties()
		if err != nil {
			return built, err
		}
		for id, entityProps := range all {
			if disinherited[id] {
				continue
			}
			if i > 0 {
				entityProps = nested.Without(entityProps, h.opts.InheritKey)
			}
			closer, _ := nested.AsMap(entities[id])
			entities[id] = nested.Merge(closer, entityProps)

			inherited, err := r.EntityDeclaredInherited(id)
			if err != nil {
				return built, err
			}
			if !inherited {
				disinherited[id] = true
			}
		}

		inherited, err := r.DeclaredInherited()
		if err != nil {
			return built, err
		}
		if !inherited {
			break
		}
	}

	stamp, err := h.ChainStamp()
	if err != nil {
		return built, err
	}

	built.Value = map[string]any{ScopeShared: shared, ScopeEntity: entities}
	built.Stamp = stamp
	return built, nil
}

func (h *Hierarchical) buildResolution() (cell.Built[map[string]any], error) {
	var built cell.Built[map[string]any]

	all, err := h.All()
	if err != nil {
		return built, err
	}
	stamp, err := h.ChainStamp()
	if err != nil {
		return built, err
	}

	value := make(map[string]any, len(all))
	for k, r := range all {
		value[k] = r
	}
	built.Value = value
	built.Stamp = stamp
	return built, nil
}

// saveIdentifiers stores repositories by identifier.
func saveIdentifiers(resolved map[string]any) (any, error) {
	out := make(map[string]any, len(resolved))
	for k, v := range resolved {
		r, ok := v.(Repository)
		if !ok {
			return nil, fault.NewInternalError(fmt.Sprintf("resolution of %q holds %T", k, v), nil)
		}
		out[k] = r.Identifier()
	}
	return out, nil
}

// loadIdentifiers maps stored identifiers back to chain repositories. An
// identifier outside the current chain makes the stored copy unusable.
func (h *Hierarchical) loadIdentifiers(stored any) (map[string]any, error) {
	data, ok := nested.AsMap(stored)
	if !ok && stored != nil {
		if _, empty := stored.(map[string]any); !empty {
			return nil, fault.NewDataError("resolution cache must be an object", nil).WithCode(fault.CodeMalformed)
		}
	}

	repos, err := h.chain.Repositories()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Repository, len(repos))
	for _, r := range repos {
		byID[r.Identifier()] = r
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		id, ok := v.(string)
		if !ok {
			return nil, fault.NewDataError(fmt.Sprintf("resolution of %q is not an identifier", k), nil).
				WithCode(fault.CodeMalformed)
		}
		r, ok := byID[id]
		if !ok {
			return nil, fault.NewDataError(fmt.Sprintf("unknown repository %q", id), nil).
				WithCode(fault.CodeNotFound)
		}
		out[k] = r
	}
	return out, nil
}
