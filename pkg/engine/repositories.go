package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/facette/natsort"

	"github.com/openfroyo/strata/pkg/cell"
	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/repository"
	"github.com/openfroyo/strata/pkg/telemetry"
)

// Resolution is the authoritative owner of an entity and its properties.
type Resolution struct {
	Package   string `json:"package"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`

	// Owner is the package answering for the entity, empty when none does.
	Owner string `json:"owner,omitempty"`

	// Path is the entity file in the owner package, if it exists.
	Path string `json:"path,omitempty"`

	Properties map[string]any `json:"properties"`
}

func memoKey(name, namespace string) string {
	return name + "\x00" + namespace
}

// DocumentPath returns the property document of a package directory for namespace.
func DocumentPath(dir, namespace string) string {
	return filepath.Join(dir, namespace+".json")
}

// EntityPath returns the file of an entity in a package directory.
func EntityPath(dir, namespace, key string) string {
	return filepath.Join(dir, namespace, filepath.FromSlash(key))
}

// flat returns the memoized flat repository of a package and namespace.
// Entities are the files below <package>/<namespace> and the keys holding
// properties in <package>/<namespace>.json.
func (w *Workspace) flat(name, namespace string) (*repository.Flat, error) {
	key := memoKey(name, namespace)

	w.memoMu.Lock()
	defer w.memoMu.Unlock()

	if f, ok := w.flats[key]; ok {
		return f, nil
	}

	pkg, err := w.packages.Get(name, "")
	if err != nil {
		return nil, err
	}
	dir := pkg.Dir()

	var f *repository.Flat
	f, err = repository.New(repository.Config{
		ID:          name,
		Path:        DocumentPath(dir, namespace),
		EntitiesKey: namespace,
		KeepNull:    w.cfg.Repository.KeepNull,
		KeepEmpty:   w.cfg.Repository.KeepEmpty,
		Locate: func(key string) (bool, error) {
			if entityFileExists(dir, namespace, key) {
				return true, nil
			}
			props, err := f.EntityProperties(key)
			if err != nil {
				return false, err
			}
			return len(props) > 0, nil
		},
		List: func() ([]string, error) {
			keys, err := entityFiles(filepath.Join(dir, namespace))
			if err != nil {
				return nil, err
			}
			all, err := f.AllEntityProperties()
			if err != nil {
				return nil, err
			}
			for k := range all {
				keys = append(keys, k)
			}
			return keys, nil
		},
	})
	if err != nil {
		return nil, err
	}

	w.flats[key] = f
	return f, nil
}

func entityFileExists(dir, namespace, key string) bool {
	if key == "" || strings.Contains(key, "..") {
		return false
	}
	info, err := os.Stat(EntityPath(dir, namespace, key))
	return err == nil && !info.IsDir()
}

// entityFiles lists the files below dir as slash-separated relative keys.
func entityFiles(dir string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fault.NewDataError("could not list entity files", err).
			WithCode(fault.CodeIO).
			WithSubject(dir)
	}
	natsort.Sort(keys)
	return keys, nil
}

// Repository returns the hierarchical repository of a package for namespace.
// It is created on first use and memoized for the workspace lifetime.
func (w *Workspace) Repository(name, namespace string) (*repository.Decorated, error) {
	if err := w.checkNamespace(namespace); err != nil {
		return nil, err
	}
	key := memoKey(name, namespace)

	w.memoMu.Lock()
	d, ok := w.repos[key]
	w.memoMu.Unlock()
	if ok {
		return d, nil
	}

	own, err := w.flat(name, namespace)
	if err != nil {
		return nil, err
	}

	chain := repository.ChainFunc(func() ([]repository.Repository, error) {
		names, err := w.resolver.Chain(name)
		if err != nil {
			return nil, err
		}
		repos := make([]repository.Repository, 0, len(names))
		for _, n := range names {
			f, err := w.flat(n, namespace)
			if err != nil {
				return nil, err
			}
			repos = append(repos, f)
		}
		return repos, nil
	})

	cacheMode, err := cell.ParseMode(w.cfg.Cache.Mode)
	if err != nil {
		return nil, err
	}
	validateMode, err := cell.ParseMode(w.cfg.Cache.Validation)
	if err != nil {
		return nil, err
	}

	h, err := repository.NewHierarchical(chain, repository.HierarchyOptions{
		Registry:     w.cells,
		Name:         namespace,
		CacheMode:    cacheMode,
		ValidateMode: validateMode,
	})
	if err != nil {
		return nil, err
	}
	d, err = repository.Decorate(own, h)
	if err != nil {
		return nil, err
	}

	w.memoMu.Lock()
	defer w.memoMu.Unlock()
	if existing, ok := w.repos[key]; ok {
		return existing, nil
	}
	w.repos[key] = d
	w.tel.Metrics.SetRepositories(len(w.repos))
	return d, nil
}

func (w *Workspace) hierarchy(name, namespace string) (*repository.Hierarchical, error) {
	d, err := w.Repository(name, namespace)
	if err != nil {
		return nil, err
	}
	h, ok := d.Hierarchy()
	if !ok {
		return nil, fault.NewInternalError("repository has no hierarchy layer", nil).WithSubject(name)
	}
	return h, nil
}

func (w *Workspace) startRepository(ctx context.Context, name, namespace, operation string) *telemetry.InstrumentedContext {
	return w.tel.StartOperation(ctx, "repository."+operation,
		telemetry.AttrPackage.String(name),
		telemetry.AttrNamespace.String(namespace),
		telemetry.AttrOperation.String(operation),
	)
}

// Resolve finds the package answering for key in the chain of name.
func (w *Workspace) Resolve(ctx context.Context, name, namespace, key string) (_ *Resolution, err error) {
	op := w.startRepository(ctx, name, namespace, "resolve")
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	h, err := w.hierarchy(name, namespace)
	if err != nil {
		return nil, err
	}
	owner, props, err := h.Resolved(key)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Package: name, Namespace: namespace, Key: key, Properties: props}
	if res.Properties == nil {
		res.Properties = map[string]any{}
	}
	if owner != nil {
		res.Owner = owner.Identifier()
		if pkg, err := w.packages.Get(res.Owner, ""); err == nil && entityFileExists(pkg.Dir(), namespace, key) {
			res.Path = EntityPath(pkg.Dir(), namespace, key)
		}
	}

	op.Logger.WithFields(map[string]interface{}{
		"key":   key,
		"owner": res.Owner,
	}).Debug("Entity resolved")
	return res, nil
}

// Entities maps every entity visible from name to the package answering for it.
func (w *Workspace) Entities(ctx context.Context, name, namespace string) (_ map[string]string, err error) {
	op := w.startRepository(ctx, name, namespace, "entities")
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	h, err := w.hierarchy(name, namespace)
	if err != nil {
		return nil, err
	}
	all, err := h.All()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(all))
	for key, r := range all {
		out[key] = r.Identifier()
	}
	return out, nil
}

// SharedProperties returns the shared properties of name merged over its ancestors.
func (w *Workspace) SharedProperties(ctx context.Context, name, namespace string) (_ map[string]any, err error) {
	op := w.startRepository(ctx, name, namespace, "shared_properties")
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	d, err := w.Repository(name, namespace)
	if err != nil {
		return nil, err
	}
	return d.SharedProperties()
}

// SharedProperty returns one merged shared property, nil when unset.
func (w *Workspace) SharedProperty(ctx context.Context, name, namespace, key string) (_ any, err error) {
	op := w.startRepository(ctx, name, namespace, "shared_property")
	op.Span.SetAttributes(telemetry.AttrPropertyKey.String(key))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	d, err := w.Repository(name, namespace)
	if err != nil {
		return nil, err
	}
	return d.SharedProperty(key)
}

// SetSharedProperty writes a shared property of name. The caches of its
// descendants are dropped.
func (w *Workspace) SetSharedProperty(ctx context.Context, name, namespace, key string, value any) (err error) {
	op := w.startRepository(ctx, name, namespace, "set_shared_property")
	op.Span.SetAttributes(telemetry.AttrPropertyKey.String(key))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return err
	}
	defer w.mu.Unlock()

	d, err := w.Repository(name, namespace)
	if err != nil {
		return err
	}
	if err := d.SetSharedProperty(key, value); err != nil {
		return err
	}
	return w.dropDescendantCaches(name, namespace)
}

// EntityProperties returns the properties of key resolved through the chain of name.
func (w *Workspace) EntityProperties(ctx context.Context, name, namespace, key string) (_ map[string]any, err error) {
	op := w.startRepository(ctx, name, namespace, "entity_properties")
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	d, err := w.Repository(name, namespace)
	if err != nil {
		return nil, err
	}
	return d.EntityProperties(key)
}

// SetEntityProperties merges data over the own properties of key in name.
// The caches of its descendants are dropped.
func (w *Workspace) SetEntityProperties(ctx context.Context, name, namespace, key string, data map[string]any) (err error) {
	op := w.startRepository(ctx, name, namespace, "set_entity_properties")
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return err
	}
	defer w.mu.Unlock()

	d, err := w.Repository(name, namespace)
	if err != nil {
		return err
	}
	if err := d.SetEntityProperties(key, data); err != nil {
		return err
	}
	return w.dropDescendantCaches(name, namespace)
}
