package engine

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/strata/pkg/packages"
	"github.com/openfroyo/strata/pkg/repository"
	"github.com/openfroyo/strata/pkg/telemetry"
)

// Invalidation reasons.
const (
	ReasonManifest = "manifest"
	ReasonProperty = "property"
	ReasonFile     = "file"
	ReasonWrite    = "write"
	ReasonManual   = "manual"
)

// Invalidate forgets what the workspace read from package name and drops
// the caches of name and of every descendant. It returns the affected
// packages, name first.
func (w *Workspace) Invalidate(ctx context.Context, name, reason string) (_ []string, err error) {
	op := w.tel.StartOperation(ctx, "workspace.invalidate", telemetry.AttrPackage.String(name))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	// Descendants are collected before and after the reset: a manifest
	// change can both add and remove edges.
	affected := []string{name}
	seen := map[string]bool{name: true}
	collect := func() {
		descendants, err := w.resolver.Descendants(name)
		if err != nil {
			op.Logger.WithError(err).Debug("Could not list descendants")
			return
		}
		for _, d := range descendants {
			if !seen[d] {
				seen[d] = true
				affected = append(affected, d)
			}
		}
	}

	collect()
	w.packages.Invalidate(name)
	w.resolver.Reset()
	collect()

	var result *multierror.Error
	for _, namespace := range w.cfg.Namespaces {
		w.memoMu.Lock()
		f, ok := w.flats[memoKey(name, namespace)]
		w.memoMu.Unlock()
		if ok {
			if err := f.Reload(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for _, n := range affected {
			if err := w.dropCache(n, namespace); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	w.tel.Metrics.RecordInvalidation(reason)
	_ = w.tel.Events.PublishCacheInvalidated(name, affected, reason)
	op.Logger.WithFields(map[string]interface{}{
		"package":  name,
		"affected": affected,
		"reason":   reason,
	}).Info("Caches invalidated")

	return affected, result.ErrorOrNil()
}

// dropCache clears the cached results of a package in namespace, whether or
// not its repository was opened by this workspace.
func (w *Workspace) dropCache(name, namespace string) error {
	w.memoMu.Lock()
	d, ok := w.repos[memoKey(name, namespace)]
	w.memoMu.Unlock()

	if ok {
		if h, ok := d.Hierarchy(); ok {
			if err := h.ClearCache(); err != nil {
				return err
			}
		}
	}

	// cells not registered yet leave their stored entries behind
	properties, resolution := repository.CellPaths(namespace, name, "")
	if err := w.store.Delete(properties...); err != nil {
		return err
	}
	return w.store.Delete(resolution...)
}

func (w *Workspace) dropDescendantCaches(name, namespace string) error {
	descendants, err := w.resolver.Descendants(name)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, d := range descendants {
		if err := w.dropCache(d, namespace); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(descendants) > 0 {
		w.tel.Metrics.RecordInvalidation(ReasonWrite)
	}
	return result.ErrorOrNil()
}

// BuildCache rebuilds the caches of name for namespace, or for every
// namespace when namespace is empty.
func (w *Workspace) BuildCache(ctx context.Context, name, namespace string) (err error) {
	op := w.tel.StartOperation(ctx, "workspace.build_cache", telemetry.AttrPackage.String(name))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return err
	}
	defer w.mu.Unlock()

	namespaces, err := w.namespaces(namespace)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		start := time.Now()
		h, err := w.hierarchy(name, ns)
		if err != nil {
			return err
		}
		if err := h.BuildCache(); err != nil {
			return err
		}
		_ = w.tel.Events.PublishCacheBuilt(name, ns, time.Since(start))
	}
	return nil
}

// ClearCache discards the caches of name for namespace, or for every
// namespace when namespace is empty.
func (w *Workspace) ClearCache(ctx context.Context, name, namespace string) (err error) {
	op := w.tel.StartOperation(ctx, "workspace.clear_cache", telemetry.AttrPackage.String(name))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return err
	}
	defer w.mu.Unlock()

	namespaces, err := w.namespaces(namespace)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, ns := range namespaces {
		if err := w.dropCache(name, ns); err != nil {
			result = multierror.Append(result, err)
		}
	}
	w.tel.Metrics.RecordInvalidation(ReasonManual)
	return result.ErrorOrNil()
}

func (w *Workspace) namespaces(namespace string) ([]string, error) {
	if namespace == "" {
		return w.cfg.Namespaces, nil
	}
	if err := w.checkNamespace(namespace); err != nil {
		return nil, err
	}
	return []string{namespace}, nil
}

// Verify compares the files of name with its checksums file. It returns nil
// when the package has none.
func (w *Workspace) Verify(ctx context.Context, name string) (_ *packages.Verification, err error) {
	op := w.tel.StartOperation(ctx, "packages.verify", telemetry.AttrPackage.String(name))
	defer func() { op.End(err) }()

	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	pkg, err := w.packages.Get(name, "")
	if err != nil {
		return nil, err
	}
	return pkg.Verify()
}
