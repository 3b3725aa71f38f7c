package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/strata/pkg/cell"
	"github.com/openfroyo/strata/pkg/config"
	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/inherit"
	"github.com/openfroyo/strata/pkg/packages"
	"github.com/openfroyo/strata/pkg/policy"
	"github.com/openfroyo/strata/pkg/repository"
	"github.com/openfroyo/strata/pkg/stores"
	"github.com/openfroyo/strata/pkg/telemetry"
)

// ErrClosed is returned by operations on a closed workspace.
var ErrClosed = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "workspace is closed")

// Workspace resolves the packages below a root directory: their inheritance
// chains, their property repositories per namespace and the caches backing
// them.
type Workspace struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	packages *packages.Registry
	resolver *inherit.Resolver
	loader   *policy.Loader
	rego     *policy.RegoRule

	store  stores.NestedStore
	sqlite *stores.SQLiteStore
	cells  *cell.Registry

	// mu serializes workspace operations.
	mu     sync.Mutex
	closed bool

	memoMu sync.Mutex
	flats  map[string]*repository.Flat
	repos  map[string]*repository.Decorated
}

// Open creates a workspace from cfg. A nil tel disables telemetry output.
func Open(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*Workspace, error) {
	if cfg == nil {
		return nil, fault.NewUsageError("workspace configuration is required", nil).WithCode(fault.CodeValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.Noop()
	}

	w := &Workspace{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("workspace"),
		flats:  make(map[string]*repository.Flat),
		repos:  make(map[string]*repository.Decorated),
	}

	opts := packages.Options{ManifestType: cfg.Packages.ManifestType}
	if cfg.Packages.Naming == config.NamingTheme {
		opts.ValidName = packages.ValidThemeName
	}
	w.packages = packages.NewRegistry(cfg.Root, opts)

	rules, err := w.rules(ctx)
	if err != nil {
		return nil, err
	}
	w.resolver = inherit.NewResolver(w.packages, rules)

	if err := w.openStore(ctx); err != nil {
		return nil, err
	}
	w.cells = cell.NewRegistry(w.store, tel.Metrics)

	w.logger.WithFields(map[string]interface{}{
		"root":       cfg.Root,
		"store":      cfg.Cache.Store,
		"namespaces": cfg.Namespaces,
	}).Debug("Workspace opened")

	return w, nil
}

// rules assembles the direction rules for the configured naming and policies.
func (w *Workspace) rules(ctx context.Context) (inherit.Rules, error) {
	var rules inherit.Rules
	if w.cfg.Packages.Naming == config.NamingTheme {
		rules = append(rules, packages.ThemeRule)
	}

	if len(w.cfg.Policy.Paths) == 0 && !w.cfg.Policy.Builtin {
		return rules, nil
	}

	logger := w.tel.Logger.Zerolog()
	w.loader = policy.NewLoader(logger)

	policies, err := w.policies(ctx)
	if err != nil {
		return nil, err
	}
	w.rego, err = policy.NewRegoRule(ctx, logger, policies, policy.RuleOptions{TypeOf: themeTypeOf})
	if err != nil {
		return nil, err
	}
	return append(rules, w.rego), nil
}

func (w *Workspace) policies(ctx context.Context) ([]policy.Policy, error) {
	var policies []policy.Policy
	if len(w.cfg.Policy.Paths) > 0 {
		loaded, err := w.loader.LoadFromPaths(ctx, w.cfg.Policy.Paths)
		if err != nil {
			return nil, err
		}
		policies = loaded
	}
	if w.cfg.Policy.Builtin {
		policies = append(policies, policy.BuiltinThemeDirection)
	}
	return policies, nil
}

func themeTypeOf(name string) string {
	t, ok := packages.ParseThemeType(name)
	if !ok {
		return ""
	}
	return t.String()
}

func (w *Workspace) openStore(ctx context.Context) error {
	switch w.cfg.Cache.Store {
	case config.StoreMemory:
		w.store = stores.NewMemoryStore()
		return nil

	case config.StoreSQLite:
		if err := os.MkdirAll(w.cfg.CacheDir, 0o755); err != nil {
			return fault.NewInternalError("could not create cache directory", err).
				WithCode(fault.CodeIO).
				WithSubject(w.cfg.CacheDir)
		}
		s, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(w.cfg.CacheDir, "cells.db")})
		if err != nil {
			return err
		}
		if err := s.Init(ctx); err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return err
		}
		w.store = s
		w.sqlite = s
		return nil

	default:
		w.store = stores.NewFileStore(filepath.Join(w.cfg.CacheDir, "cells"))
		return nil
	}
}

// Config returns the workspace configuration.
func (w *Workspace) Config() *config.Config {
	return w.cfg
}

// Telemetry returns the telemetry the workspace reports to.
func (w *Workspace) Telemetry() *telemetry.Telemetry {
	return w.tel
}

// Packages lists the packages below the root in natural order.
func (w *Workspace) Packages(ctx context.Context) ([]string, error) {
	if err := w.begin(); err != nil {
		return nil, err
	}
	defer w.mu.Unlock()

	return w.packages.Names()
}

// Package returns a package by name.
func (w *Workspace) Package(name string) (*packages.Package, error) {
	return w.packages.Get(name, "")
}

// ReloadPolicies replaces the Rego policies, adding the builtin one when
// configured, and forgets every chain and cached result.
func (w *Workspace) ReloadPolicies(ctx context.Context, loaded []policy.Policy) error {
	if w.rego == nil {
		return fault.NewUsageError("no inheritance policies are configured", nil).WithCode(fault.CodeValidation)
	}
	if err := w.begin(); err != nil {
		return err
	}
	defer w.mu.Unlock()

	if w.cfg.Policy.Builtin {
		loaded = append(loaded, policy.BuiltinThemeDirection)
	}
	if err := w.rego.Load(ctx, loaded); err != nil {
		return err
	}

	w.resolver.Reset()
	if err := w.cells.Clear(); err != nil {
		return err
	}
	w.tel.Metrics.RecordInvalidation("policy")
	_ = w.tel.Events.PublishPoliciesReloaded(len(loaded))

	w.logger.WithField("policies", w.rego.Policies()).Info("Inheritance policies reloaded")
	return nil
}

// Commit flushes pending deferred cache saves.
func (w *Workspace) Commit() error {
	if err := w.begin(); err != nil {
		return err
	}
	defer w.mu.Unlock()

	return w.cells.Commit()
}

// Close commits pending cache saves and releases the store and policy watcher.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var result *multierror.Error
	if err := w.cells.Commit(); err != nil {
		result = multierror.Append(result, err)
	}
	if w.loader != nil {
		if err := w.loader.StopWatching(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if w.sqlite != nil {
		if err := w.sqlite.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	w.logger.Debug("Workspace closed")
	return result.ErrorOrNil()
}

// begin takes the operation lock. Callers unlock w.mu.
func (w *Workspace) begin() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (w *Workspace) checkNamespace(namespace string) error {
	if slices.Contains(w.cfg.Namespaces, namespace) {
		return nil
	}
	return fault.NewUsageError(fmt.Sprintf("unknown namespace `%s`", namespace), nil).
		WithCode(fault.CodeNotFound).
		WithSubject(namespace).
		WithDetail("namespaces", w.cfg.Namespaces)
}
