// Package packages locates packages on disk, reads their manifests and
// supplies their ancestor declarations to the inheritance resolver.
package packages

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/facette/natsort"
	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/inherit"
	"github.com/openfroyo/strata/pkg/repository"
)

// ErrUnsatisfied is returned when a package version does not satisfy a constraint.
var ErrUnsatisfied = fault.Sentinel(fault.ClassData, fault.CodeNotFound, "no package version satisfies the constraint")

// Options configures a Registry.
type Options struct {
	// ManifestType, when set, is the only accepted manifest `type` value.
	ManifestType string

	// ValidName, when set, rejects package directories with other names.
	ValidName func(name string) bool
}

// Registry memoizes packages found below a root directory by name and version.
type Registry struct {
	root string
	opts Options

	mu       sync.Mutex
	packages map[string]*Package
	names    []string
	scanned  bool
}

// NewRegistry creates a registry over root.
func NewRegistry(root string, opts Options) *Registry {
	return &Registry{
		root:     root,
		opts:     opts,
		packages: make(map[string]*Package),
	}
}

// Root returns the packages directory.
func (r *Registry) Root() string {
	return r.root
}

func packageKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// Get returns the package named name. A non-empty version is used instead of
// the manifest's. The package directory must exist.
func (r *Registry) Get(name, version string) (*Package, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fault.NewUsageError(fmt.Sprintf("invalid package name %q", name), nil).
			WithCode(fault.CodeValidation)
	}
	if r.opts.ValidName != nil && !r.opts.ValidName(name) {
		return nil, invalidName(name)
	}

	key := packageKey(name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.packages[key]; ok {
		return p, nil
	}

	dir := filepath.Join(r.root, name)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fault.NewDataError(fmt.Sprintf("package `%s` does not exist", name), err).
			WithCode(fault.CodeNotFound).
			WithSubject(name)
	}
	if err != nil {
		return nil, fault.NewDataError("could not open package directory", err).
			WithCode(fault.CodeIO).
			WithSubject(name)
	}

	p := &Package{name: name, version: version, dir: dir, registry: r}
	r.packages[key] = p
	return p, nil
}

// Resolve returns the package named name if its version satisfies
// constraint: empty, `latest` or `*` for any, an exact version, or a semver
// range such as `~1.2` or `^1`.
func (r *Registry) Resolve(name, constraint string) (*Package, error) {
	p, err := r.Get(name, "")
	if err != nil {
		return nil, err
	}

	switch constraint {
	case "", "latest", "*":
		return p, nil
	}

	version, err := p.Version()
	if err != nil {
		return nil, err
	}
	if version == constraint {
		return p, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fault.NewDataError(fmt.Sprintf("invalid version constraint `%s`", constraint), err).
			WithCode(fault.CodeValidation).
			WithSubject(name)
	}
	v, err := semver.NewVersion(version)
	if err != nil || !c.Check(v) {
		return nil, fault.From(ErrUnsatisfied,
			fmt.Sprintf("package `%s` version %s does not satisfy `%s`", name, version, constraint), err).
			WithSubject(name).
			WithDetail("constraint", constraint).
			WithDetail("version", version)
	}
	return p, nil
}

// Scan lists the package directories below the root in natural order.
// Invalid names are reported together.
func (r *Registry) Scan() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, os.ErrNotExist) {
		entries = nil
	} else if err != nil {
		return nil, fault.NewDataError("could not read packages directory", err).
			WithCode(fault.CodeIO).
			WithSubject(r.root)
	}

	var names []string
	var result *multierror.Error
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if r.opts.ValidName != nil && !r.opts.ValidName(e.Name()) {
			result = multierror.Append(result, invalidName(e.Name()))
			continue
		}
		names = append(names, e.Name())
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	natsort.Sort(names)

	r.mu.Lock()
	r.names = names
	r.scanned = true
	r.mu.Unlock()

	return append([]string(nil), names...), nil
}

// Names returns every package name, scanning the root on first use.
func (r *Registry) Names() ([]string, error) {
	r.mu.Lock()
	if r.scanned {
		names := append([]string(nil), r.names...)
		r.mu.Unlock()
		return names, nil
	}
	r.mu.Unlock()

	return r.Scan()
}

// Declarations returns the ancestors declared by name. Ancestors declared
// with a constraint must satisfy it.
func (r *Registry) Declarations(name string) ([]inherit.Declaration, error) {
	p, err := r.Get(name, "")
	if err != nil {
		return nil, err
	}
	decls, err := p.Declarations()
	if err != nil {
		return nil, err
	}
	for _, d := range decls {
		if _, err := r.Resolve(d.Name, d.Constraint); err != nil {
			return nil, err
		}
	}
	return decls, nil
}

// Invalidate forgets every memoized version of name and the scanned names.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.packages {
		if key == name || strings.HasPrefix(key, name+"@") {
			delete(r.packages, key)
		}
	}
	r.scanned = false
	r.names = nil
}

// Package is a directory holding a manifest, property documents and files.
type Package struct {
	name     string
	version  string
	dir      string
	registry *Registry

	mu           sync.Mutex
	loaded       bool
	manifest     *Manifest
	manifestPath string
	stamp        repository.Stamp
	checksums    Checksums
	sumsLoaded   bool
}

// Name returns the package name.
func (p *Package) Name() string {
	return p.name
}

// Dir returns the package directory.
func (p *Package) Dir() string {
	return p.dir
}

// ManifestPath returns the manifest location: manifest.json unless only
// manifest.yaml exists.
func (p *Package) ManifestPath() string {
	jsonPath := filepath.Join(p.dir, ManifestFile)
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	yamlPath := filepath.Join(p.dir, ManifestYAMLFile)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	return jsonPath
}

// Manifest returns the parsed manifest, or nil when the package has none.
func (p *Package) Manifest() (*Manifest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadManifest(); err != nil {
		return nil, err
	}
	return p.manifest, nil
}

func (p *Package) loadManifest() error {
	if p.loaded {
		return nil
	}

	path := p.ManifestPath()
	m, data, err := ReadManifest(path)
	if err != nil {
		return err
	}

	if m == nil {
		p.stamp = repository.MissingStamp()
	} else {
		if want := p.registry.opts.ManifestType; want != "" && m.Type != "" && m.Type != want {
			return fault.NewDataError(
				fmt.Sprintf("package `%s` manifest field `type` value is invalid", p.name), nil).
				WithCode(fault.CodeValidation).
				WithSubject(path)
		}
		if p.stamp, err = repository.StampBytes(path, data); err != nil {
			return err
		}
	}

	p.manifest = m
	p.manifestPath = path
	p.loaded = true
	return nil
}

// Version returns the explicit version, the manifest version, or DefaultVersion.
func (p *Package) Version() (string, error) {
	if p.version != "" {
		return p.version, nil
	}
	m, err := p.Manifest()
	if err != nil {
		return "", err
	}
	if m == nil || m.Version == "" {
		return DefaultVersion, nil
	}
	return m.Version, nil
}

// Declarations returns the ancestors declared in the manifest.
func (p *Package) Declarations() ([]inherit.Declaration, error) {
	m, err := p.Manifest()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return append([]inherit.Declaration(nil), m.Inherits...), nil
}

// ManifestStamp returns the stamp of the manifest as read.
func (p *Package) ManifestStamp() (repository.Stamp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadManifest(); err != nil {
		return repository.Stamp{}, err
	}
	return p.stamp, nil
}

// ManifestStampValid reports whether the manifest on disk still matches stamp.
func (p *Package) ManifestStampValid(stamp repository.Stamp, component repository.StampComponent) (bool, error) {
	return stamp.Valid(p.ManifestPath(), component)
}

// Checksums returns the declared file checksums, or nil without a checksums file.
func (p *Package) Checksums() (Checksums, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sumsLoaded {
		return p.checksums, nil
	}

	path := filepath.Join(p.dir, ChecksumsFile)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		p.sumsLoaded = true
		return nil, nil
	}
	if err != nil {
		return nil, fault.NewDataError("could not open checksums file", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	defer f.Close()

	sums, err := ParseChecksums(f)
	if err != nil {
		return nil, err
	}
	p.checksums = sums
	p.sumsLoaded = true
	return sums, nil
}

// Verify compares the package files with the declared checksums. It returns
// nil without a checksums file.
func (p *Package) Verify() (*Verification, error) {
	sums, err := p.Checksums()
	if err != nil || sums == nil {
		return nil, err
	}
	return VerifyFiles(p.dir, sums)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
