package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/telemetry"
)

// Environment variables overriding the configuration file.
const (
	EnvRoot     = "STRATA_ROOT"
	EnvCacheDir = "STRATA_CACHE_DIR"
	EnvLogLevel = "LOG_LEVEL"
)

// Store backends for persisted caches.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Package naming schemes.
const (
	NamingTheme = "theme"
	NamingAny   = "any"
)

// Config is the workspace configuration.
type Config struct {
	// Root is the packages directory.
	Root string `yaml:"root" json:"root" validate:"required"`

	// CacheDir holds persisted caches. Defaults to .cache below Root.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" validate:"required"`

	Packages   PackagesConfig   `yaml:"packages" json:"packages"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Repository RepositoryConfig `yaml:"repository" json:"repository"`

	// Namespaces are the entity collections of every package.
	Namespaces []string `yaml:"namespaces" json:"namespaces" validate:"min=1,unique,dive,required,excludesall=/\\"`

	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Path is the file the configuration was loaded from, if any.
	Path string `yaml:"-" json:"-"`
}

// PackagesConfig controls which packages the registry accepts.
type PackagesConfig struct {
	// Naming is "theme" to require theme package names and enforce the
	// theme direction rule, or "any".
	Naming string `yaml:"naming" json:"naming" validate:"required,oneof=theme any"`

	// ManifestType, when set, is the only accepted manifest type.
	ManifestType string `yaml:"manifest_type" json:"manifest_type"`
}

// CacheConfig controls the persisted hierarchy caches.
type CacheConfig struct {
	Store string `yaml:"store" json:"store" validate:"required,oneof=file sqlite memory"`

	// Mode is "deferred" to load and save caches, "passive" to keep them
	// in memory only.
	Mode string `yaml:"mode" json:"mode" validate:"required,oneof=deferred passive"`

	// Validation is "immediate" to check cache stamps against the property
	// documents on load, "passive" to trust them.
	Validation string `yaml:"validation" json:"validation" validate:"required,oneof=immediate passive"`
}

// RepositoryConfig controls property document normalization.
type RepositoryConfig struct {
	KeepNull  bool `yaml:"keep_null" json:"keep_null"`
	KeepEmpty bool `yaml:"keep_empty" json:"keep_empty"`
}

// PolicyConfig lists Rego inheritance policies.
type PolicyConfig struct {
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Builtin adds the Rego rendition of the theme direction rule.
	Builtin bool `yaml:"builtin" json:"builtin"`

	// Watch reloads the policies when their files change.
	Watch bool `yaml:"watch" json:"watch"`
}

// Default returns the configuration of a workspace rooted at dir.
func Default(dir string) *Config {
	cfg := &Config{Root: dir}
	cfg.ApplyDefaults("")
	return cfg
}

// ApplyDefaults fills zero fields and resolves relative paths against base.
func (c *Config) ApplyDefaults(base string) {
	if c.Root == "" {
		c.Root = "."
	}
	c.Root = resolve(base, c.Root)
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.Root, ".cache")
	} else {
		c.CacheDir = resolve(base, c.CacheDir)
	}
	if c.Packages.Naming == "" {
		c.Packages.Naming = NamingTheme
	}
	if c.Cache.Store == "" {
		c.Cache.Store = StoreFile
	}
	if c.Cache.Mode == "" {
		c.Cache.Mode = "deferred"
	}
	if c.Cache.Validation == "" {
		c.Cache.Validation = "immediate"
	}
	if len(c.Namespaces) == 0 {
		c.Namespaces = []string{"resources", "assets"}
	}
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = resolve(base, p)
	}
	c.Telemetry.ApplyDefaults()
}

// ApplyEnv applies environment overrides. Paths from the environment are
// resolved against the working directory.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRoot); v != "" {
		c.Root = absolute(v)
	}
	if v := os.Getenv(EnvCacheDir); v != "" {
		c.CacheDir = absolute(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(v.Namespace(), "Config."), v.Tag()))
			}
			return fault.NewUsageError(
				fmt.Sprintf("configuration field `%s` value is invalid", strings.TrimPrefix(verrs[0].Namespace(), "Config.")), err).
				WithCode(fault.CodeValidation).
				WithSubject(c.Path).
				WithDetail("fields", fields)
		}
		return fault.NewUsageError("configuration validation failed", err).WithCode(fault.CodeValidation)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return nil
}

// PersistentCaches reports whether caches are loaded and saved.
func (c *Config) PersistentCaches() bool {
	return c.Cache.Mode == "deferred"
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if base == "" {
		return absolute(path)
	}
	return filepath.Join(base, path)
}

func absolute(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
