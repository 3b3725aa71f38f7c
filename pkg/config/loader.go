package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/strata/pkg/fault"
)

// FileNames are the configuration files looked up in a workspace directory,
// in order.
var FileNames = []string{"strata.yaml", "strata.yml", "strata.json", "strata.cue"}

// Discover returns the configuration file in dir, or "" when there is none.
func Discover(dir string) string {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load reads the configuration file at path, applies defaults and the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		code := fault.CodeIO
		if errors.Is(err, os.ErrNotExist) {
			code = fault.CodeNotFound
		}
		return nil, fault.NewUsageError("could not read configuration file", err).
			WithCode(code).
			WithSubject(path)
	}

	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}

	abs := absolute(path)
	cfg.Path = abs
	cfg.ApplyDefaults(filepath.Dir(abs))
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDir loads the configuration discovered in dir, or the defaults for a
// workspace rooted at dir when it has none.
func LoadDir(dir string) (*Config, error) {
	if path := Discover(dir); path != "" {
		return Load(path)
	}
	cfg := &Config{}
	cfg.ApplyDefaults(absolute(dir))
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration data; the format follows the extension of
// path. No defaults are applied.
func Parse(path string, data []byte) (*Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return parseCUE(path, data)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fault.NewUsageError("configuration file is malformed", err).
			WithCode(fault.CodeMalformed).
			WithSubject(path)
	}
	return cfg, nil
}

func parseCUE(path string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(Schema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fault.NewInternalError("configuration schema does not compile", err)
	}

	val := ctx.CompileString(string(data), cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, cueError(path, "configuration file is malformed", fault.CodeMalformed, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(path, "configuration does not match the schema", fault.CodeValidation, err)
	}

	cfg := &Config{}
	if err := unified.Decode(cfg); err != nil {
		return nil, cueError(path, "configuration could not be decoded", fault.CodeValidation, err)
	}
	return cfg, nil
}

// cueError converts CUE errors into one usage error listing each problem
// with its position.
func cueError(path, message, code string, err error) error {
	var problems []string
	for _, e := range cueerrors.Errors(err) {
		pos := cueerrors.Positions(e)
		detail := cueerrors.Details(e, nil)
		if len(pos) > 0 {
			detail = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(detail))
		}
		problems = append(problems, strings.TrimSpace(detail))
	}
	return fault.NewUsageError(message, err).
		WithCode(code).
		WithSubject(path).
		WithDetail("errors", problems)
}
