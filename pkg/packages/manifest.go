package packages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/inherit"
)

const (
	// ManifestFile is the JSON manifest name inside a package directory.
	ManifestFile = "manifest.json"

	// ManifestYAMLFile is read when ManifestFile is absent.
	ManifestYAMLFile = "manifest.yaml"

	// DefaultVersion is the version of packages whose manifest declares none.
	DefaultVersion = "dev"
)

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// Manifest holds the fields of a package manifest used for inheritance.
type Manifest struct {
	// Version is empty when the manifest declares none.
	Version string `validate:"omitempty,pkgversion"`

	// Type is the declared package type, if any.
	Type string

	// Inherits lists the declared ancestors in priority order.
	Inherits []inherit.Declaration
}

var manifestValidator = newManifestValidator()

func newManifestValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pkgversion", func(fl validator.FieldLevel) bool {
		return versionPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseManifest decodes a JSON manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw struct {
		Version any `json:"version"`
		Type    any `json:"type"`
		Extra   struct {
			Inherits json.RawMessage `json:"inherits"`
		} `json:"extra"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed("manifest is not valid JSON", err)
	}

	m := &Manifest{}
	var err error
	if m.Version, err = optionalString("version", raw.Version); err != nil {
		return nil, err
	}
	if m.Type, err = optionalString("type", raw.Type); err != nil {
		return nil, err
	}
	if m.Inherits, err = jsonInherits(raw.Extra.Inherits); err != nil {
		return nil, err
	}

	return m, m.validate()
}

// ParseManifestYAML decodes a YAML manifest.
func ParseManifestYAML(data []byte) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, malformed("manifest is not valid YAML", err)
	}

	m := &Manifest{}
	if len(doc.Content) == 0 {
		return m, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, malformed("manifest must be a mapping", nil)
	}

	var err error
	if node := mappingValue(root, "version"); node != nil {
		if m.Version, err = yamlString("version", node); err != nil {
			return nil, err
		}
	}
	if node := mappingValue(root, "type"); node != nil {
		if m.Type, err = yamlString("type", node); err != nil {
			return nil, err
		}
	}
	if extra := mappingValue(root, "extra"); extra != nil && extra.Kind == yaml.MappingNode {
		if m.Inherits, err = yamlInherits(mappingValue(extra, "inherits")); err != nil {
			return nil, err
		}
	}

	return m, m.validate()
}

// ReadManifest reads the manifest at path, choosing the format by extension.
// A missing file returns nil and no error.
func ReadManifest(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fault.NewDataError("could not open manifest file", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}

	var m *Manifest
	if isYAML(path) {
		m, err = ParseManifestYAML(data)
	} else {
		m, err = ParseManifest(data)
	}
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Subject == "" {
			fe.WithSubject(path)
		}
		return nil, nil, err
	}
	return m, data, nil
}

func (m *Manifest) validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fault.NewDataError(
				fmt.Sprintf("manifest field `%s` value is invalid", fieldName(verrs[0].Field())), err).
				WithCode(fault.CodeValidation)
		}
		return fault.NewDataError("manifest validation failed", err).WithCode(fault.CodeValidation)
	}
	return nil
}

func fieldName(field string) string {
	switch field {
	case "Version":
		return "version"
	case "Type":
		return "type"
	default:
		return field
	}
}

func optionalString(field string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return "", fault.NewDataError(fmt.Sprintf("manifest field `%s` value must be of type string", field), nil).
			WithCode(fault.CodeValidation)
	}
}

// jsonInherits decodes extra.inherits keeping declaration order: a list of
// names, or an object of name to constraint (null for none).
func jsonInherits(raw json.RawMessage) ([]inherit.Declaration, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, malformed("invalid ancestor declaration", err)
	}

	var decls []inherit.Declaration
	seen := make(map[string]bool)
	add := func(name, constraint string) error {
		if seen[name] {
			return fault.From(inherit.ErrDuplicate,
				fmt.Sprintf("duplicate inheritance declared involving %s", name), nil).
				WithDetail("ancestor", name)
		}
		seen[name] = true
		decls = append(decls, inherit.Declaration{Name: name, Constraint: constraint})
		return nil
	}

	switch tok {
	case json.Delim('['):
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, malformed("invalid ancestor declaration", err)
			}
			name, ok := tok.(string)
			if !ok {
				return nil, invalidDeclaration()
			}
			if err := add(name, ""); err != nil {
				return nil, err
			}
		}
	case json.Delim('{'):
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, malformed("invalid ancestor declaration", err)
			}
			name, _ := keyTok.(string)

			valTok, err := dec.Token()
			if err != nil {
				return nil, malformed("invalid ancestor declaration", err)
			}
			var constraint string
			switch v := valTok.(type) {
			case nil:
			case string:
				constraint = v
			default:
				return nil, invalidDeclaration()
			}
			if err := add(name, constraint); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fault.NewDataError("manifest field `extra.inherits` value must be of type array", nil).
			WithCode(fault.CodeValidation)
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, malformed("invalid ancestor declaration", err)
	}
	return decls, nil
}

func yamlInherits(node *yaml.Node) ([]inherit.Declaration, error) {
	if node == nil || node.Tag == "!!null" {
		return nil, nil
	}

	var decls []inherit.Declaration
	seen := make(map[string]bool)
	add := func(name, constraint string) error {
		if seen[name] {
			return fault.From(inherit.ErrDuplicate,
				fmt.Sprintf("duplicate inheritance declared involving %s", name), nil).
				WithDetail("ancestor", name)
		}
		seen[name] = true
		decls = append(decls, inherit.Declaration{Name: name, Constraint: constraint})
		return nil
	}

	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
				return nil, invalidDeclaration()
			}
			if err := add(item.Value, ""); err != nil {
				return nil, err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			var constraint string
			switch {
			case value.Kind == yaml.ScalarNode && value.Tag == "!!null":
			case value.Kind == yaml.ScalarNode:
				constraint = value.Value
			default:
				return nil, invalidDeclaration()
			}
			if err := add(key.Value, constraint); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fault.NewDataError("manifest field `extra.inherits` value must be of type array", nil).
			WithCode(fault.CodeValidation)
	}
	return decls, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func yamlString(field string, node *yaml.Node) (string, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return "", nil
	}
	if node.Kind != yaml.ScalarNode || node.Tag != "!!str" {
		return "", fault.NewDataError(fmt.Sprintf("manifest field `%s` value must be of type string", field), nil).
			WithCode(fault.CodeValidation)
	}
	return node.Value, nil
}

func invalidDeclaration() error {
	return fault.NewDataError("invalid ancestor declaration", nil).WithCode(fault.CodeValidation)
}

func malformed(message string, err error) error {
	return fault.NewDataError(message, err).WithCode(fault.CodeMalformed)
}
