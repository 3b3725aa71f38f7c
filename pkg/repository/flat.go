package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/facette/natsort"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/nested"
	"github.com/openfroyo/strata/pkg/stores"
)

// Config configures a Flat repository.
type Config struct {
	// ID identifies the repository within an inheritance hierarchy.
	ID string

	// Path is the property document location.
	Path string

	// EntitiesKey names the entity collection. Defaults to DefaultEntitiesKey.
	EntitiesKey string

	// InheritKey names the inheritance control property. Defaults to DefaultInheritKey.
	InheritKey string

	// KeepNull keeps null properties when writing.
	KeepNull bool

	// KeepEmpty keeps entities without properties when writing.
	KeepEmpty bool

	// StampComponent selects what StampValid compares. Defaults to StampChecksum.
	StampComponent StampComponent

	// Locate, when set, decides Has instead of the presence of entity properties.
	Locate func(key string) (bool, error)

	// List, when set, supplies the entity keys returned by Keys.
	List func() ([]string, error)
}

// Flat is a repository backed by one JSON property document.
type Flat struct {
	cfg Config

	mu       sync.Mutex
	loaded   bool
	shared   map[string]any
	entities map[string]map[string]any
	stamp    Stamp
}

// New creates a Flat repository. The document is read lazily.
func New(cfg Config) (*Flat, error) {
	if cfg.ID == "" {
		return nil, fault.NewUsageError("repository identifier is required", nil).WithCode(fault.CodeValidation)
	}
	if cfg.Path == "" {
		return nil, fault.NewUsageError("repository path is required", nil).
			WithCode(fault.CodeValidation).
			WithSubject(cfg.ID)
	}
	if cfg.EntitiesKey == "" {
		cfg.EntitiesKey = DefaultEntitiesKey
	}
	if cfg.InheritKey == "" {
		cfg.InheritKey = DefaultInheritKey
	}
	if cfg.StampComponent == "" {
		cfg.StampComponent = StampChecksum
	}

	return &Flat{cfg: cfg}, nil
}

// Identifier returns the repository identifier.
func (r *Flat) Identifier() string {
	return r.cfg.ID
}

// Path returns the property document location.
func (r *Flat) Path() string {
	return r.cfg.Path
}

// EntitiesKey returns the name of the entity collection.
func (r *Flat) EntitiesKey() string {
	return r.cfg.EntitiesKey
}

func (r *Flat) ensureLoaded() error {
	if r.loaded {
		return nil
	}
	return r.reload()
}

func (r *Flat) reload() error {
	doc, err := readDocument(r.cfg.Path, r.cfg.EntitiesKey)
	if err != nil {
		return err
	}
	r.shared = doc.shared
	r.entities = doc.entities
	r.stamp = doc.stamp
	r.loaded = true
	return nil
}

// Reload discards the in-memory state and reads the document again.
func (r *Flat) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reload()
}

// SharedProperties returns a copy of the properties declared at the top level.
func (r *Flat) SharedProperties() (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	return nested.Clone(r.shared), nil
}

// SharedProperty returns a property declared at the top level, or nil.
func (r *Flat) SharedProperty(key string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	return nested.Copy(r.shared[key]), nil
}

// SetSharedProperty sets a top-level property and writes the document.
// A nil value removes the property unless KeepNull is set.
func (r *Flat) SetSharedProperty(key string, value any) error {
	if key == r.cfg.EntitiesKey {
		return fault.From(ErrReservedKey, fmt.Sprintf("illegal property key %q", key), nil).WithSubject(r.cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return err
	}
	return r.write(change{shared: map[string]any{key: value}})
}

// EntityProperties returns a copy of an entity's properties; empty when absent.
func (r *Flat) EntityProperties(key string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	props := nested.Clone(r.entities[key])
	if props == nil {
		props = make(map[string]any)
	}
	return props, nil
}

// AllEntityProperties returns a copy of every entity's properties.
func (r *Flat) AllEntityProperties() (map[string]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(r.entities))
	for k, props := range r.entities {
		out[k] = nested.Clone(props)
	}
	return out, nil
}

// SetEntityProperties overwrites the given properties of an entity, keeping
// the others, and writes the document.
func (r *Flat) SetEntityProperties(key string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return err
	}

	return r.write(change{entities: map[string]map[string]any{key: data}})
}

// DeclaredInherited reports whether the repository's content is visible to descendants.
func (r *Flat) DeclaredInherited() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return false, err
	}
	v, ok := r.shared[r.cfg.InheritKey]
	return declaredInherited(v, ok), nil
}

// EntityDeclaredInherited reports whether an entity is visible to descendants.
func (r *Flat) EntityDeclaredInherited(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return false, err
	}
	v, ok := r.entities[key][r.cfg.InheritKey]
	return entityDeclaredInherited(v, ok), nil
}

// EntitiesDeclaredDisinherited returns the sorted keys of entities declared as not inherited.
func (r *Flat) EntitiesDeclaredDisinherited() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	var out []string
	for key, props := range r.entities {
		v, ok := props[r.cfg.InheritKey]
		if !entityDeclaredInherited(v, ok) {
			out = append(out, key)
		}
	}
	natsort.Sort(out)
	return out, nil
}

// Has reports whether the repository holds key.
func (r *Flat) Has(key string) (bool, error) {
	if r.cfg.Locate != nil {
		return r.cfg.Locate(key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return false, err
	}
	_, ok := r.entities[key]
	return ok, nil
}

// Keys returns the entity keys held by the repository in natural order.
func (r *Flat) Keys() ([]string, error) {
	seen := make(map[string]bool)

	if r.cfg.List != nil {
		listed, err := r.cfg.List()
		if err != nil {
			return nil, err
		}
		for _, k := range listed {
			seen[k] = true
		}
	}

	r.mu.Lock()
	if err := r.ensureLoaded(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.cfg.List == nil {
		for k := range r.entities {
			seen[k] = true
		}
	}
	r.mu.Unlock()

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	natsort.Sort(keys)
	return keys, nil
}

// Stamp returns the stamp of the document as last read or written.
func (r *Flat) Stamp() (Stamp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(); err != nil {
		return Stamp{}, err
	}
	return r.stamp, nil
}

// StampValid reports whether the document on disk still matches stamp.
func (r *Flat) StampValid(stamp Stamp) (bool, error) {
	return stamp.Valid(r.cfg.Path, r.cfg.StampComponent)
}

// change holds the keys a single write sets.
type change struct {
	shared   map[string]any
	entities map[string]map[string]any
}

// write merges c over the current document under an exclusive lock,
// normalizes and rewrites it. The in-memory state changes only once the
// document is written. Callers hold r.mu.
func (r *Flat) write(c change) (err error) {
	unlock, err := stores.LockExclusive(r.cfg.Path)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	current, err := readDocument(r.cfg.Path, r.cfg.EntitiesKey)
	if err != nil {
		return err
	}

	for k, v := range c.shared {
		current.shared[k] = v
	}
	for k, data := range c.entities {
		current.entities[k] = overlay(current.entities[k], data)
	}

	r.normalize(current)

	content, err := encodeDocument(current.shared, current.entities, r.cfg.EntitiesKey)
	if err != nil {
		return fault.NewDataError("failed to encode property document", err).
			WithCode(fault.CodeMalformed).
			WithSubject(r.cfg.Path)
	}
	if err := stores.WriteAtomic(r.cfg.Path, content, 0o644); err != nil {
		return err
	}

	stamp, err := StampBytes(r.cfg.Path, content)
	if err != nil {
		return err
	}

	r.shared = current.shared
	r.entities = current.entities
	r.stamp = stamp
	r.loaded = true
	return nil
}

// normalize drops null properties, then entities left empty.
func (r *Flat) normalize(doc *document) {
	if !r.cfg.KeepNull {
		for k, v := range doc.shared {
			if v == nil {
				delete(doc.shared, k)
			}
		}
		for _, props := range doc.entities {
			for k, v := range props {
				if v == nil {
					delete(props, k)
				}
			}
		}
	}

	if !r.cfg.KeepEmpty {
		for k, props := range doc.entities {
			if len(props) == 0 {
				delete(doc.entities, k)
			}
		}
	}
}

type document struct {
	shared   map[string]any
	entities map[string]map[string]any
	stamp    Stamp
}

// readDocument parses a property document. A missing file is an empty
// document with a missing stamp.
func readDocument(path, entitiesKey string) (*document, error) {
	doc := &document{
		shared:   make(map[string]any),
		entities: make(map[string]map[string]any),
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		doc.stamp = MissingStamp()
		return doc, nil
	}
	if err != nil {
		return nil, fault.NewDataError("could not open property document", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}

	var data map[string]any
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fault.NewDataError("malformed property document", err).
			WithCode(fault.CodeMalformed).
			WithSubject(path)
	}

	for k, v := range data {
		if k != entitiesKey {
			doc.shared[k] = v
		}
	}

	switch collection := data[entitiesKey].(type) {
	case nil:
	case map[string]any:
		for key, v := range collection {
			switch props := v.(type) {
			case map[string]any:
				doc.entities[key] = props
			case []any:
				if len(props) > 0 {
					return nil, malformedEntity(path, key)
				}
				doc.entities[key] = make(map[string]any)
			default:
				return nil, malformedEntity(path, key)
			}
		}
	case []any:
		// an empty collection may be written as a list
		if len(collection) > 0 {
			return nil, fault.NewDataError(fmt.Sprintf("entity collection %q must be an object", entitiesKey), nil).
				WithCode(fault.CodeMalformed).
				WithSubject(path)
		}
	default:
		return nil, fault.NewDataError(fmt.Sprintf("entity collection %q must be an object", entitiesKey), nil).
			WithCode(fault.CodeMalformed).
			WithSubject(path)
	}

	doc.stamp, err = StampBytes(path, content)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func malformedEntity(path, key string) error {
	return fault.NewDataError(fmt.Sprintf("properties of entity %q must be an object", key), nil).
		WithCode(fault.CodeMalformed).
		WithSubject(path)
}

// overlay returns a shallow copy of base with data's keys replacing its own.
func overlay(base, data map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(data))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

// encodeDocument writes shared keys and entity keys in natural order with the
// entity collection last, indented by four spaces.
func encodeDocument(shared map[string]any, entities map[string]map[string]any, entitiesKey string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range naturalKeys(shared) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, k, shared[k]); err != nil {
			return nil, err
		}
	}

	if len(shared) > 0 {
		buf.WriteByte(',')
	}
	if err := writeRaw(&buf, entitiesKey); err != nil {
		return nil, err
	}
	buf.WriteString(":{")

	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	natsort.Sort(keys)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeRaw(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeRaw(&buf, entities[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteString("}}")

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "    "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func naturalKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	natsort.Sort(keys)
	return keys
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	if err := writeRaw(buf, key); err != nil {
		return err
	}
	buf.WriteByte(':')
	return writeRaw(buf, value)
}

func writeRaw(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
