package repository

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/strata/pkg/fault"
)

func newFlat(t *testing.T, id string, content string) *Flat {
	t.Helper()

	path := filepath.Join(t.TempDir(), id+".json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write document: %v", err)
		}
	}

	r, err := New(Config{ID: id, Path: path})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	return r
}

func TestNew_RequiresIDAndPath(t *testing.T) {
	if _, err := New(Config{Path: "x.json"}); !fault.IsUsage(err) {
		t.Fatalf("Expected usage error without ID, got: %v", err)
	}
	if _, err := New(Config{ID: "x"}); !fault.IsUsage(err) {
		t.Fatalf("Expected usage error without path, got: %v", err)
	}
}

func TestFlat_MissingDocument(t *testing.T) {
	r := newFlat(t, "empty", "")

	shared, err := r.SharedProperties()
	if err != nil {
		t.Fatalf("Failed to read shared properties: %v", err)
	}
	if len(shared) != 0 {
		t.Fatalf("Expected no shared properties, got: %v", shared)
	}

	props, err := r.EntityProperties("anything")
	if err != nil {
		t.Fatalf("Failed to read entity properties: %v", err)
	}
	if props == nil || len(props) != 0 {
		t.Fatalf("Expected empty non-nil properties, got: %v", props)
	}

	stamp, err := r.Stamp()
	if err != nil {
		t.Fatalf("Failed to stamp: %v", err)
	}
	if !stamp.Missing {
		t.Fatalf("Expected missing stamp, got: %+v", stamp)
	}

	valid, err := r.StampValid(stamp)
	if err != nil || !valid {
		t.Fatalf("Expected missing stamp to be valid while absent, got: %v, %v", valid, err)
	}
}

func TestFlat_RoundTrip(t *testing.T) {
	r := newFlat(t, "unit", "")

	if err := r.SetSharedProperty("color", "blue"); err != nil {
		t.Fatalf("Failed to set shared property: %v", err)
	}
	if err := r.SetEntityProperties("core.base", map[string]any{"enabled": true}); err != nil {
		t.Fatalf("Failed to set entity properties: %v", err)
	}
	if err := r.SetEntityProperties("core.base", map[string]any{"weight": float64(3)}); err != nil {
		t.Fatalf("Failed to set entity properties: %v", err)
	}

	fresh, err := New(Config{ID: "unit", Path: r.Path()})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	color, err := fresh.SharedProperty("color")
	if err != nil || color != "blue" {
		t.Fatalf("Expected color blue, got: %v, %v", color, err)
	}

	props, err := fresh.EntityProperties("core.base")
	if err != nil {
		t.Fatalf("Failed to read entity properties: %v", err)
	}
	if props["enabled"] != true || props["weight"] != float64(3) {
		t.Fatalf("Expected overlaid properties, got: %v", props)
	}

	has, err := fresh.Has("core.base")
	if err != nil || !has {
		t.Fatalf("Expected entity to be present, got: %v, %v", has, err)
	}
}

func TestFlat_ReservedKey(t *testing.T) {
	r := newFlat(t, "unit", "")

	err := r.SetSharedProperty(DefaultEntitiesKey, map[string]any{})
	if !errors.Is(err, ErrReservedKey) {
		t.Fatalf("Expected ErrReservedKey, got: %v", err)
	}
	if _, statErr := os.Stat(r.Path()); !os.IsNotExist(statErr) {
		t.Fatalf("Expected no document to be written, got: %v", statErr)
	}
}

func TestFlat_Normalize(t *testing.T) {
	r := newFlat(t, "unit", `{"stale": 1, "resources": {"a": {"x": 1}, "b": {"y": 2}}}`)

	if err := r.SetSharedProperty("stale", nil); err != nil {
		t.Fatalf("Failed to clear shared property: %v", err)
	}
	if err := r.SetEntityProperties("a", map[string]any{"x": nil}); err != nil {
		t.Fatalf("Failed to clear entity property: %v", err)
	}

	content, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	text := string(content)
	if strings.Contains(text, "stale") {
		t.Fatalf("Expected null shared property to be dropped, got: %s", text)
	}
	if strings.Contains(text, `"a"`) {
		t.Fatalf("Expected emptied entity to be dropped, got: %s", text)
	}
	if !strings.Contains(text, `"b"`) {
		t.Fatalf("Expected entity b to remain, got: %s", text)
	}

	has, err := r.Has("a")
	if err != nil || has {
		t.Fatalf("Expected entity a to be gone, got: %v, %v", has, err)
	}
}

func TestFlat_KeepNullAndEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.json")
	r, err := New(Config{ID: "unit", Path: path, KeepNull: true, KeepEmpty: true})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	if err := r.SetEntityProperties("a", map[string]any{"x": nil}); err != nil {
		t.Fatalf("Failed to set entity properties: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	if !strings.Contains(string(content), `"x": null`) {
		t.Fatalf("Expected null property to be kept, got: %s", content)
	}
}

func TestFlat_DocumentLayout(t *testing.T) {
	r := newFlat(t, "unit", "")

	for _, key := range []string{"item10", "item2", "item1"} {
		if err := r.SetEntityProperties(key, map[string]any{"url": "<a&b>"}); err != nil {
			t.Fatalf("Failed to set entity properties: %v", err)
		}
	}
	if err := r.SetSharedProperty("zeta", 1); err != nil {
		t.Fatalf("Failed to set shared property: %v", err)
	}

	content, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	text := string(content)

	if !strings.HasPrefix(text, "{\n    \"zeta\": 1,\n    \"resources\": {") {
		t.Fatalf("Expected shared properties before the collection, got: %s", text)
	}
	if !strings.Contains(text, "<a&b>") {
		t.Fatalf("Expected unescaped HTML characters, got: %s", text)
	}
	i1 := strings.Index(text, `"item1"`)
	i2 := strings.Index(text, `"item2"`)
	i10 := strings.Index(text, `"item10"`)
	if !(i1 < i2 && i2 < i10) {
		t.Fatalf("Expected natural key order, got: %s", text)
	}

	keys, err := r.Keys()
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if strings.Join(keys, ",") != "item1,item2,item10" {
		t.Fatalf("Expected natural key order, got: %v", keys)
	}
}

func TestFlat_ConcurrentWritersMerge(t *testing.T) {
	first := newFlat(t, "unit", "")
	second, err := New(Config{ID: "unit", Path: first.Path()})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	// load both before either writes
	if _, err := first.SharedProperties(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if _, err := second.SharedProperties(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if err := first.SetSharedProperty("a", 1); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := second.SetSharedProperty("b", 2); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	if err := first.Reload(); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	shared, err := first.SharedProperties()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if shared["a"] == nil || shared["b"] == nil {
		t.Fatalf("Expected both writes to survive, got: %v", shared)
	}
}

func TestFlat_FailedWriteLeavesStateUnchanged(t *testing.T) {
	r := newFlat(t, "unit", "")
	if _, err := r.SharedProperties(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	// a directory in place of the document makes the write fail
	if err := os.Mkdir(r.Path(), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := r.SetSharedProperty("color", "red"); err == nil {
		t.Fatal("Expected write to fail")
	}
	if err := r.SetEntityProperties("a.css", map[string]any{"media": "print"}); err == nil {
		t.Fatal("Expected write to fail")
	}

	color, err := r.SharedProperty("color")
	if err != nil || color != nil {
		t.Fatalf("Expected unsaved property to be dropped, got: %v, %v", color, err)
	}
	props, err := r.EntityProperties("a.css")
	if err != nil || len(props) != 0 {
		t.Fatalf("Expected unsaved entity properties to be dropped, got: %v, %v", props, err)
	}

	if err := os.Remove(r.Path()); err != nil {
		t.Fatalf("Failed to remove directory: %v", err)
	}
	if err := r.SetSharedProperty("size", 2); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	content, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	if strings.Contains(string(content), "red") || strings.Contains(string(content), "print") {
		t.Errorf("Expected failed writes not to reach a later write, got: %s", content)
	}
	if !strings.Contains(string(content), `"size"`) {
		t.Errorf("Expected size to be written, got: %s", content)
	}
}

func TestFlat_MalformedDocument(t *testing.T) {
	cases := map[string]string{
		"syntax":     `{"resources": `,
		"collection": `{"resources": "nope"}`,
		"entity":     `{"resources": {"a": 3}}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			r := newFlat(t, "unit", content)
			_, err := r.SharedProperties()
			if !fault.IsData(err) {
				t.Fatalf("Expected data error, got: %v", err)
			}
		})
	}
}

func TestFlat_EmptyListCollection(t *testing.T) {
	r := newFlat(t, "unit", `{"resources": [], "a": {"b": 1}}`)

	all, err := r.AllEntityProperties()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("Expected no entities, got: %v", all)
	}
}

func TestFlat_InheritanceFlags(t *testing.T) {
	r := newFlat(t, "unit", `{
		"inherits": false,
		"resources": {
			"sealed": {"inherits": false},
			"custom": {"inherits": {"mode": "override"}},
			"plain": {"x": 1},
			"odd": {"inherits": "no"}
		}
	}`)

	inherited, err := r.DeclaredInherited()
	if err != nil || inherited {
		t.Fatalf("Expected unit not inherited, got: %v, %v", inherited, err)
	}

	expect := map[string]bool{"sealed": false, "custom": true, "plain": true, "odd": false, "absent": true}
	for key, want := range expect {
		got, err := r.EntityDeclaredInherited(key)
		if err != nil {
			t.Fatalf("Failed to read flag of %s: %v", key, err)
		}
		if got != want {
			t.Fatalf("Expected %s inherited=%v, got: %v", key, want, got)
		}
	}

	sealed, err := r.EntitiesDeclaredDisinherited()
	if err != nil {
		t.Fatalf("Failed to list disinherited: %v", err)
	}
	if strings.Join(sealed, ",") != "odd,sealed" {
		t.Fatalf("Expected odd,sealed, got: %v", sealed)
	}
}

func TestFlat_StampValid(t *testing.T) {
	r := newFlat(t, "unit", "")

	if err := r.SetSharedProperty("a", 1); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	stamp, err := r.Stamp()
	if err != nil {
		t.Fatalf("Failed to stamp: %v", err)
	}

	valid, err := r.StampValid(stamp)
	if err != nil || !valid {
		t.Fatalf("Expected stamp to be valid, got: %v, %v", valid, err)
	}

	if err := os.WriteFile(r.Path(), []byte(`{"a": 2, "resources": {}}`), 0o644); err != nil {
		t.Fatalf("Failed to rewrite document: %v", err)
	}
	valid, err = r.StampValid(stamp)
	if err != nil || valid {
		t.Fatalf("Expected stamp to be stale, got: %v, %v", valid, err)
	}

	valid, err = r.StampValid(MissingStamp())
	if err != nil || valid {
		t.Fatalf("Expected missing stamp to be stale once the document exists, got: %v, %v", valid, err)
	}
}

func TestFlat_LocateAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.json")
	r, err := New(Config{
		ID:     "unit",
		Path:   path,
		Locate: func(key string) (bool, error) { return key == "on-disk", nil },
		List:   func() ([]string, error) { return []string{"on-disk"}, nil },
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}

	has, err := r.Has("on-disk")
	if err != nil || !has {
		t.Fatalf("Expected located entity, got: %v, %v", has, err)
	}

	keys, err := r.Keys()
	if err != nil || len(keys) != 1 || keys[0] != "on-disk" {
		t.Fatalf("Expected listed keys, got: %v, %v", keys, err)
	}
}

func TestParseStampComponent(t *testing.T) {
	cases := map[string]StampComponent{
		"":         StampChecksum,
		"checksum": StampChecksum,
		"mtime":    StampModTime,
		"time":     StampModTime,
		"both":     StampBoth,
	}
	for in, want := range cases {
		got, err := ParseStampComponent(in)
		if err != nil || got != want {
			t.Fatalf("Expected %q to parse as %s, got: %s, %v", in, want, got, err)
		}
	}
	if _, err := ParseStampComponent("size"); !fault.IsUsage(err) {
		t.Fatalf("Expected usage error, got: %v", err)
	}
}
