package repository

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/strata/pkg/cell"
	"github.com/openfroyo/strata/pkg/stores"
)

type fixture struct {
	dir   string
	repos map[string]*Flat
}

func newFixture(t *testing.T, docs map[string]string) *fixture {
	t.Helper()

	f := &fixture{dir: t.TempDir(), repos: make(map[string]*Flat)}
	for id, content := range docs {
		path := filepath.Join(f.dir, id+".json")
		if content != "" {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("Failed to write %s: %v", id, err)
			}
		}
		r, err := New(Config{ID: id, Path: path})
		if err != nil {
			t.Fatalf("Failed to create %s: %v", id, err)
		}
		f.repos[id] = r
	}
	return f
}

func (f *fixture) chain(ids ...string) Chain {
	return ChainFunc(func() ([]Repository, error) {
		out := make([]Repository, 0, len(ids))
		for _, id := range ids {
			out = append(out, f.repos[id])
		}
		return out, nil
	})
}

func (f *fixture) hierarchy(t *testing.T, opts HierarchyOptions, ids ...string) (*Decorated, *Hierarchical) {
	t.Helper()

	h, err := NewHierarchical(f.chain(ids...), opts)
	if err != nil {
		t.Fatalf("Failed to create hierarchical layer: %v", err)
	}
	d, err := Decorate(f.repos[ids[0]], h)
	if err != nil {
		t.Fatalf("Failed to decorate: %v", err)
	}
	return d, h
}

func identifier(r Repository) string {
	if r == nil {
		return "<nil>"
	}
	return r.Identifier()
}

func TestHierarchical_ResolvesToAncestor(t *testing.T) {
	f := newFixture(t, map[string]string{
		"theme.5":   "",
		"core.base": `{"resources": {"header.css": {"media": "screen"}}}`,
	})
	d, h := f.hierarchy(t, HierarchyOptions{}, "theme.5", "core.base")

	r, err := h.QueryRepository("header.css")
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if identifier(r) != "core.base" {
		t.Fatalf("Expected core.base, got: %s", identifier(r))
	}

	ancestor, err := h.EntityResolvesToAncestor("header.css")
	if err != nil || !ancestor {
		t.Fatalf("Expected key to resolve to an ancestor, got: %v, %v", ancestor, err)
	}

	if err := d.SetEntityProperties("header.css", map[string]any{"inherits": false}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	r, err = h.ResolveRepository("header.css")
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if identifier(r) != "theme.5" {
		t.Fatalf("Expected theme.5 after disinheriting, got: %s", identifier(r))
	}

	props, err := d.EntityProperties("header.css")
	if err != nil {
		t.Fatalf("Failed to read properties: %v", err)
	}
	if _, ok := props["media"]; ok {
		t.Fatalf("Expected ancestor properties to be cut off, got: %v", props)
	}
}

func TestHierarchical_SelfPriority(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  `{"resources": {"a": {"x": 1}}}`,
		"parent": `{"resources": {"a": {"x": 2}, "b": {}}}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "parent")

	r, err := h.QueryRepository("a")
	if err != nil || identifier(r) != "child" {
		t.Fatalf("Expected child, got: %s, %v", identifier(r), err)
	}

	r, err = h.QueryRepository("b")
	if err != nil || identifier(r) != "parent" {
		t.Fatalf("Expected parent, got: %s, %v", identifier(r), err)
	}

	r, err = h.QueryRepository("missing")
	if err != nil || r != nil {
		t.Fatalf("Expected no repository, got: %s, %v", identifier(r), err)
	}
}

func TestHierarchical_DisinheritanceFloor(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  "",
		"sealed": `{"inherits": false, "resources": {"mine": {}}}`,
		"root":   `{"resources": {"far": {}, "mine": {}}}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "sealed", "root")

	r, err := h.QueryRepository("far")
	if err != nil || r != nil {
		t.Fatalf("Expected walk to stop at sealed unit, got: %s, %v", identifier(r), err)
	}

	r, err = h.QueryRepository("mine")
	if err != nil || identifier(r) != "sealed" {
		t.Fatalf("Expected sealed unit to be examined, got: %s, %v", identifier(r), err)
	}

	all, err := h.All()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if _, ok := all["far"]; ok {
		t.Fatalf("Expected far to be unreachable, got: %v", all)
	}
	if identifier(all["mine"]) != "sealed" {
		t.Fatalf("Expected mine to resolve to sealed, got: %s", identifier(all["mine"]))
	}
}

func TestHierarchical_EntityFloor(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  `{"resources": {"k": {"own": true}}}`,
		"middle": `{"resources": {"k": {"inherits": false, "mid": true}}}`,
		"root":   `{"resources": {"k": {"root": true}}}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "middle", "root")

	seq, err := h.EntityAncestorRepositories("k")
	if err != nil {
		t.Fatalf("Failed to walk ancestors: %v", err)
	}
	var ids []string
	for r, err := range seq {
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		ids = append(ids, r.Identifier())
	}
	if len(ids) != 1 || ids[0] != "middle" {
		t.Fatalf("Expected only middle, got: %v", ids)
	}

	props, err := h.EntityProperties("k")
	if err != nil {
		t.Fatalf("Failed to read properties: %v", err)
	}
	if props["own"] != true || props["mid"] != true {
		t.Fatalf("Expected child and middle properties, got: %v", props)
	}
	if _, ok := props["root"]; ok {
		t.Fatalf("Expected root properties to be cut off, got: %v", props)
	}
}

func TestHierarchical_MergedSharedProperties(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  `{"color": "red", "fonts": {"body": "serif"}, "inherits": true}`,
		"parent": `{"color": "blue", "fonts": {"head": "sans"}, "size": 12, "inherits": {"note": "x"}}`,
	})
	d, _ := f.hierarchy(t, HierarchyOptions{}, "child", "parent")

	shared, err := d.SharedProperties()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if shared["color"] != "red" || shared["size"] != float64(12) {
		t.Fatalf("Expected closer scalar to win, got: %v", shared)
	}
	fonts, _ := shared["fonts"].(map[string]any)
	if fonts["body"] != "serif" || fonts["head"] != "sans" {
		t.Fatalf("Expected maps to merge, got: %v", fonts)
	}
	if shared["inherits"] != true {
		t.Fatalf("Expected own control property only, got: %v", shared["inherits"])
	}
}

func TestHierarchical_CacheIdempotence(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  "",
		"parent": `{"resources": {"a": {}}}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "parent")

	first, err := h.QueryRepository("a")
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	second, err := h.QueryRepository("a")
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if first != second {
		t.Fatalf("Expected identical repositories")
	}

	resolved, err := h.ResolvedRepository("a")
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if resolved != first {
		t.Fatalf("Expected cached resolution to match query")
	}
}

func TestHierarchical_WriteRebuildsProperties(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  "",
		"parent": `{"color": "blue"}`,
	})
	d, _ := f.hierarchy(t, HierarchyOptions{}, "child", "parent")

	color, err := d.SharedProperty("color")
	if err != nil || color != "blue" {
		t.Fatalf("Expected inherited color, got: %v, %v", color, err)
	}

	if err := d.SetSharedProperty("color", "green"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	color, err = d.SharedProperty("color")
	if err != nil || color != "green" {
		t.Fatalf("Expected own color after write, got: %v, %v", color, err)
	}

	own, err := f.repos["child"].SharedProperty("color")
	if err != nil || own != "green" {
		t.Fatalf("Expected write to reach own repository, got: %v, %v", own, err)
	}
}

func TestHierarchical_AncestorsRequireReference(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  "",
		"parent": `{"resources": {"a": {}}}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "parent")

	if _, err := h.EntityAncestorRepositories("a"); !errors.Is(err, ErrNoReference) {
		t.Fatalf("Expected ErrNoReference, got: %v", err)
	}
	if _, err := h.EntityHasAncestors("a"); !errors.Is(err, ErrNoReference) {
		t.Fatalf("Expected ErrNoReference, got: %v", err)
	}
}

func TestHierarchical_AncestorSequenceSinglePass(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  `{"resources": {"a": {}}}`,
		"middle": `{"resources": {"a": {}}}`,
		"root":   `{"resources": {"a": {}}}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "middle", "root")

	seq, err := h.EntityAncestorRepositories("a")
	if err != nil {
		t.Fatalf("Failed to walk ancestors: %v", err)
	}

	var ids []string
	for r, err := range seq {
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		ids = append(ids, r.Identifier())
	}
	if len(ids) != 2 || ids[0] != "middle" || ids[1] != "root" {
		t.Fatalf("Expected middle, root, got: %v", ids)
	}

	for _, err := range seq {
		if !errors.Is(err, ErrConsumed) {
			t.Fatalf("Expected ErrConsumed, got: %v", err)
		}
	}

	closest, err := h.ClosestEntityAncestor("a")
	if err != nil || identifier(closest) != "middle" {
		t.Fatalf("Expected middle, got: %s, %v", identifier(closest), err)
	}

	has, err := h.EntityHasAncestors("a")
	if err != nil || !has {
		t.Fatalf("Expected ancestors, got: %v, %v", has, err)
	}
}

func TestHierarchical_PersistedCaches(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  `{"resources": {"own": {}}}`,
		"parent": `{"color": "blue", "resources": {"a": {}}}`,
	})
	store := stores.NewMemoryStore()

	_, h := f.hierarchy(t, HierarchyOptions{Registry: cell.NewRegistry(store, nil), Name: "resources"}, "child", "parent")
	if err := h.BuildCache(); err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	propertiesPath, resolutionPath := CellPaths("resources", "child", "")
	stored, err := store.Get(append(append([]string(nil), resolutionPath...), "value", "a")...)
	if err != nil {
		t.Fatalf("Failed to read store: %v", err)
	}
	if stored != "parent" {
		t.Fatalf("Expected resolution stored by identifier, got: %v", stored)
	}
	if raw, _ := store.Get(propertiesPath...); raw == nil {
		t.Fatalf("Expected properties cache to be stored")
	}

	// a second process sharing the store loads the caches
	writes := store.Writes
	_, reloaded := f.hierarchy(t, HierarchyOptions{Registry: cell.NewRegistry(store, nil), Name: "resources"}, "child", "parent")
	r, err := reloaded.ResolvedRepository("a")
	if err != nil || identifier(r) != "parent" {
		t.Fatalf("Expected parent from cache, got: %s, %v", identifier(r), err)
	}
	if r != Repository(f.repos["parent"]) {
		t.Fatalf("Expected identifier to map back to the chain repository")
	}
	if store.Writes != writes {
		t.Fatalf("Expected load without writes, got %d writes", store.Writes-writes)
	}
}

func TestHierarchical_StaleCacheRebuilds(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  "",
		"parent": `{"color": "blue"}`,
	})
	store := stores.NewMemoryStore()

	_, h := f.hierarchy(t, HierarchyOptions{Registry: cell.NewRegistry(store, nil)}, "child", "parent")
	if err := h.BuildCache(); err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	other, err := New(Config{ID: "parent", Path: f.repos["parent"].Path()})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	if err := other.SetSharedProperty("color", "red"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := f.repos["parent"].Reload(); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	d, _ := f.hierarchy(t, HierarchyOptions{Registry: cell.NewRegistry(store, nil)}, "child", "parent")
	color, err := d.SharedProperty("color")
	if err != nil || color != "red" {
		t.Fatalf("Expected stale cache to be rebuilt, got: %v, %v", color, err)
	}
}

func TestHierarchical_UnreadableCacheRebuilds(t *testing.T) {
	f := newFixture(t, map[string]string{
		"theme.5":   "",
		"core.base": `{"font": "serif"}`,
	})
	cacheDir := t.TempDir()

	_, h := f.hierarchy(t, HierarchyOptions{Registry: cell.NewRegistry(stores.NewFileStore(cacheDir), nil), Name: "resources"}, "theme.5", "core.base")
	if err := h.BuildCache(); err != nil {
		t.Fatalf("Failed to build cache: %v", err)
	}
	if err := h.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	path := filepath.Join(cacheDir, "hierarchy.properties.resources.json")
	if err := os.WriteFile(path, []byte("{trunc"), 0o644); err != nil {
		t.Fatalf("Failed to corrupt cache: %v", err)
	}

	registry := cell.NewRegistry(stores.NewFileStore(cacheDir), nil)
	d, _ := f.hierarchy(t, HierarchyOptions{Registry: registry, Name: "resources"}, "theme.5", "core.base")
	font, err := d.SharedProperty("font")
	if err != nil || font != "serif" {
		t.Fatalf("Expected serif rebuilt from the chain, got: %v, %v", font, err)
	}

	if err := registry.Commit(); err != nil {
		t.Fatalf("Expected the unreadable cache to be replaced, got: %v", err)
	}
	stored, err := stores.NewFileStore(cacheDir).Get("hierarchy.properties.resources", "theme.5", "value", ScopeShared, "font")
	if err != nil || stored != "serif" {
		t.Errorf("Expected rewritten cache, got: %v, %v", stored, err)
	}
}

func TestHierarchical_ForeignWriteInvalidates(t *testing.T) {
	f := newFixture(t, map[string]string{
		"theme.5":   "",
		"core.base": `{"font": "serif", "resources": {"header.css": {}}}`,
	})
	d, h := f.hierarchy(t, HierarchyOptions{}, "theme.5", "core.base")

	font, err := d.SharedProperty("font")
	if err != nil || font != "serif" {
		t.Fatalf("Expected serif, got: %v, %v", font, err)
	}
	r, err := h.ResolvedRepository("header.css")
	if err != nil || identifier(r) != "core.base" {
		t.Fatalf("Expected core.base, got: %s, %v", identifier(r), err)
	}

	// other processes write through their own repositories
	base, err := New(Config{ID: "core.base", Path: f.repos["core.base"].Path()})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	if err := base.SetSharedProperty("font", "mono"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	theme, err := New(Config{ID: "theme.5", Path: f.repos["theme.5"].Path()})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	if err := theme.SetEntityProperties("header.css", map[string]any{"media": "print"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	font, err = d.SharedProperty("font")
	if err != nil || font != "mono" {
		t.Fatalf("Expected mono after the foreign write, got: %v, %v", font, err)
	}
	r, err = h.ResolvedRepository("header.css")
	if err != nil || identifier(r) != "theme.5" {
		t.Fatalf("Expected theme.5 after the foreign write, got: %s, %v", identifier(r), err)
	}
}

func TestHierarchical_PassiveValidationTrustsCache(t *testing.T) {
	f := newFixture(t, map[string]string{
		"theme.5":   "",
		"core.base": `{"font": "serif"}`,
	})
	d, _ := f.hierarchy(t, HierarchyOptions{ValidateMode: cell.Passive}, "theme.5", "core.base")

	if _, err := d.SharedProperty("font"); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}

	base, err := New(Config{ID: "core.base", Path: f.repos["core.base"].Path()})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	if err := base.SetSharedProperty("font", "mono"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	font, err := d.SharedProperty("font")
	if err != nil || font != "serif" {
		t.Fatalf("Expected the held cache to be trusted, got: %v, %v", font, err)
	}
}

func TestHierarchical_ChainStampValid(t *testing.T) {
	f := newFixture(t, map[string]string{
		"child":  "",
		"parent": `{"color": "blue"}`,
	})
	_, h := f.hierarchy(t, HierarchyOptions{}, "child", "parent")

	stamp, err := h.ChainStamp()
	if err != nil {
		t.Fatalf("Failed to stamp: %v", err)
	}
	valid, err := h.ChainStampValid(stamp)
	if err != nil || !valid {
		t.Fatalf("Expected valid stamp, got: %v, %v", valid, err)
	}

	encoded, err := cell.Decode[any](stamp)
	if err != nil {
		t.Fatalf("Failed to encode stamp: %v", err)
	}
	valid, err = h.ChainStampValid(encoded)
	if err != nil || !valid {
		t.Fatalf("Expected decoded stamp to be valid, got: %v, %v", valid, err)
	}

	reordered := ChainStamp{stamp[1], stamp[0]}
	valid, err = h.ChainStampValid(reordered)
	if err != nil || valid {
		t.Fatalf("Expected reordered stamp to be invalid, got: %v, %v", valid, err)
	}

	valid, err = h.ChainStampValid(stamp[:1])
	if err != nil || valid {
		t.Fatalf("Expected truncated stamp to be invalid, got: %v, %v", valid, err)
	}
}

func TestHierarchical_Options(t *testing.T) {
	if _, err := NewHierarchical(nil, HierarchyOptions{}); err == nil {
		t.Fatalf("Expected error without chain")
	}
	chain := ChainFunc(func() ([]Repository, error) { return nil, nil })
	if _, err := NewHierarchical(chain, HierarchyOptions{CacheMode: cell.Immediate}); err == nil {
		t.Fatalf("Expected error for immediate cache mode")
	}
	if _, err := NewHierarchical(chain, HierarchyOptions{ValidateMode: cell.Deferred}); err == nil {
		t.Fatalf("Expected error for deferred validate mode")
	}

	h, err := NewHierarchical(chain, HierarchyOptions{})
	if err != nil {
		t.Fatalf("Failed to create layer: %v", err)
	}
	if _, err := h.Own(); err == nil {
		t.Fatalf("Expected detached layer to have no own repository")
	}
}

func TestDecorated_Hierarchy(t *testing.T) {
	f := newFixture(t, map[string]string{"child": ""})
	d, h := f.hierarchy(t, HierarchyOptions{}, "child")

	got, ok := d.Hierarchy()
	if !ok || got != h {
		t.Fatalf("Expected hierarchical layer to be found")
	}
	if d.Own() != Repository(f.repos["child"]) {
		t.Fatalf("Expected own repository to be the flat one")
	}
	if d.Identifier() != "child" {
		t.Fatalf("Expected identifier child, got: %s", d.Identifier())
	}

	plain, err := Decorate(f.repos["child"])
	if err != nil {
		t.Fatalf("Failed to decorate: %v", err)
	}
	if _, ok := plain.Hierarchy(); ok {
		t.Fatalf("Expected no hierarchical layer")
	}
}
