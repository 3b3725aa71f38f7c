// Package stores provides NestedStore implementations backing cache cells.
//
// FileStore keeps one JSON document per top-level key in a directory and
// guards writes with advisory file locks, SQLiteStore keeps documents in a
// SQLite database with schema migrations, and MemoryStore keeps them in
// process memory.
//
// Basic usage:
//
//	store := stores.NewFileStore(filepath.Join(root, ".cache"))
//	if err := store.Set(map[string]any{"stamp": nil, "value": 1}, "hierarchy.properties.resources", "core.base"); err != nil {
//		return err
//	}
//	v, err := store.Get("hierarchy.properties.resources", "core.base", "value")
//
// Locks are re-entrant for their holder: a key locked with Lock can still be
// written by the same store value until Unlock.
package stores
