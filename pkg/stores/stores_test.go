package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/strata/pkg/fault"
)

func newTestSQLiteStore(t *testing.T, path string, timeout time.Duration) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: path, LockTimeout: timeout, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func eachStore(t *testing.T, fn func(t *testing.T, store NestedStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("file", func(t *testing.T) {
		fn(t, NewFileStore(t.TempDir()))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestSQLiteStore(t, filepath.Join(t.TempDir(), "cells.db"), time.Second))
	})
}

func TestNestedStore_SetGet(t *testing.T) {
	eachStore(t, func(t *testing.T, store NestedStore) {
		if err := store.Set("blue", "theme", "properties", "color"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, err := store.Get("theme", "properties", "color")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got != "blue" {
			t.Errorf("Expected blue, got: %v", got)
		}

		props, err := store.Get("theme", "properties")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		m, ok := props.(map[string]any)
		if !ok || m["color"] != "blue" {
			t.Errorf("Expected nested map, got: %v", props)
		}

		missing, err := store.Get("theme", "nope")
		if err != nil || missing != nil {
			t.Errorf("Expected nil for missing value, got: %v, %v", missing, err)
		}
		absent, err := store.Get("other")
		if err != nil || absent != nil {
			t.Errorf("Expected nil for absent key, got: %v, %v", absent, err)
		}
	})
}

func TestNestedStore_Delete(t *testing.T) {
	eachStore(t, func(t *testing.T, store NestedStore) {
		if err := store.Set(map[string]any{"a": 1.0, "b": 2.0}, "doc"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := store.Delete("doc", "a"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if v, _ := store.Get("doc", "a"); v != nil {
			t.Errorf("Expected a to be deleted, got: %v", v)
		}
		if v, _ := store.Get("doc", "b"); v != 2.0 {
			t.Errorf("Expected b to survive, got: %v", v)
		}

		if err := store.Delete("doc"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if v, _ := store.Get("doc"); v != nil {
			t.Errorf("Expected document to be removed, got: %v", v)
		}

		// deleting an absent document is not an error
		if err := store.Delete("doc"); err != nil {
			t.Errorf("Expected no error deleting absent document, got: %v", err)
		}
	})
}

func TestNestedStore_GetReturnsCopy(t *testing.T) {
	eachStore(t, func(t *testing.T, store NestedStore) {
		if err := store.Set(map[string]any{"k": "v"}, "doc", "inner"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got, _ := store.Get("doc", "inner")
		got.(map[string]any)["k"] = "changed"

		again, _ := store.Get("doc", "inner", "k")
		if again != "v" {
			t.Errorf("Expected stored value to be unaffected, got: %v", again)
		}
	})
}

func TestNestedStore_InvalidPath(t *testing.T) {
	eachStore(t, func(t *testing.T, store NestedStore) {
		if _, err := store.Get(); !errors.Is(err, ErrEmptyPath) {
			t.Errorf("Expected ErrEmptyPath, got: %v", err)
		}
		if err := store.Set("x"); !errors.Is(err, ErrEmptyPath) {
			t.Errorf("Expected ErrEmptyPath, got: %v", err)
		}
		if err := store.Set("x", "../escape"); !fault.IsUsage(err) {
			t.Errorf("Expected usage error for traversal key, got: %v", err)
		}
		if err := store.Set("scalar", "doc"); err == nil {
			t.Errorf("Expected error replacing document with a scalar")
		}
	})
}

func TestNestedStore_LockIsReentrant(t *testing.T) {
	eachStore(t, func(t *testing.T, store NestedStore) {
		if err := store.Lock("doc"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := store.Lock("doc"); err != nil {
			t.Fatalf("Expected re-entrant lock, got: %v", err)
		}

		// writes under a held lock do not deadlock
		if err := store.Set(true, "doc", "flag"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if err := store.Unlock("doc"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := store.Unlock("doc"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := store.Unlock("doc"); !errors.Is(err, ErrNotLocked) {
			t.Errorf("Expected ErrNotLocked, got: %v", err)
		}
	})
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	if err := store.Set("v", "theme.5", "properties"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "theme.5.json")); err != nil {
		t.Fatalf("Expected document file, got: %v", err)
	}

	// a second store sees the first store's writes
	other := NewFileStore(dir)
	got, err := other.Get("theme.5", "properties")
	if err != nil || got != "v" {
		t.Errorf("Expected v from fresh store, got: %v, %v", got, err)
	}

	if err := store.Delete("theme.5"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "theme.5.json")); !os.IsNotExist(err) {
		t.Errorf("Expected document file to be removed, got: %v", err)
	}
}

func TestFileStore_MalformedDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	store := NewFileStore(dir)
	_, err := store.Get("bad")
	if !fault.HasCode(err, fault.CodeMalformed) {
		t.Errorf("Expected malformed document error, got: %v", err)
	}

	if err := store.Set("fresh", "bad", "value"); err != nil {
		t.Fatalf("Expected the malformed document to be replaced, got: %v", err)
	}
	got, err := NewFileStore(dir).Get("bad", "value")
	if err != nil || got != "fresh" {
		t.Errorf("Expected fresh, got: %v, %v", got, err)
	}
}

func TestSQLiteStore_LockConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.db")
	first := newTestSQLiteStore(t, path, 20*time.Millisecond)
	second := newTestSQLiteStore(t, path, 20*time.Millisecond)

	if err := first.Lock("doc"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := second.Lock("doc")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked, got: %v", err)
	}
	if !fault.IsLock(err) {
		t.Errorf("Expected lock class error, got: %v", err)
	}

	if err := first.Unlock("doc"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := second.Lock("doc"); err != nil {
		t.Errorf("Expected lock after release, got: %v", err)
	}
}

func TestSQLiteStore_RequiresInit(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Errorf("Expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := store.Get("doc"); !fault.IsUsage(err) {
		t.Errorf("Expected usage error before Init, got: %v", err)
	}
	if store.Owner() == "" {
		t.Errorf("Expected default owner")
	}
}

func TestLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	unlock, err := LockExclusive(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(path + LockSuffix); err != nil {
		t.Errorf("Expected lock file, got: %v", err)
	}
	if err := unlock(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.json")

	if err := WriteAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := WriteAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "two" {
		t.Errorf("Expected two, got: %q, %v", data, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected no temporary files left, got: %d entries", len(entries))
	}
}
