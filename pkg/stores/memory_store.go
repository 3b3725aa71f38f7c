package stores

import (
	"fmt"
	"sync"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/nested"
)

// MemoryStore implements NestedStore in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]any
	locked map[string]int

	// Writes counts successful Set and Delete calls.
	Writes int
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[string]any),
		locked: make(map[string]int),
	}
}

// Get returns a copy of the value at path, or nil when absent.
func (s *MemoryStore) Get(path ...string) (any, error) {
	key, rest, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, nil
	}
	v, found := nested.Lookup(doc, rest...)
	if !found {
		return nil, nil
	}
	return nested.Copy(v), nil
}

// Set stores a copy of value at path.
func (s *MemoryStore) Set(value any, path ...string) error {
	key, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		doc = make(map[string]any)
	}
	if err := nested.Set(doc, nested.Copy(value), rest...); err != nil {
		return err
	}
	s.docs[key] = doc
	s.Writes++
	return nil
}

// Delete removes the value at path.
func (s *MemoryStore) Delete(path ...string) error {
	key, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rest) == 0 {
		delete(s.docs, key)
	} else if doc, ok := s.docs[key]; ok {
		nested.Delete(doc, rest...)
	}
	s.Writes++
	return nil
}

// Lock marks key as held. Nested calls are counted.
func (s *MemoryStore) Lock(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked[key]++
	return nil
}

// Unlock releases one hold on key.
func (s *MemoryStore) Unlock(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked[key] == 0 {
		return ErrNotLockedFor(key)
	}
	s.locked[key]--
	if s.locked[key] == 0 {
		delete(s.locked, key)
	}
	return nil
}

// Locked reports whether key is currently held.
func (s *MemoryStore) Locked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.locked[key] > 0
}

// ErrNotLockedFor returns ErrNotLocked annotated with key.
func ErrNotLockedFor(key string) error {
	return fault.From(ErrNotLocked, fmt.Sprintf("key %s is not locked", key), nil).WithSubject(key)
}
