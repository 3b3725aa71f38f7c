package stores

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/nested"
)

// FileStore implements NestedStore with one JSON file per top-level key.
type FileStore struct {
	// dir holds <key>.json documents and their <key>.json.lock files.
	dir string

	mu sync.Mutex

	// docs caches decoded documents by top-level key.
	docs map[string]map[string]any

	// held maps locked keys to their release function and hold count.
	held map[string]*heldLock
}

type heldLock struct {
	release func() error
	count   int
}

// NewFileStore creates a file store rooted at dir. The directory is created on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:  dir,
		docs: make(map[string]map[string]any),
		held: make(map[string]*heldLock),
	}
}

// Dir returns the directory documents are stored in.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) documentPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get returns the value at path, or nil when absent.
func (s *FileStore) Get(path ...string) (any, error) {
	key, rest, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		doc, err = s.read(key)
		if err != nil {
			return nil, err
		}
		s.docs[key] = doc
	}

	if doc == nil {
		return nil, nil
	}
	v, found := nested.Lookup(doc, rest...)
	if !found {
		return nil, nil
	}
	return nested.Copy(v), nil
}

// Set stores value at path under an exclusive lock on the document.
func (s *FileStore) Set(value any, path ...string) error {
	key, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	return s.update(key, func(doc map[string]any) (map[string]any, error) {
		if err := nested.Set(doc, value, rest...); err != nil {
			return nil, err
		}
		return doc, nil
	})
}

// Delete removes the value at path. Deleting a top-level key removes its file.
func (s *FileStore) Delete(path ...string) error {
	key, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	if len(rest) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.docs, key)
		if err := os.Remove(s.documentPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fault.NewInternalError("failed to remove document", err).
				WithCode(fault.CodeIO).
				WithSubject(s.documentPath(key))
		}
		return nil
	}

	return s.update(key, func(doc map[string]any) (map[string]any, error) {
		nested.Delete(doc, rest...)
		return doc, nil
	})
}

// Lock acquires an exclusive lock on key. Nested calls by the same store are counted.
func (s *FileStore) Lock(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.held[key]; ok {
		h.count++
		return nil
	}

	release, err := LockExclusive(s.documentPath(key))
	if err != nil {
		return err
	}
	s.held[key] = &heldLock{release: release, count: 1}
	return nil
}

// Unlock releases one hold on key.
func (s *FileStore) Unlock(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.held[key]
	if !ok {
		return ErrNotLockedFor(key)
	}
	h.count--
	if h.count > 0 {
		return nil
	}
	delete(s.held, key)
	return h.release()
}

// update runs a read-modify-write cycle on the fresh on-disk document.
func (s *FileStore) update(key string, mutate func(map[string]any) (map[string]any, error)) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.held[key]; !ok {
		release, lockErr := LockExclusive(s.documentPath(key))
		if lockErr != nil {
			return lockErr
		}
		defer func() {
			if releaseErr := release(); releaseErr != nil && err == nil {
				err = releaseErr
			}
		}()
	}

	// a malformed document is replaced
	doc, err := s.read(key)
	if err != nil && !fault.HasCode(err, fault.CodeMalformed) {
		return err
	}
	if doc == nil {
		doc = make(map[string]any)
	}

	doc, err = mutate(doc)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fault.NewDataError("failed to encode document", err).
			WithCode(fault.CodeMalformed).
			WithSubject(key)
	}
	if err := WriteAtomic(s.documentPath(key), data, 0o644); err != nil {
		return err
	}

	// cache the decoded form so reads match a fresh process
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fault.NewInternalError("failed to decode written document", err).WithSubject(key)
	}
	s.docs[key] = decoded
	return nil
}

// read decodes the document for key from disk; a missing file yields nil.
func (s *FileStore) read(key string) (map[string]any, error) {
	path := s.documentPath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.NewInternalError("failed to read document", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.NewDataError("malformed cache document", err).
			WithCode(fault.CodeMalformed).
			WithSubject(path)
	}
	return doc, nil
}
