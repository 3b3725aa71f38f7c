package stores

import (
	"fmt"
	"strings"

	"github.com/openfroyo/strata/pkg/fault"
)

// NestedStore is key-addressed persistent storage for trees of values.
//
// The first path segment is the top-level key: it names one independently
// stored document and is the unit of locking. Remaining segments address a
// value inside that document.
type NestedStore interface {
	// Get returns the value at path, or nil when absent.
	Get(path ...string) (any, error)

	// Set stores value at path, creating intermediate maps.
	// A single-segment path replaces the whole document and requires a map value.
	Set(value any, path ...string) error

	// Delete removes the value at path. A single-segment path removes the document.
	Delete(path ...string) error

	// Lock acquires an exclusive lock on a top-level key.
	Lock(key string) error

	// Unlock releases a lock acquired with Lock.
	Unlock(key string) error
}

// ErrEmptyPath is returned for operations without a top-level key.
var ErrEmptyPath = fault.Sentinel(fault.ClassUsage, fault.CodeValidation, "store path must name a top-level key")

// ErrNotLocked is returned when unlocking a key the caller does not hold.
var ErrNotLocked = fault.Sentinel(fault.ClassUsage, fault.CodeNotFound, "key is not locked")

// ErrLocked is returned when a key is locked by another owner.
var ErrLocked = fault.Sentinel(fault.ClassLock, fault.CodeLockFailed, "key is locked")

// splitPath separates the top-level key from the in-document path.
func splitPath(path []string) (string, []string, error) {
	if len(path) == 0 || path[0] == "" {
		return "", nil, ErrEmptyPath
	}
	if err := validateKey(path[0]); err != nil {
		return "", nil, err
	}
	return path[0], path[1:], nil
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." ||
		strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, 0) {
		return fault.NewUsageError(fmt.Sprintf("invalid top-level key %q", key), nil).
			WithCode(fault.CodeValidation)
	}
	return nil
}
