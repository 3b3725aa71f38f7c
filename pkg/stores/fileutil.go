package stores

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openfroyo/strata/pkg/fault"
)

// LockSuffix is appended to a document path to name its lock file.
const LockSuffix = ".lock"

// LockExclusive blocks until an exclusive advisory lock on path+LockSuffix is held.
// The returned function releases it and must be called on every exit path.
func LockExclusive(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.NewInternalError("failed to create directory", err).
			WithCode(fault.CodeIO).
			WithSubject(filepath.Dir(path))
	}

	fl := flock.New(path + LockSuffix)
	if err := fl.Lock(); err != nil {
		return nil, fault.NewLockError(fmt.Sprintf("failed to acquire exclusive lock for %s", path), err).
			WithSubject(path)
	}

	return func() error {
		if err := fl.Unlock(); err != nil {
			return fault.NewLockError(fmt.Sprintf("failed to release lock for %s", path), err).
				WithSubject(path)
		}
		return nil
	}, nil
}

// WriteAtomic replaces path with data through a temporary file and rename.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.NewInternalError("failed to create directory", err).
			WithCode(fault.CodeIO).
			WithSubject(dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fault.NewInternalError("failed to create temporary file", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fault.NewInternalError("failed to write temporary file", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fault.NewInternalError("failed to set file mode", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fault.NewInternalError("failed to close temporary file", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fault.NewInternalError("failed to replace file", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}

	return nil
}
