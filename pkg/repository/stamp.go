package repository

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/openfroyo/strata/pkg/fault"
)

// StampComponent selects what a stamp validation compares.
type StampComponent string

const (
	StampChecksum StampComponent = "checksum"
	StampModTime  StampComponent = "mtime"
	StampBoth     StampComponent = "both"
)

// ParseStampComponent converts a component name, accepting "time" for mtime.
func ParseStampComponent(s string) (StampComponent, error) {
	switch s {
	case "", string(StampChecksum):
		return StampChecksum, nil
	case string(StampModTime), "time":
		return StampModTime, nil
	case string(StampBoth):
		return StampBoth, nil
	default:
		return "", fault.NewUsageError(fmt.Sprintf("unknown stamp component %q", s), nil).WithCode(fault.CodeValidation)
	}
}

// Stamp is a snapshot of a document used to detect staleness.
// A Missing stamp stays valid while the document does not exist.
type Stamp struct {
	Checksum string    `json:"checksum,omitempty"`
	ModTime  time.Time `json:"mtime"`
	Missing  bool      `json:"missing,omitempty"`
}

// MissingStamp returns the stamp of a nonexistent document.
func MissingStamp() Stamp {
	return Stamp{Missing: true}
}

// Checksum returns the xxhash64 hex digest of data.
func Checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// StampBytes stamps data known to be the content of path.
func StampBytes(path string, data []byte) (Stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stamp{}, fault.NewInternalError("failed to stat document", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	return Stamp{Checksum: Checksum(data), ModTime: info.ModTime().UTC()}, nil
}

// StampFile stamps the current content of path.
func StampFile(path string) (Stamp, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return MissingStamp(), nil
	}
	if err != nil {
		return Stamp{}, fault.NewInternalError("failed to read document", err).
			WithCode(fault.CodeIO).
			WithSubject(path)
	}
	return StampBytes(path, data)
}

// Equal compares two stamps on the given component.
func (s Stamp) Equal(other Stamp, component StampComponent) bool {
	if s.Missing || other.Missing {
		return s.Missing == other.Missing
	}
	switch component {
	case StampModTime:
		return s.ModTime.Equal(other.ModTime)
	case StampBoth:
		return s.Checksum == other.Checksum && s.ModTime.Equal(other.ModTime)
	default:
		return s.Checksum == other.Checksum
	}
}

// Valid reports whether path still matches the stamp.
func (s Stamp) Valid(path string, component StampComponent) (bool, error) {
	if s.Missing {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, fault.NewInternalError("failed to stat document", err).
				WithCode(fault.CodeIO).
				WithSubject(path)
		}
		return false, nil
	}

	current, err := StampFile(path)
	if err != nil {
		return false, err
	}
	return s.Equal(current, component), nil
}

// UnitStamp is the stamp of one repository in a chain.
type UnitStamp struct {
	Identifier string `json:"identifier"`
	Stamp      Stamp  `json:"stamp"`
}

// ChainStamp holds the stamps of every repository in a chain, closest first.
type ChainStamp []UnitStamp
