package packages

import (
	"bufio"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/facette/natsort"
	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/strata/pkg/fault"
)

// ChecksumsFile is the checksum manifest name inside a package directory.
const ChecksumsFile = "checksums"

// Checksums maps relative paths to their accepted SHA-512 hex digests.
type Checksums map[string][]string

// ParseChecksums reads lines of `<hex-digest> <relative-path>`. Blank and
// incomplete lines are skipped; a path may be listed with several digests.
func ParseChecksums(r io.Reader) (Checksums, error) {
	sums := make(Checksums)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		digest, path, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		digest = strings.TrimSpace(digest)
		path = strings.TrimSpace(path)
		sums[path] = append(sums[path], digest)
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.NewDataError("could not read checksums file", err).WithCode(fault.CodeIO)
	}
	return sums, nil
}

// Paths returns the declared paths in natural order.
func (c Checksums) Paths() []string {
	paths := make([]string, 0, len(c))
	for p := range c {
		paths = append(paths, p)
	}
	natsort.Sort(paths)
	return paths
}

// Verification lists declared files whose content differs or that are absent.
type Verification struct {
	Changed []string `json:"changed"`
	Missing []string `json:"missing"`
}

// OK reports whether every declared file matched.
func (v *Verification) OK() bool {
	return len(v.Changed) == 0 && len(v.Missing) == 0
}

// Err returns one data error per mismatching file, or nil.
func (v *Verification) Err() error {
	var result *multierror.Error
	for _, p := range v.Changed {
		result = multierror.Append(result,
			fault.NewDataError("file checksum mismatch", nil).WithCode(fault.CodeValidation).WithSubject(p))
	}
	for _, p := range v.Missing {
		result = multierror.Append(result,
			fault.NewDataError("declared file is missing", nil).WithCode(fault.CodeNotFound).WithSubject(p))
	}
	return result.ErrorOrNil()
}

// VerifyFiles hashes each declared file below dir and compares it with its
// accepted digests, ignoring case. Files not declared are ignored; a declared
// path leaving dir is a data error.
func VerifyFiles(dir string, sums Checksums) (*Verification, error) {
	v := &Verification{Changed: []string{}, Missing: []string{}}

	for _, rel := range sums.Paths() {
		local := filepath.FromSlash(strings.TrimPrefix(rel, "/"))
		if !filepath.IsLocal(local) {
			return nil, fault.NewDataError(fmt.Sprintf("checksum path %s leaves the package directory", rel), nil).
				WithCode(fault.CodeValidation).
				WithSubject(rel)
		}

		digest, err := fileDigest(filepath.Join(dir, local))
		if errors.Is(err, os.ErrNotExist) {
			v.Missing = append(v.Missing, rel)
			continue
		}
		if err != nil {
			return nil, fault.NewDataError(fmt.Sprintf("could not hash %s", rel), err).
				WithCode(fault.CodeIO).
				WithSubject(rel)
		}
		if !slices.ContainsFunc(sums[rel], func(accepted string) bool {
			return strings.EqualFold(accepted, digest)
		}) {
			v.Changed = append(v.Changed, rel)
		}
	}
	return v, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
