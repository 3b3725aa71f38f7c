package packages

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/inherit"
)

func writePackage(t *testing.T, root, name, manifestFile, manifest string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create package: %v", err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(manifest), 0o644); err != nil {
			t.Fatalf("Failed to write manifest: %v", err)
		}
	}
	return dir
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{"version": "1.2.0", "extra": {"inherits": {"core.base": null, "theme.2": "^1"}}}`))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.Version != "1.2.0" {
		t.Fatalf("Expected version 1.2.0, got: %s", m.Version)
	}
	want := []inherit.Declaration{{Name: "core.base"}, {Name: "theme.2", Constraint: "^1"}}
	if len(m.Inherits) != 2 || m.Inherits[0] != want[0] || m.Inherits[1] != want[1] {
		t.Fatalf("Expected %v, got: %v", want, m.Inherits)
	}

	m, err = ParseManifest([]byte(`{"extra": {"inherits": ["b", "a"]}}`))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(m.Inherits) != 2 || m.Inherits[0].Name != "b" || m.Inherits[1].Name != "a" {
		t.Fatalf("Expected declaration order b, a, got: %v", m.Inherits)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	cases := map[string]string{
		"version pattern": `{"version": "1.0 beta"}`,
		"version type":    `{"version": 1}`,
		"list item":       `{"extra": {"inherits": ["a", 3]}}`,
		"map value":       `{"extra": {"inherits": {"a": 3}}}`,
		"scalar inherits": `{"extra": {"inherits": "a"}}`,
		"syntax":          `{"version": `,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(content)); !fault.IsData(err) {
				t.Fatalf("Expected data error, got: %v", err)
			}
		})
	}
}

func TestParseManifest_Duplicate(t *testing.T) {
	for _, content := range []string{
		`{"extra": {"inherits": ["a", "a"]}}`,
		`{"extra": {"inherits": {"a": "1.0", "a": "2.0"}}}`,
	} {
		if _, err := ParseManifest([]byte(content)); !errors.Is(err, inherit.ErrDuplicate) {
			t.Fatalf("Expected ErrDuplicate for %s, got: %v", content, err)
		}
	}
}

func TestParseManifestYAML(t *testing.T) {
	m, err := ParseManifestYAML([]byte("version: 2.0.1\nextra:\n  inherits:\n    core.base: ~\n    theme.1: \"~1.2\"\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.Version != "2.0.1" {
		t.Fatalf("Expected version 2.0.1, got: %s", m.Version)
	}
	if len(m.Inherits) != 2 || m.Inherits[0].Name != "core.base" || m.Inherits[1].Constraint != "~1.2" {
		t.Fatalf("Unexpected declarations: %v", m.Inherits)
	}

	if _, err := ParseManifestYAML([]byte("extra:\n  inherits: [a, a]\n")); !errors.Is(err, inherit.ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got: %v", err)
	}
	if _, err := ParseManifestYAML([]byte("version: 1.0\n")); !fault.IsData(err) {
		t.Fatalf("Expected data error for non-string version, got: %v", err)
	}
}

func TestThemeType(t *testing.T) {
	cases := map[string]ThemeType{
		"core.base": ThemeCore,
		"classic":   ThemeOriginal,
		"theme.5":   ThemeBoard,
	}
	for name, want := range cases {
		got, ok := ParseThemeType(name)
		if !ok || got != want {
			t.Fatalf("Expected %s to be %s, got: %s, %v", name, want, got, ok)
		}
	}

	for _, name := range []string{"theme.x", "core.", "Core.base", "theme."} {
		if ValidThemeName(name) {
			t.Fatalf("Expected %s to be invalid", name)
		}
	}

	if ThemeBoard.PackageName("7") != "theme.7" {
		t.Fatalf("Expected theme.7, got: %s", ThemeBoard.PackageName("7"))
	}
	id, err := ThemeCore.Identifier("core.base")
	if err != nil || id != "base" {
		t.Fatalf("Expected base, got: %s, %v", id, err)
	}
}

func TestThemeRule(t *testing.T) {
	cases := []struct {
		descendant, ancestor string
		allowed              bool
	}{
		{"theme.5", "core.base", true},
		{"theme.5", "classic", true},
		{"theme.5", "theme.2", true},
		{"classic", "core.base", true},
		{"core.base", "theme.5", false},
		{"core.base", "classic", false},
	}
	for _, tc := range cases {
		got, err := ThemeRule.Allow(tc.descendant, tc.ancestor)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got != tc.allowed {
			t.Fatalf("Expected %s -> %s allowed=%v, got: %v", tc.descendant, tc.ancestor, tc.allowed, got)
		}
	}

	if _, err := ThemeRule.Allow("theme.5", "Bad Name"); !fault.IsData(err) {
		t.Fatalf("Expected data error, got: %v", err)
	}
}

func TestRegistry_ResolverScenario(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "theme.5", ManifestFile, `{"extra": {"inherits": {"core.base": null}}}`)
	writePackage(t, root, "core.base", ManifestFile, `{"version": "1.0.0"}`)

	reg := NewRegistry(root, Options{ValidName: ValidThemeName})
	resolver := inherit.NewResolver(reg, ThemeRule)

	ancestors, err := resolver.Ancestors("theme.5")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Join(ancestors, ",") != "core.base" {
		t.Fatalf("Expected core.base, got: %v", ancestors)
	}

	names, err := reg.Names()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Join(names, ",") != "core.base,theme.5" {
		t.Fatalf("Unexpected names: %v", names)
	}
}

func TestRegistry_Get(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "theme.1", ManifestFile, `{"version": "3.1.0"}`)
	writePackage(t, root, "theme.2", "", "")

	reg := NewRegistry(root, Options{})

	first, err := reg.Get("theme.1", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, _ := reg.Get("theme.1", "")
	if first != second {
		t.Fatalf("Expected memoized package")
	}

	pinned, err := reg.Get("theme.1", "9.9.9")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pinned == first {
		t.Fatalf("Expected a distinct package per version")
	}
	if v, _ := pinned.Version(); v != "9.9.9" {
		t.Fatalf("Expected explicit version, got: %s", v)
	}
	if v, _ := first.Version(); v != "3.1.0" {
		t.Fatalf("Expected manifest version, got: %s", v)
	}

	bare, err := reg.Get("theme.2", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v, _ := bare.Version(); v != DefaultVersion {
		t.Fatalf("Expected default version, got: %s", v)
	}
	m, err := bare.Manifest()
	if err != nil || m != nil {
		t.Fatalf("Expected no manifest, got: %v, %v", m, err)
	}
	stamp, err := bare.ManifestStamp()
	if err != nil || !stamp.Missing {
		t.Fatalf("Expected missing manifest stamp, got: %+v, %v", stamp, err)
	}

	if _, err := reg.Get("theme.404", ""); !fault.HasCode(err, fault.CodeNotFound) {
		t.Fatalf("Expected not found, got: %v", err)
	}
	if _, err := reg.Get("../escape", ""); !fault.IsUsage(err) {
		t.Fatalf("Expected usage error, got: %v", err)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "lib", ManifestFile, `{"version": "1.4.2"}`)
	writePackage(t, root, "devlib", "", "")

	reg := NewRegistry(root, Options{})

	for _, constraint := range []string{"", "latest", "1.4.2", "~1.4", "^1", ">=1.0, <2.0"} {
		if _, err := reg.Resolve("lib", constraint); err != nil {
			t.Fatalf("Expected %q to be satisfied, got: %v", constraint, err)
		}
	}
	for _, constraint := range []string{"~1.3", "^2", "2.0.0"} {
		if _, err := reg.Resolve("lib", constraint); !errors.Is(err, ErrUnsatisfied) {
			t.Fatalf("Expected %q to be unsatisfied, got: %v", constraint, err)
		}
	}

	if _, err := reg.Resolve("devlib", "dev"); err != nil {
		t.Fatalf("Expected exact dev version to match, got: %v", err)
	}
	if _, err := reg.Resolve("devlib", "^1"); !errors.Is(err, ErrUnsatisfied) {
		t.Fatalf("Expected dev version to fail a range, got: %v", err)
	}
}

func TestRegistry_DeclarationConstraints(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "child", ManifestFile, `{"extra": {"inherits": {"parent": "^2"}}}`)
	writePackage(t, root, "parent", ManifestFile, `{"version": "1.0.0"}`)

	reg := NewRegistry(root, Options{})
	if _, err := reg.Declarations("child"); !errors.Is(err, ErrUnsatisfied) {
		t.Fatalf("Expected ErrUnsatisfied, got: %v", err)
	}
}

func TestRegistry_YAMLManifest(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "child", ManifestYAMLFile, "extra:\n  inherits:\n    - parent\n")
	writePackage(t, root, "parent", "", "")

	reg := NewRegistry(root, Options{})
	decls, err := reg.Declarations("child")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(decls) != 1 || decls[0].Name != "parent" {
		t.Fatalf("Expected parent, got: %v", decls)
	}
}

func TestRegistry_ManifestType(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "other", ManifestFile, `{"type": "plugin"}`)

	reg := NewRegistry(root, Options{ManifestType: "strata-theme"})
	p, err := reg.Get("other", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := p.Manifest(); !fault.IsData(err) {
		t.Fatalf("Expected data error, got: %v", err)
	}
}

func TestRegistry_ScanRejectsInvalidNames(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "theme.1", "", "")
	writePackage(t, root, "Bad Name", "", "")
	writePackage(t, root, "theme.x", "", "")

	reg := NewRegistry(root, Options{ValidName: ValidThemeName})
	_, err := reg.Scan()
	if err == nil {
		t.Fatalf("Expected error for invalid names")
	}
	if !strings.Contains(err.Error(), "2 errors") {
		t.Fatalf("Expected both names reported, got: %v", err)
	}
}

func TestRegistry_Invalidate(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "lib", ManifestFile, `{"version": "1.0.0"}`)

	reg := NewRegistry(root, Options{})
	p, _ := reg.Get("lib", "")
	if v, _ := p.Version(); v != "1.0.0" {
		t.Fatalf("Expected 1.0.0, got: %s", v)
	}

	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"version": "2.0.0"}`), 0o644); err != nil {
		t.Fatalf("Failed to rewrite manifest: %v", err)
	}
	stamp, _ := p.ManifestStamp()
	if valid, _ := p.ManifestStampValid(stamp, "checksum"); valid {
		t.Fatalf("Expected stale manifest stamp")
	}

	reg.Invalidate("lib")
	p, _ = reg.Get("lib", "")
	if v, _ := p.Version(); v != "2.0.0" {
		t.Fatalf("Expected 2.0.0 after invalidation, got: %s", v)
	}
}

func TestChecksums(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "theme.1", "", "")

	content := []byte("body { color: red; }")
	sum := sha512.Sum512(content)
	digest := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(filepath.Join(dir, "css"), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "css", "main.css"), content, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "css", "other.css"), []byte("changed"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	manifest := strings.Join([]string{
		"deadbeef /css/main.css",
		digest + " /css/main.css",
		"",
		"malformed-line",
		digest + " /css/other.css",
		digest + " /css/gone.css",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, ChecksumsFile), []byte(manifest), 0o644); err != nil {
		t.Fatalf("Failed to write checksums: %v", err)
	}

	p, err := NewRegistry(root, Options{}).Get("theme.1", "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	sums, err := p.Checksums()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(sums["/css/main.css"]) != 2 {
		t.Fatalf("Expected two digests for main.css, got: %v", sums["/css/main.css"])
	}

	v, err := p.Verify()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Join(v.Changed, ",") != "/css/other.css" {
		t.Fatalf("Expected other.css changed, got: %v", v.Changed)
	}
	if strings.Join(v.Missing, ",") != "/css/gone.css" {
		t.Fatalf("Expected gone.css missing, got: %v", v.Missing)
	}
	if v.OK() || v.Err() == nil {
		t.Fatalf("Expected verification failure")
	}
}

func TestVerifyFiles_UppercaseDigest(t *testing.T) {
	dir := t.TempDir()
	content := []byte("a{}")
	sum := sha512.Sum512(content)
	if err := os.WriteFile(filepath.Join(dir, "a.css"), content, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	v, err := VerifyFiles(dir, Checksums{"/a.css": {strings.ToUpper(hex.EncodeToString(sum[:]))}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !v.OK() {
		t.Errorf("Expected uppercase digest to match, got: %+v", v)
	}
}

func TestVerifyFiles_RejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "theme.1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	for _, rel := range []string{"../secret", "/css/../../secret", "css/../../secret"} {
		_, err := VerifyFiles(dir, Checksums{rel: {"00"}})
		if !fault.IsData(err) || !fault.HasCode(err, fault.CodeValidation) {
			t.Errorf("VerifyFiles(%s): expected validation data error, got: %v", rel, err)
		}
	}
}

func TestVerify_NoChecksumsFile(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "theme.1", "", "")

	p, _ := NewRegistry(root, Options{}).Get("theme.1", "")
	v, err := p.Verify()
	if err != nil || v != nil {
		t.Fatalf("Expected no verification, got: %v, %v", v, err)
	}
}
