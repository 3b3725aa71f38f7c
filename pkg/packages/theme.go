package packages

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/inherit"
)

// ThemeType classifies theme packages by name. Types are ordered by
// priority: a theme may only inherit from a type of the same or a higher
// priority.
type ThemeType int

const (
	ThemeCore ThemeType = iota
	ThemeOriginal
	ThemeBoard
)

var (
	themeTypes = []ThemeType{ThemeCore, ThemeOriginal, ThemeBoard}

	codenamePattern = regexp.MustCompile(`^[a-z_]+$`)
)

func (t ThemeType) String() string {
	switch t {
	case ThemeCore:
		return "core"
	case ThemeOriginal:
		return "original"
	case ThemeBoard:
		return "board"
	default:
		return fmt.Sprintf("ThemeType(%d)", int(t))
	}
}

// Prefix returns the package name prefix of the type.
func (t ThemeType) Prefix() string {
	switch t {
	case ThemeCore:
		return "core."
	case ThemeBoard:
		return "theme."
	default:
		return ""
	}
}

// PackageName returns the package name of an identifier of this type.
func (t ThemeType) PackageName(identifier string) string {
	return t.Prefix() + identifier
}

// Identifier strips the type prefix from name.
func (t ThemeType) Identifier(name string) (string, error) {
	if !strings.HasPrefix(name, t.Prefix()) {
		return "", fault.NewUsageError(fmt.Sprintf("%q is not a %s theme name", name, t), nil).
			WithCode(fault.CodeValidation)
	}
	return strings.TrimPrefix(name, t.Prefix()), nil
}

// Valid reports whether name is a package name of this type.
func (t ThemeType) Valid(name string) bool {
	identifier, err := t.Identifier(name)
	if err != nil {
		return false
	}
	switch t {
	case ThemeBoard:
		return isDigits(identifier)
	default:
		return CodenameValid(identifier)
	}
}

// CodenameValid reports whether s is a lowercase codename.
func CodenameValid(s string) bool {
	return codenamePattern.MatchString(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseThemeType returns the type of a theme package name.
func ParseThemeType(name string) (ThemeType, bool) {
	for _, t := range themeTypes {
		if t.Valid(name) {
			return t, true
		}
	}
	return 0, false
}

// ValidThemeName reports whether name is a theme package name of any type.
func ValidThemeName(name string) bool {
	_, ok := ParseThemeType(name)
	return ok
}

// ThemeRule forbids a theme from inheriting from a lower-priority type.
var ThemeRule inherit.DirectionRule = inherit.RuleFunc(func(descendant, ancestor string) (bool, error) {
	own, ok := ParseThemeType(descendant)
	if !ok {
		return false, invalidName(descendant)
	}
	target, ok := ParseThemeType(ancestor)
	if !ok {
		return false, invalidName(ancestor)
	}
	return target <= own, nil
})

func invalidName(name string) error {
	return fault.NewDataError(fmt.Sprintf("invalid package name `%s`", name), nil).
		WithCode(fault.CodeValidation).
		WithSubject(name)
}
