package environment

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrInvalidName  = errors.New("invalid environment variable name")
	ErrInvalidValue = errors.New("invalid environment variable value")
)

// Flavor describes the platform rules for environment variable names and for the encoded block.
type Flavor struct {
	Name string
	// FoldCase makes names unique case-insensitively, using per-rune simple upper-case folding.
	FoldCase bool
	// LeadingEquals allows a single '=' at index 0 of a name, e.g. "=C:".
	LeadingEquals bool
	// Critical names are copied from the parent environment into every encoded block that does not set them.
	Critical []string
}

var (
	POSIX   = Flavor{Name: "posix"}
	Windows = Flavor{
		Name:          "windows",
		FoldCase:      true,
		LeadingEquals: true,
		Critical:      []string{"SystemRoot"},
	}
)

// Native returns the flavor of the running OS.
func Native() Flavor {
	if runtime.GOOS == "windows" {
		return Windows
	}
	return POSIX
}

// FlavorByName returns the flavor with the given name ("posix" or "windows").
func FlavorByName(name string) (Flavor, error) {
	switch strings.ToLower(name) {
	case POSIX.Name:
		return POSIX, nil
	case Windows.Name:
		return Windows, nil
	case "", "native":
		return Native(), nil
	}
	return Flavor{}, fmt.Errorf("unknown environment flavor %q", name)
}

// ValidateName rejects empty names, names containing NUL, and names containing '=' anywhere
// except index 0 on flavors that allow it.
func (f Flavor) ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	}
	if strings.IndexByte(name[f.nameStart():], '=') >= 0 {
		return fmt.Errorf("%w: %q contains '='", ErrInvalidName, name)
	}
	return nil
}

// ValidateValue rejects values containing NUL.
func ValidateValue(value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidValue, value)
	}
	return nil
}

// nameStart is the first index at which '=' terminates a name.
func (f Flavor) nameStart() int {
	if f.LeadingEquals {
		return 1
	}
	return 0
}

// SplitEntry splits a NAME=VALUE string. ok is false if the string has no separator.
func (f Flavor) SplitEntry(s string) (name, value string, ok bool) {
	start := f.nameStart()
	if len(s) < start {
		return "", "", false
	}
	i := strings.IndexByte(s[start:], '=')
	if i < 0 {
		return "", "", false
	}
	i += start
	return s[:i], s[i+1:], true
}

// Compare orders names the way the platform expects them in an environment block.
// The Windows flavor compares rune by rune after upper-casing mismatched runes, so '_' sorts after 'Z'.
func (f Flavor) Compare(a, b string) int {
	if !f.FoldCase {
		return strings.Compare(a, b)
	}
	for len(a) > 0 && len(b) > 0 {
		c1, n1 := utf8.DecodeRuneInString(a)
		c2, n2 := utf8.DecodeRuneInString(b)
		if c1 != c2 {
			c1, c2 = unicode.ToUpper(c1), unicode.ToUpper(c2)
			if c1 != c2 {
				return int(c1) - int(c2)
			}
		}
		a, b = a[n1:], b[n2:]
	}
	return utf8.RuneCountInString(a) - utf8.RuneCountInString(b)
}

// key is the map key for name; two names collide iff Compare reports them equal.
func (f Flavor) key(name string) string {
	if !f.FoldCase {
		return name
	}
	return strings.Map(unicode.ToUpper, name)
}
