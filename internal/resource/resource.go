// Package resource parses and compares the canonical keys that identify
// lockable regions of code.
//
// Key grammar:
//
//	file:<path>                  whole file
//	file:<path>#L<start>-<end>   inclusive 1-based line range (or #L<n>)
//	class:<path>#<Name>          class region
//	func:<path>#<Name>           function region
//	module:<path>#<Name>         module-level region
//	semantic:<name>              semantic region
package resource

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/fentz26/lockwarden/internal/errors"
	"github.com/fentz26/lockwarden/internal/models"
)

// Kind is the prefix of a resource key, refined to KindLines for line ranges.
type Kind string

const (
	KindFile     Kind = "file"
	KindLines    Kind = "lines"
	KindClass    Kind = "class"
	KindFunc     Kind = "func"
	KindModule   Kind = "module"
	KindSemantic Kind = "semantic"
)

// Key is a parsed resource key.
type Key struct {
	Kind     Kind
	Path     string
	Fragment string
	Start    int
	End      int
}

// Extent describes how much two keys overlap.
type Extent int

const (
	ExtentNone Extent = iota
	ExtentPartial
	ExtentFull
)

func (e Extent) String() string {
	switch e {
	case ExtentFull:
		return "full"
	case ExtentPartial:
		return "partial"
	}
	return "none"
}

// Parse validates raw and returns its canonical Key.
func Parse(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return Key{}, malformed(raw, "expected <kind>:<path>")
	}

	switch Kind(prefix) {
	case KindSemantic:
		name := strings.TrimSpace(rest)
		if name == "" || strings.ContainsAny(name, "# \t") {
			return Key{}, malformed(raw, "semantic name must be a single token")
		}
		return Key{Kind: KindSemantic, Path: name}, nil
	case KindFile, KindClass, KindFunc, KindModule:
	default:
		return Key{}, malformed(raw, "unknown kind %q", prefix)
	}

	p, frag, hasFrag := strings.Cut(rest, "#")
	clean, err := cleanPath(p)
	if err != nil {
		return Key{}, malformed(raw, "%v", err)
	}
	k := Key{Kind: Kind(prefix), Path: clean}

	if k.Kind == KindFile {
		if !hasFrag {
			return k, nil
		}
		start, end, err := parseLines(frag)
		if err != nil {
			return Key{}, malformed(raw, "%v", err)
		}
		k.Kind, k.Start, k.End = KindLines, start, end
		return k, nil
	}

	frag = strings.TrimSpace(frag)
	if !hasFrag || frag == "" || strings.ContainsAny(frag, " \t#") {
		return Key{}, malformed(raw, "%s key needs a #Name fragment", prefix)
	}
	k.Fragment = frag
	return k, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return k
}

func malformed(raw, format string, args ...any) error {
	return errors.NewValidationError("resource", raw, errors.ErrMalformedResource).WithReason(format, args...)
}

func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." || p == "/" {
		return "", fmt.Errorf("path names no file")
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return p, nil
}

func parseLines(frag string) (int, int, error) {
	if !strings.HasPrefix(frag, "L") {
		return 0, 0, fmt.Errorf("line fragment must look like L<start>-<end>")
	}
	spec := strings.TrimPrefix(frag, "L")
	lo, hi, isRange := strings.Cut(spec, "-")
	hi = strings.TrimPrefix(hi, "L")
	start, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, fmt.Errorf("bad start line %q", lo)
	}
	end := start
	if isRange {
		if end, err = strconv.Atoi(hi); err != nil {
			return 0, 0, fmt.Errorf("bad end line %q", hi)
		}
	}
	if start < 1 || end < start {
		return 0, 0, fmt.Errorf("line range %d-%d is empty or negative", start, end)
	}
	return start, end, nil
}

// String renders the canonical form of the key.
func (k Key) String() string {
	switch k.Kind {
	case KindSemantic:
		return "semantic:" + k.Path
	case KindFile:
		return "file:" + k.Path
	case KindLines:
		if k.Start == k.End {
			return fmt.Sprintf("file:%s#L%d", k.Path, k.Start)
		}
		return fmt.Sprintf("file:%s#L%d-%d", k.Path, k.Start, k.End)
	}
	return string(k.Kind) + ":" + k.Path + "#" + k.Fragment
}

// Family is the serialisation domain of the key. Keys in different families
// never overlap.
func (k Key) Family() string {
	if k.Kind == KindSemantic {
		return "semantic:" + k.Path
	}
	return k.Path
}

// LockType maps the key to the lock type it implies.
func (k Key) LockType() models.LockType {
	switch k.Kind {
	case KindFile:
		return models.LockTypeFile
	case KindLines:
		return models.LockTypeLineRange
	case KindSemantic:
		return models.LockTypeSemantic
	}
	return models.LockTypeRegion
}

// Lines returns the number of lines covered by a line-range key.
func (k Key) Lines() int {
	if k.Kind != KindLines {
		return 0
	}
	return k.End - k.Start + 1
}

// Overlap reports how much a and b overlap physically. Only the cheap
// containment relation is checked: a whole file contains every key in it,
// line ranges overlap when they intersect, identical keys overlap fully.
func Overlap(a, b Key) Extent {
	if a.Family() != b.Family() {
		return ExtentNone
	}
	if a.String() == b.String() {
		return ExtentFull
	}
	if a.Kind == KindSemantic || b.Kind == KindSemantic {
		return ExtentNone
	}
	if a.Kind == KindFile || b.Kind == KindFile {
		return ExtentPartial
	}
	if a.Kind == KindLines && b.Kind == KindLines {
		if a.Start <= b.End && b.Start <= a.End {
			return ExtentPartial
		}
	}
	return ExtentNone
}

// Contains reports whether outer covers all of inner.
func Contains(outer, inner Key) bool {
	if outer.Family() != inner.Family() {
		return false
	}
	if outer.String() == inner.String() || outer.Kind == KindFile {
		return true
	}
	if outer.Kind == KindLines && inner.Kind == KindLines {
		return outer.Start <= inner.Start && inner.End <= outer.End
	}
	return false
}
