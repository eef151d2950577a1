// Package refpath parses and evaluates step output references of the form
// $stepId.field.nested[0].leaf.
package refpath

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidReference is returned for strings that are not well-formed references.
var ErrInvalidReference = errors.New("refpath: invalid reference")

// Segment is one step of a path: a map key or a list index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return "." + s.Key
}

// Reference is a parsed $stepId.path expression.
type Reference struct {
	StepID string
	Path   []Segment
}

func (r Reference) String() string {
	var b strings.Builder
	b.WriteByte('$')
	b.WriteString(r.StepID)
	for _, s := range r.Path {
		b.WriteString(s.String())
	}
	return b.String()
}

// IsReference reports whether s looks like a reference (starts with '$').
func IsReference(s string) bool {
	return strings.HasPrefix(s, "$") && len(s) > 1
}

// Parse parses a reference string.
func Parse(s string) (Reference, error) {
	if !IsReference(s) {
		return Reference{}, fmt.Errorf("%w: %q must start with $", ErrInvalidReference, s)
	}
	rest := s[1:]

	end := strings.IndexAny(rest, ".[")
	if end == -1 {
		end = len(rest)
	}
	ref := Reference{StepID: rest[:end]}
	if ref.StepID == "" {
		return Reference{}, fmt.Errorf("%w: %q has no step id", ErrInvalidReference, s)
	}
	rest = rest[end:]

	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			n := strings.IndexAny(rest, ".[")
			if n == -1 {
				n = len(rest)
			}
			if n == 0 {
				return Reference{}, fmt.Errorf("%w: %q has an empty field name", ErrInvalidReference, s)
			}
			ref.Path = append(ref.Path, Segment{Key: rest[:n]})
			rest = rest[n:]
		case '[':
			closeIdx := strings.IndexByte(rest, ']')
			if closeIdx == -1 {
				return Reference{}, fmt.Errorf("%w: %q has an unclosed index", ErrInvalidReference, s)
			}
			idx, err := strconv.Atoi(rest[1:closeIdx])
			if err != nil || idx < 0 {
				return Reference{}, fmt.Errorf("%w: %q has a bad index %q", ErrInvalidReference, s, rest[1:closeIdx])
			}
			ref.Path = append(ref.Path, Segment{Index: idx, IsIndex: true})
			rest = rest[closeIdx+1:]
		default:
			return Reference{}, fmt.Errorf("%w: %q has unexpected %q", ErrInvalidReference, s, rest[0])
		}
	}
	return ref, nil
}

// Evaluate walks the path over root and returns the addressed value.
// It reports false when any segment is missing or out of range.
func (r Reference) Evaluate(root any) (any, bool) {
	cur := root
	for _, seg := range r.Path {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, seg Segment) (any, bool) {
	switch v := cur.(type) {
	case map[string]any:
		if seg.IsIndex {
			val, ok := v[strconv.Itoa(seg.Index)]
			return val, ok
		}
		val, ok := v[seg.Key]
		return val, ok
	case []any:
		i, ok := segIndex(seg)
		if !ok || i >= len(v) {
			return nil, false
		}
		return v[i], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := seg.Key
		if seg.IsIndex {
			key = strconv.Itoa(seg.Index)
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		i, ok := segIndex(seg)
		if !ok || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	default:
		return nil, false
	}
}

// segIndex allows both [0] and .0 to index a list.
func segIndex(seg Segment) (int, bool) {
	if seg.IsIndex {
		return seg.Index, true
	}
	i, err := strconv.Atoi(seg.Key)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}
