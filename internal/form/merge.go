package form

import (
	"errors"
	"fmt"

	"github.com/dharsanguruparan/GalleryDrop/internal/fieldname"
)

// ErrConflict is returned by a strict Builder when two values of different
// shapes land on the same path, e.g. both "x" and "x[y]" were submitted.
var ErrConflict = errors.New("form: conflicting values for field")

// Merge combines two trees. Empty is the identity; maps are unioned
// recursively keeping first-seen key order; arrays are concatenated. Any other
// pairing keeps a and drops b.
func Merge(a, b Value) Value {
	v, _ := merge(a, b, false)
	return v
}

func merge(a, b Value, strict bool) (Value, error) {
	switch {
	case b.kind == KindEmpty:
		return a, nil
	case a.kind == KindEmpty:
		return b, nil
	case a.kind == KindMap && b.kind == KindMap:
		out := Value{
			kind:    KindMap,
			keys:    append(make([]string, 0, len(a.keys)+len(b.keys)), a.keys...),
			entries: make(map[string]Value, len(a.entries)+len(b.entries)),
		}
		for k, v := range a.entries {
			out.entries[k] = v
		}
		for _, k := range b.keys {
			bv := b.entries[k]
			av, ok := out.entries[k]
			if !ok {
				out.keys = append(out.keys, k)
				out.entries[k] = bv
				continue
			}
			merged, err := merge(av, bv, strict)
			if err != nil {
				return a, fmt.Errorf("%s: %w", k, err)
			}
			out.entries[k] = merged
		}
		return out, nil
	case a.kind == KindArray && b.kind == KindArray:
		items := make([]Value, 0, len(a.items)+len(b.items))
		items = append(items, a.items...)
		items = append(items, b.items...)
		return Value{kind: KindArray, items: items}, nil
	}
	if strict {
		return a, fmt.Errorf("%w: have %s, got %s", ErrConflict, a.kind, b.kind)
	}
	return a, nil
}

// Wrap builds the single-path tree for one submitted value. Segments are
// applied leaf first: an Index wraps in a one-element array, a Field or Key in
// a one-entry map.
func Wrap(path fieldname.Path, leaf Value) Value {
	v := leaf
	for i := len(path) - 1; i >= 0; i-- {
		seg := path[i]
		if seg.Kind == fieldname.Index {
			v = Value{kind: KindArray, items: []Value{v}}
			continue
		}
		v = Value{
			kind:    KindMap,
			keys:    []string{seg.Name},
			entries: map[string]Value{seg.Name: v},
		}
	}
	return v
}

// Builder accumulates (path, value) pairs into one tree. The zero Builder is
// ready to use and merges loosely.
type Builder struct {
	root   Value
	strict bool
}

// NewBuilder returns a loose Builder.
func NewBuilder() *Builder { return &Builder{} }

// Strict makes shape collisions an error instead of a silent no-op.
func (b *Builder) Strict() *Builder {
	b.strict = true
	return b
}

// Add merges one value into the tree.
func (b *Builder) Add(path fieldname.Path, leaf Value) error {
	merged, err := merge(b.root, Wrap(path, leaf), b.strict)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	b.root = merged
	return nil
}

// AddRaw parses name and merges the value under it.
func (b *Builder) AddRaw(name string, leaf Value) error {
	path, err := fieldname.Parse(name)
	if err != nil {
		return err
	}
	return b.Add(path, leaf)
}

// Value returns the tree built so far.
func (b *Builder) Value() Value { return b.root }

// Pair is one submitted value with its parsed name.
type Pair struct {
	Path  fieldname.Path
	Value Value
}

// Build merges pairs in order into a single loose tree.
func Build(pairs []Pair) Value {
	var b Builder
	for _, p := range pairs {
		// A loose builder never fails.
		_ = b.Add(p.Path, p.Value)
	}
	return b.Value()
}
