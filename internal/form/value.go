// Package form reconstructs the nested value tree a client encodes in flat
// multipart field names.
package form

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindScalar
	KindFile
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindScalar:
		return "scalar"
	case KindFile:
		return "file"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one node of a form tree. The zero Value is Empty. Values are
// immutable once built; Merge always returns a fresh node.
type Value struct {
	kind    Kind
	scalar  string
	file    model.StoredFile
	items   []Value
	keys    []string
	entries map[string]Value
}

// Entry is a key/value pair used to build maps in order.
type Entry struct {
	Key   string
	Value Value
}

// Empty returns the merge identity.
func Empty() Value { return Value{} }

// Scalar wraps a text value.
func Scalar(s string) Value { return Value{kind: KindScalar, scalar: s} }

// File wraps a stored upload.
func File(f model.StoredFile) Value { return Value{kind: KindFile, file: f} }

// Array builds an array holding items in order.
func Array(items ...Value) Value {
	return Value{kind: KindArray, items: append([]Value(nil), items...)}
}

// Map builds a map from entries. A repeated key is merged into the earlier one.
func Map(entries ...Entry) Value {
	v := Value{kind: KindMap, entries: make(map[string]Value, len(entries))}
	for _, e := range entries {
		if existing, ok := v.entries[e.Key]; ok {
			v.entries[e.Key], _ = merge(existing, e.Value, false)
			continue
		}
		v.keys = append(v.keys, e.Key)
		v.entries[e.Key] = e.Value
	}
	return v
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the Empty variant.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// Text returns the scalar string.
func (v Value) Text() (string, bool) {
	return v.scalar, v.kind == KindScalar
}

// StoredFile returns the file leaf.
func (v Value) StoredFile() (model.StoredFile, bool) {
	return v.file, v.kind == KindFile
}

// Len returns the number of array items or map keys; zero for leaves.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindMap:
		return len(v.keys)
	default:
		return 0
	}
}

// Items returns a copy of the array items.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return append([]Value(nil), v.items...)
}

// Index returns the i-th array item.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

// Keys returns map keys in first-seen order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Get looks up a map key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.entries[key]
	return child, ok
}

// Lookup follows a chain of map keys.
func (v Value) Lookup(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Equal compares two trees structurally. Map key order is not significant.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindEmpty:
		return true
	case KindScalar:
		return a.scalar == b.scalar
	case KindFile:
		return a.file == b.file
	case KindArray:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	default:
		if len(a.keys) != len(b.keys) {
			return false
		}
		for k, av := range a.entries {
			bv, ok := b.entries[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
}

// MarshalJSON renders maps as objects in key order, arrays as arrays, scalars
// as strings, files as {"filename","path"} objects and Empty as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindEmpty:
		return []byte("null"), nil
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindFile:
		return json.Marshal(v.file)
	case KindArray:
		if len(v.items) == 0 {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := v.entries[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
