// Package fieldname parses bracketed multipart field names such as
// gallery[images][] into the path of segments they describe.
package fieldname

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned for names that do not follow the bracket grammar.
var ErrInvalid = errors.New("fieldname: invalid field name")

// Kind distinguishes the three segment forms.
type Kind uint8

const (
	// Field is the bare identifier at the start of a name.
	Field Kind = iota
	// Key is a bracketed map key, [name].
	Key
	// Index is an empty bracket pair, [], meaning "append to array".
	Index
)

func (k Kind) String() string {
	switch k {
	case Field:
		return "field"
	case Key:
		return "key"
	case Index:
		return "index"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Segment is one step of a name path. Name is empty for Index segments.
type Segment struct {
	Kind Kind
	Name string
}

// String renders the segment back in bracket notation.
func (s Segment) String() string {
	switch s.Kind {
	case Field:
		return s.Name
	case Key:
		return "[" + s.Name + "]"
	default:
		return "[]"
	}
}

// Path is a parsed field name, root first. A valid Path is never empty and
// always starts with a Field segment.
type Path []Segment

// String renders the path back in bracket notation.
func (p Path) String() string {
	var b strings.Builder
	for _, s := range p {
		b.WriteString(s.String())
	}
	return b.String()
}

// Parse splits raw on '[' and classifies each chunk. The first chunk is the
// Field; every later chunk must be "]" (Index) or end with "]" (Key).
func Parse(raw string) (Path, error) {
	chunks := strings.Split(raw, "[")
	if chunks[0] == "" || strings.Contains(chunks[0], "]") {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	path := make(Path, 0, len(chunks))
	path = append(path, Segment{Kind: Field, Name: chunks[0]})
	for _, chunk := range chunks[1:] {
		switch {
		case chunk == "]":
			path = append(path, Segment{Kind: Index})
		case strings.HasSuffix(chunk, "]"):
			name := strings.TrimSuffix(chunk, "]")
			if strings.Contains(name, "]") {
				return nil, fmt.Errorf("%w: %q: unbalanced brackets", ErrInvalid, raw)
			}
			path = append(path, Segment{Kind: Key, Name: name})
		default:
			return nil, fmt.Errorf("%w: %q: bare segment %q after the first", ErrInvalid, raw, chunk)
		}
	}
	return path, nil
}
