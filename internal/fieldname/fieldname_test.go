package fieldname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw  string
		want Path
	}{
		{"description", Path{{Kind: Field, Name: "description"}}},
		{"a[b][c]", Path{{Kind: Field, Name: "a"}, {Kind: Key, Name: "b"}, {Kind: Key, Name: "c"}}},
		{"a[]", Path{{Kind: Field, Name: "a"}, {Kind: Index}}},
		{"gallery[images][]", Path{{Kind: Field, Name: "gallery"}, {Kind: Key, Name: "images"}, {Kind: Index}}},
		{"a[][x]", Path{{Kind: Field, Name: "a"}, {Kind: Index}, {Kind: Key, Name: "x"}}},
		{"file-upload", Path{{Kind: Field, Name: "file-upload"}}},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.raw, got.String())

			again, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, raw := range []string{
		"a[b]c",
		"a[b",
		"a[b]]",
		"a]",
		"[b]",
		"",
		"a[b][c",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
