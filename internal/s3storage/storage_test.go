package s3storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	key, err := ObjectKey("000/000/001/abcdefghij-200-thumb.png")
	require.NoError(t, err)
	assert.Equal(t, "000/000/001/abcdefghij-200-thumb.png", key)

	for _, bad := range []string{"", "/etc/passwd", "../x.png", "a/../../x", "a//b.png", "a\\b.png", ".", "a/./b"} {
		_, err := ObjectKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType("a/b-full.png"))
	assert.Equal(t, "application/octet-stream", ContentType("a/b.weird-ext"))
}
