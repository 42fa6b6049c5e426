package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/GalleryDrop/internal/form"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

func TestBindImageFormFromDecodedBody(t *testing.T) {
	dec, _ := newDecoder(t, DefaultLimits())
	mr := newBody(t).
		file(model.FieldFileUpload, "cat.gif", "image/gif", []byte("GIF89a....")).
		field(model.FieldDescription, "a cat").
		field(model.FieldAlternateText, "grey cat on a mat").
		field(model.FieldGalleryName, "pets").
		reader()

	res, err := dec.Decode(context.Background(), mr)
	require.NoError(t, err)

	img, err := BindImageForm(res.Form)
	require.NoError(t, err)
	assert.Equal(t, "a cat", img.Description)
	assert.Equal(t, "grey cat on a mat", img.AlternateText)
	assert.Equal(t, "pets", img.GalleryName)
	assert.Equal(t, "cat.gif", img.File.OriginalFilename)
	assert.Equal(t, res.Files[0], img.File)
}

func TestBindImageFormReportsEveryMissingField(t *testing.T) {
	v := form.Map(
		form.Entry{Key: model.FieldFileUpload, Value: form.Scalar("not a file")},
		form.Entry{Key: model.FieldDescription, Value: form.Scalar("ok")},
	)

	_, err := BindImageForm(v)
	require.ErrorIs(t, err, ErrMissingFields)
	assert.Equal(t, KindProtocol, Classify(err))
	assert.Contains(t, err.Error(), model.FieldFileUpload)
	assert.Contains(t, err.Error(), model.FieldAlternateText)
	assert.Contains(t, err.Error(), model.FieldGalleryName)
	assert.NotContains(t, err.Error(), model.FieldDescription)
}

func TestBindImageFormRejectsEmptyForm(t *testing.T) {
	_, err := BindImageForm(form.Empty())
	require.ErrorIs(t, err, ErrMissingFields)
}
