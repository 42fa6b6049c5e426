package upload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/GalleryDrop/internal/form"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

// ErrMissingFields is returned by BindImageForm when a required field is
// absent or has the wrong shape.
var ErrMissingFields = errors.New("upload: missing required fields")

// BindImageForm extracts an image submission from a decoded form. Every
// field is required; the error names all of the missing ones.
func BindImageForm(v form.Value) (model.ImageForm, error) {
	var (
		out     model.ImageForm
		missing []string
	)

	file, ok := v.Get(model.FieldFileUpload)
	if ok {
		out.File, ok = file.StoredFile()
	}
	if !ok {
		missing = append(missing, model.FieldFileUpload)
	}

	text := func(name string, dst *string) {
		val, ok := v.Get(name)
		if ok {
			*dst, ok = val.Text()
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	text(model.FieldDescription, &out.Description)
	text(model.FieldAlternateText, &out.AlternateText)
	text(model.FieldGalleryName, &out.GalleryName)

	if len(missing) > 0 {
		return model.ImageForm{}, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return out, nil
}
