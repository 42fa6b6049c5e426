package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dharsanguruparan/GalleryDrop/internal/form"
)

// Protocol errors: the request is malformed and decoding stops.
var (
	ErrMultipart          = errors.New("upload: malformed multipart body")
	ErrContentDisposition = errors.New("upload: part is missing a valid Content-Disposition header")
	ErrContentType        = errors.New("upload: content type not accepted")
	ErrMissingFieldName   = errors.New("upload: part has no field name")
	ErrMissingFilename    = errors.New("upload: file uploads must have a filename")
	ErrInvalidFieldName   = errors.New("upload: invalid field name")
	ErrTooDeep            = errors.New("upload: multipart nesting too deep")
	ErrURLEncoding        = errors.New("upload: malformed url-encoded body")
)

// Resource limit errors.
var (
	ErrFileCount = errors.New("upload: too many files submitted")
	ErrFormCount = errors.New("upload: too many fields submitted")
	ErrFormSize  = errors.New("upload: form field too large")
	ErrFileSize  = errors.New("upload: file too large")
)

// ErrUTF8 is returned when a text field is not valid UTF-8.
var ErrUTF8 = errors.New("upload: text field is not valid utf-8")

// Kind groups errors by how the caller should respond.
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocol
	KindLimit
	KindEncoding
	KindCanceled
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindLimit:
		return "limit"
	case KindEncoding:
		return "encoding"
	case KindCanceled:
		return "canceled"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Client reports whether the error kind is the client's fault.
func (k Kind) Client() bool {
	return k == KindProtocol || k == KindLimit || k == KindEncoding
}

// Classify maps an error returned by the decoder onto its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrMultipart),
		errors.Is(err, ErrContentDisposition),
		errors.Is(err, ErrContentType),
		errors.Is(err, ErrMissingFieldName),
		errors.Is(err, ErrMissingFilename),
		errors.Is(err, ErrInvalidFieldName),
		errors.Is(err, ErrTooDeep),
		errors.Is(err, ErrURLEncoding),
		errors.Is(err, ErrMissingFields),
		errors.Is(err, form.ErrConflict):
		return KindProtocol
	case errors.Is(err, ErrFileCount),
		errors.Is(err, ErrFormCount),
		errors.Is(err, ErrFormSize),
		errors.Is(err, ErrFileSize):
		return KindLimit
	case errors.Is(err, ErrUTF8):
		return KindEncoding
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindIO
	}
}

// PartialError wraps a decode failure together with every file the decoder
// created before it stopped, including a partially written one. The decoder
// never removes them itself.
type PartialError struct {
	Err   error
	Paths []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%v (%d file(s) left on disk)", e.Err, len(e.Paths))
}

func (e *PartialError) Unwrap() error { return e.Err }

// LeftoverPaths returns the relative paths recorded on err, if any.
func LeftoverPaths(err error) []string {
	var pe *PartialError
	if errors.As(err, &pe) {
		return pe.Paths
	}
	return nil
}

// RemoveLeftovers deletes the files recorded on err below root. It is the
// cleanup policy the HTTP glue applies to failed uploads.
func RemoveLeftovers(root string, err error) error {
	var errs []error
	for _, rel := range LeftoverPaths(err) {
		if rmErr := os.Remove(filepath.Join(root, filepath.FromSlash(rel))); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			errs = append(errs, rmErr)
		}
	}
	return errors.Join(errs...)
}

// HTTPStatus maps a decode or pipeline error onto a response status. Client
// errors are 400 except size limits, which are 413. Everything else is 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrFileSize), errors.Is(err, ErrFormSize):
		return http.StatusRequestEntityTooLarge
	case Classify(err).Client():
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
