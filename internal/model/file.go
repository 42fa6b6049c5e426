// Package model contains simple struct definitions shared across packages.
package model

import (
	"time"
)

// ImageStatus describes the processing lifecycle of an uploaded image.
type ImageStatus string

const (
	StatusUploaded   ImageStatus = "uploaded"
	StatusQueued     ImageStatus = "queued"
	StatusProcessing ImageStatus = "processing"
	StatusComplete   ImageStatus = "complete"
	StatusFailed     ImageStatus = "failed"
)

// StoredFile is one file part written to disk by the upload decoder.
// OriginalFilename comes from the client and is only used for display;
// Path is relative to the upload root and is the only path ever opened.
type StoredFile struct {
	OriginalFilename string `json:"filename"`
	Path             string `json:"path"`
	ContentType      string `json:"contentType,omitempty"`
	Size             int64  `json:"size"`
	Checksum         string `json:"checksum,omitempty"`
}

// Derivative is a re-encoded copy of an original image.
type Derivative struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Label is the width threshold ("200", "400", ...) or "full".
	Label string `json:"label"`
}

// DerivativeSet is the output of the image pipeline. Variants are ordered by
// ascending width and always end with the full-size re-encode.
type DerivativeSet struct {
	Variants       []Derivative `json:"variants"`
	OriginalWidth  int          `json:"originalWidth"`
	OriginalHeight int          `json:"originalHeight"`
}

// Full returns the full-size variant.
func (d DerivativeSet) Full() (Derivative, bool) {
	if len(d.Variants) == 0 {
		return Derivative{}, false
	}
	return d.Variants[len(d.Variants)-1], true
}

// Ratio is width over height of the original, or zero when unknown.
func (d DerivativeSet) Ratio() float32 {
	if d.OriginalHeight == 0 {
		return 0
	}
	return float32(d.OriginalWidth) / float32(d.OriginalHeight)
}

// ImageRecord tracks an uploaded image from the moment its original is stored
// until derivatives exist.
type ImageRecord struct {
	ID            string         `json:"id"`
	Gallery       string         `json:"gallery"`
	Description   string         `json:"description"`
	AlternateText string         `json:"alternateText"`
	Original      StoredFile     `json:"original"`
	Derivatives   *DerivativeSet `json:"derivatives,omitempty"`
	Status        ImageStatus    `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Message       string         `json:"message,omitempty"`
}

// Form field names of an image submission.
const (
	FieldFileUpload    = "file-upload"
	FieldDescription   = "description"
	FieldAlternateText = "alternate-text"
	FieldGalleryName   = "gallery-name"
)

// ImageForm is the typed view of an image submission.
type ImageForm struct {
	File          StoredFile
	Description   string
	AlternateText string
	GalleryName   string
}
