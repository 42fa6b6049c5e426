package upload

import (
	"fmt"
	"mime"
	"path"
	"strings"
)

// partKind is the closed set of ways a part can be handled, decided once per
// part from its declared media type.
type partKind uint8

const (
	partText partKind = iota
	partFile
	partNested
)

func (k partKind) String() string {
	switch k {
	case partText:
		return "text"
	case partFile:
		return "file"
	default:
		return "multipart"
	}
}

type classified struct {
	kind      partKind
	mediaType string
	boundary  string
}

// classify routes a part by its Content-Type header. A missing header means
// text/plain, as for browser form fields.
func classify(contentType string) (classified, error) {
	if strings.TrimSpace(contentType) == "" {
		return classified{kind: partText, mediaType: "text/plain"}, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return classified{}, fmt.Errorf("%w: %q", ErrContentType, contentType)
	}
	major, _, _ := strings.Cut(mediaType, "/")
	switch {
	case major == "multipart":
		boundary := params["boundary"]
		if boundary == "" {
			return classified{}, fmt.Errorf("%w: %s without boundary", ErrContentType, mediaType)
		}
		return classified{kind: partNested, mediaType: mediaType, boundary: boundary}, nil
	case major == "text", mediaType == "application/x-www-form-urlencoded":
		return classified{kind: partText, mediaType: mediaType}, nil
	case major == "image", major == "audio", major == "video",
		mediaType == "application/octet-stream", mediaType == "application/pdf":
		return classified{kind: partFile, mediaType: mediaType}, nil
	}
	return classified{}, fmt.Errorf("%w: %s", ErrContentType, mediaType)
}

// PostKind is how a whole request body is encoded.
type PostKind int

const (
	PostMultipart PostKind = iota
	PostURLEncoded
)

// DetectPostKind classifies a request Content-Type header. The boundary is
// returned for multipart bodies.
func DetectPostKind(contentType string) (PostKind, string, error) {
	if contentType == "" {
		return 0, "", fmt.Errorf("%w: request has no content type", ErrContentType)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrContentType, contentType)
	}
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if params["boundary"] == "" {
			return 0, "", fmt.Errorf("%w: %s without boundary", ErrContentType, mediaType)
		}
		return PostMultipart, params["boundary"], nil
	case mediaType == "application/x-www-form-urlencoded":
		return PostURLEncoded, "", nil
	}
	return 0, "", fmt.Errorf("%w: %s", ErrContentType, mediaType)
}

var preferredExtensions = map[string]string{
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/gif":                "gif",
	"image/bmp":                "bmp",
	"image/x-ms-bmp":           "bmp",
	"image/webp":               "webp",
	"image/svg+xml":            "svg",
	"image/tiff":               "tiff",
	"application/pdf":          "pdf",
	"application/octet-stream": "bin",
	"video/mp4":                "mp4",
	"video/webm":               "webm",
	"audio/mpeg":               "mp3",
	"audio/ogg":                "ogg",
}

// extensionFor picks the stored file's extension: a known media type wins,
// then a sanitized client extension, then "bin".
func extensionFor(mediaType, filename string) string {
	if ext, ok := preferredExtensions[mediaType]; ok && ext != "bin" {
		return ext
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(strings.ReplaceAll(filename, `\`, "/")), "."))
	if ext != "" && len(ext) <= 8 && isAlnum(ext) {
		return ext
	}
	return "bin"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
