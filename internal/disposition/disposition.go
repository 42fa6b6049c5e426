// Package disposition parses the Content-Disposition header of a single
// multipart part.
package disposition

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrMalformed is returned for an absent or non UTF-8 header value.
var ErrMalformed = errors.New("disposition: missing or malformed content-disposition")

// Disposition holds the attributes the decoder cares about. Name and Filename
// are nil when the attribute was not present.
type Disposition struct {
	Type     string
	Name     *string
	Filename *string
}

// HasName reports whether a non-empty name attribute was present.
func (d Disposition) HasName() bool {
	return d.Name != nil && *d.Name != ""
}

// HasFilename reports whether a non-empty filename attribute was present.
// Browsers send filename="" for a file input left empty.
func (d Disposition) HasFilename() bool {
	return d.Filename != nil && *d.Filename != ""
}

// EmptyFile reports a filename attribute that is present but empty.
func (d Disposition) EmptyFile() bool {
	return d.Filename != nil && *d.Filename == ""
}

// Parse reads a value such as `form-data; name="avatar"; filename="me.png"`.
// Segments without '=' (other than the leading disposition type) are skipped
// and unknown keys are ignored. An RFC 5987 filename* wins over filename; one
// that cannot be decoded is ignored.
func Parse(header string) (Disposition, error) {
	if strings.TrimSpace(header) == "" || !utf8.ValidString(header) {
		return Disposition{}, ErrMalformed
	}
	var (
		d        Disposition
		extended *string
	)
	for i, segment := range splitSegments(header) {
		segment = strings.TrimSpace(segment)
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			if i == 0 {
				d.Type = strings.ToLower(segment)
			}
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = unquote(strings.TrimSpace(value))
		switch key {
		case "name":
			v := value
			d.Name = &v
		case "filename":
			v := value
			d.Filename = &v
		case "filename*":
			if v, ok := decodeExtValue(value); ok {
				extended = &v
			}
		}
	}
	if extended != nil {
		d.Filename = extended
	}
	return d, nil
}

// decodeExtValue decodes charset'language'percent-encoded. UTF-8 and
// ISO-8859-1 are the charsets RFC 5987 requires.
func decodeExtValue(s string) (string, bool) {
	charset, rest, ok := strings.Cut(s, "'")
	if !ok {
		return "", false
	}
	_, encoded, ok := strings.Cut(rest, "'")
	if !ok {
		return "", false
	}
	raw, err := url.PathUnescape(encoded)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(charset) {
	case "utf-8":
		if !utf8.ValidString(raw) {
			return "", false
		}
		return raw, true
	case "iso-8859-1":
		runes := make([]rune, len(raw))
		for i := 0; i < len(raw); i++ {
			runes[i] = rune(raw[i])
		}
		return string(runes), true
	}
	return "", false
}

// splitSegments splits on ';' outside of double quotes so a quoted filename
// containing a semicolon stays intact.
func splitSegments(s string) []string {
	var (
		out     []string
		start   int
		quoted  bool
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ';' && !quoted:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
		if strings.ContainsRune(s, '\\') {
			s = strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(s)
		}
	}
	return s
}
