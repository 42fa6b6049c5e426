package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"unicode/utf8"

	"github.com/dharsanguruparan/GalleryDrop/internal/form"
)

// DecodeURLEncoded reads an application/x-www-form-urlencoded body pair by
// pair, applying the same field limits and name grammar as multipart text
// parts. Pair order is preserved.
func (d *Decoder) DecodeURLEncoded(ctx context.Context, body io.Reader) (*Result, error) {
	s := d.newSession(ctx)
	if err := d.decodePairs(s, body); err != nil {
		return nil, d.fail(s, err)
	}
	return &Result{Form: s.builder.Value()}, nil
}

func (d *Decoder) decodePairs(s *session, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	// Percent-encoding can triple a value; names get a little headroom too.
	maxToken := 3*d.limits.MaxFieldBytes + 1024
	scanner.Buffer(make([]byte, 0, 4096), maxToken)
	scanner.Split(splitAmpersand)
	for scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		token := scanner.Bytes()
		if len(token) == 0 {
			continue
		}
		rawKey, rawValue, _ := bytes.Cut(token, []byte("="))
		key, err := url.QueryUnescape(string(rawKey))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFieldName, err)
		}
		value, err := url.QueryUnescape(string(rawValue))
		if err != nil {
			return fmt.Errorf("field %s: %w: %w", key, ErrURLEncoding, err)
		}
		if key == "" {
			return ErrMissingFieldName
		}
		if s.fields >= d.limits.MaxFields {
			return fmt.Errorf("%w: limit is %d", ErrFormCount, d.limits.MaxFields)
		}
		s.fields++
		if len(value) >= d.limits.MaxFieldBytes {
			return fmt.Errorf("field %s: %w: must be under %d bytes", key, ErrFormSize, d.limits.MaxFieldBytes)
		}
		if !utf8.ValidString(key) || !utf8.ValidString(value) {
			return fmt.Errorf("field %s: %w", key, ErrUTF8)
		}
		if err := s.builder.AddRaw(key, form.Scalar(value)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFieldName, err)
		}
		if d.observer != nil {
			d.observer.FieldAccepted(len(value))
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: must be under %d bytes", ErrFormSize, d.limits.MaxFieldBytes)
		}
		return d.streamErr(s, err)
	}
	return nil
}

func splitAmpersand(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '&'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
