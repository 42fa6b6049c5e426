// Package upload streams multipart form bodies into a form tree, writing file
// parts to sharded paths on disk as they arrive.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/dharsanguruparan/GalleryDrop/internal/disposition"
	"github.com/dharsanguruparan/GalleryDrop/internal/fieldname"
	"github.com/dharsanguruparan/GalleryDrop/internal/form"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/pathgen"
)

const (
	DefaultMaxFiles      = 10
	DefaultMaxFields     = 100
	DefaultMaxFieldBytes = 80_000
	DefaultMaxDepth      = 2

	copyBufferSize = 32 * 1024
	sniffLen       = 512
)

// Limits bound one request. They are global to the request: nested multipart
// bodies share the same counters.
type Limits struct {
	MaxFiles      int
	MaxFields     int
	MaxFieldBytes int
	// MaxFileBytes caps a single file part; zero means no cap.
	MaxFileBytes int64
	MaxDepth     int
}

// DefaultLimits returns at most 10 files, 100 text fields of under 80,000
// bytes each, and no per-file cap.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:      DefaultMaxFiles,
		MaxFields:     DefaultMaxFields,
		MaxFieldBytes: DefaultMaxFieldBytes,
		MaxDepth:      DefaultMaxDepth,
	}
}

// Observer is notified as parts are accepted or a request is rejected.
type Observer interface {
	FileStored(f model.StoredFile)
	FieldAccepted(size int)
	Rejected(err error)
}

// Result is a fully decoded form. Files lists every stored file in arrival
// order; the same files also appear as leaves inside Form.
type Result struct {
	Form  form.Value
	Files []model.StoredFile
}

// Decoder turns multipart bodies into Results. It holds no per-request state
// and may be shared by concurrent requests.
type Decoder struct {
	root     string
	alloc    *pathgen.Allocator
	limits   Limits
	logger   *slog.Logger
	observer Observer
	strict   bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the decoder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(d *Decoder) { d.observer = o }
}

// WithStrictMerge rejects submissions that place differently shaped values on
// the same field path instead of keeping the first one.
func WithStrictMerge() Option {
	return func(d *Decoder) { d.strict = true }
}

// NewDecoder returns a Decoder that stores files below root using alloc.
// Zero-valued limits fall back to their defaults.
func NewDecoder(root string, alloc *pathgen.Allocator, limits Limits, opts ...Option) *Decoder {
	def := DefaultLimits()
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = def.MaxFiles
	}
	if limits.MaxFields <= 0 {
		limits.MaxFields = def.MaxFields
	}
	if limits.MaxFieldBytes <= 0 {
		limits.MaxFieldBytes = def.MaxFieldBytes
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	d := &Decoder{
		root:   root,
		alloc:  alloc,
		limits: limits,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Root returns the directory stored paths are relative to.
func (d *Decoder) Root() string { return d.root }

// Limits returns the effective limits.
func (d *Decoder) Limits() Limits { return d.limits }

type session struct {
	ctx     context.Context
	files   int
	fields  int
	builder *form.Builder
	stored  []model.StoredFile
	created []string
}

func (d *Decoder) newSession(ctx context.Context) *session {
	b := form.NewBuilder()
	if d.strict {
		b.Strict()
	}
	return &session{ctx: ctx, builder: b}
}

// DecodeRequest decodes a multipart or url-encoded request body.
func (d *Decoder) DecodeRequest(ctx context.Context, r *http.Request) (*Result, error) {
	kind, boundary, err := DetectPostKind(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, d.fail(d.newSession(ctx), err)
	}
	if kind == PostURLEncoded {
		return d.DecodeURLEncoded(ctx, r.Body)
	}
	return d.Decode(ctx, multipart.NewReader(r.Body, boundary))
}

// Decode consumes every part of mr in order. Limits are checked as parts
// arrive, so an oversized request is rejected without reading it to the end.
// On failure any files already created are reported through a *PartialError
// and left in place.
func (d *Decoder) Decode(ctx context.Context, mr *multipart.Reader) (*Result, error) {
	s := d.newSession(ctx)
	if err := d.decodeBody(s, mr, nil, 0); err != nil {
		return nil, d.fail(s, err)
	}
	return &Result{Form: s.builder.Value(), Files: s.stored}, nil
}

func (d *Decoder) fail(s *session, err error) error {
	d.logger.Warn("upload rejected", "kind", Classify(err).String(), "error", err)
	if d.observer != nil {
		d.observer.Rejected(err)
	}
	if len(s.created) > 0 {
		return &PartialError{Err: err, Paths: append([]string(nil), s.created...)}
	}
	return err
}

func (d *Decoder) decodeBody(s *session, mr *multipart.Reader, prefix fieldname.Path, depth int) error {
	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return d.streamErr(s, err)
		}
		err = d.decodePart(s, part, prefix, depth)
		part.Close()
		if err != nil {
			return err
		}
	}
}

func (d *Decoder) decodePart(s *session, part *multipart.Part, prefix fieldname.Path, depth int) error {
	disp, err := disposition.Parse(part.Header.Get("Content-Disposition"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContentDisposition, err)
	}
	c, err := classify(part.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	path, err := partPath(disp, prefix)
	if err != nil {
		return err
	}
	d.logger.Debug("decoding part", "field", path.String(), "kind", c.kind.String(), "media_type", c.mediaType)

	switch c.kind {
	case partText:
		text, err := d.readText(s, part)
		if err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		return s.builder.Add(path, form.Scalar(text))
	case partFile:
		if disp.EmptyFile() {
			// A file input left empty: skip it unless it carries data.
			var first [1]byte
			_, err := io.ReadAtLeast(part, first[:], 1)
			if errors.Is(err, io.EOF) {
				d.logger.Debug("skipping empty file part", "field", path.String())
				return nil
			}
			if err != nil {
				return d.streamErr(s, err)
			}
		}
		if !disp.HasFilename() {
			return fmt.Errorf("field %s: %w", path, ErrMissingFilename)
		}
		f, err := d.storeFile(s, part, c.mediaType, *disp.Filename)
		if err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		s.stored = append(s.stored, f)
		return s.builder.Add(path, form.File(f))
	default:
		if depth+1 > d.limits.MaxDepth {
			return fmt.Errorf("field %s: %w", path, ErrTooDeep)
		}
		return d.decodeBody(s, multipart.NewReader(part, c.boundary), path, depth+1)
	}
}

// partPath resolves where a part's value lands. Top-level parts must be named.
// Parts of a nested body hang below the parent's path: an unnamed one is
// appended as an array item, a named one adds its own segments as keys.
func partPath(disp disposition.Disposition, prefix fieldname.Path) (fieldname.Path, error) {
	if prefix == nil && !disp.HasName() {
		return nil, ErrMissingFieldName
	}
	if prefix != nil && !disp.HasName() {
		path := append(fieldname.Path(nil), prefix...)
		return append(path, fieldname.Segment{Kind: fieldname.Index}), nil
	}
	own, err := fieldname.Parse(*disp.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFieldName, err)
	}
	if prefix == nil {
		return own, nil
	}
	own[0].Kind = fieldname.Key
	path := append(fieldname.Path(nil), prefix...)
	return append(path, own...), nil
}

func (d *Decoder) readText(s *session, r io.Reader) (string, error) {
	if s.fields >= d.limits.MaxFields {
		return "", fmt.Errorf("%w: limit is %d", ErrFormCount, d.limits.MaxFields)
	}
	s.fields++
	buf, err := io.ReadAll(io.LimitReader(r, int64(d.limits.MaxFieldBytes)))
	if err != nil {
		return "", d.streamErr(s, err)
	}
	if len(buf) >= d.limits.MaxFieldBytes {
		return "", fmt.Errorf("%w: must be under %d bytes", ErrFormSize, d.limits.MaxFieldBytes)
	}
	if !utf8.Valid(buf) {
		return "", ErrUTF8
	}
	if d.observer != nil {
		d.observer.FieldAccepted(len(buf))
	}
	return string(buf), nil
}

func (d *Decoder) storeFile(s *session, r io.Reader, mediaType, filename string) (model.StoredFile, error) {
	if s.files >= d.limits.MaxFiles {
		return model.StoredFile{}, fmt.Errorf("%w: limit is %d", ErrFileCount, d.limits.MaxFiles)
	}
	s.files++
	rel := d.alloc.Allocate(extensionFor(mediaType, filename))
	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return model.StoredFile{}, fmt.Errorf("create upload dir: %w", err)
	}
	dst, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return model.StoredFile{}, fmt.Errorf("create upload file: %w", err)
	}
	s.created = append(s.created, rel)

	written, sum, sniff, err := d.copyPart(s, dst, r)
	closeErr := dst.Close()
	if err != nil {
		return model.StoredFile{}, err
	}
	if closeErr != nil {
		return model.StoredFile{}, fmt.Errorf("close upload file: %w", closeErr)
	}

	contentType := mediaType
	if mediaType == "application/octet-stream" && len(sniff) > 0 {
		contentType = http.DetectContentType(sniff)
	}
	f := model.StoredFile{
		OriginalFilename: displayName(filename),
		Path:             rel,
		ContentType:      contentType,
		Size:             written,
		Checksum:         sum,
	}
	d.logger.Info("stored upload", "path", rel, "bytes", written, "filename", f.OriginalFilename)
	if d.observer != nil {
		d.observer.FileStored(f)
	}
	return f, nil
}

// copyPart streams r into dst through a fixed buffer, hashing as it goes. The
// request context is checked between chunks so a dropped connection stops the
// write promptly.
func (d *Decoder) copyPart(s *session, dst io.Writer, r io.Reader) (int64, string, []byte, error) {
	hasher := blake3.New()
	w := io.MultiWriter(dst, hasher)
	buf := make([]byte, copyBufferSize)
	var (
		written int64
		sniff   []byte
	)
	for {
		if err := s.ctx.Err(); err != nil {
			return written, "", nil, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if d.limits.MaxFileBytes > 0 && written > d.limits.MaxFileBytes {
				return written, "", nil, fmt.Errorf("%w: limit is %d bytes", ErrFileSize, d.limits.MaxFileBytes)
			}
			if len(sniff) < sniffLen {
				chunk := n
				if remain := sniffLen - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, "", nil, fmt.Errorf("write upload file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return written, "", nil, d.streamErr(s, readErr)
		}
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), sniff, nil
}

// streamErr attributes a read failure to cancellation when the request
// context is done and to broken framing otherwise.
func (d *Decoder) streamErr(s *session, err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: request body exceeds %d bytes", ErrFileSize, maxErr.Limit)
	}
	return fmt.Errorf("%w: %w", ErrMultipart, err)
}

// displayName strips any client-side directory from a filename.
func displayName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}
