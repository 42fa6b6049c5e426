// Package imaging produces the fixed ladder of downscaled PNG derivatives for
// an uploaded original image.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

// ErrImageProcessing covers unsupported formats and undecodable images.
var ErrImageProcessing = errors.New("imaging: cannot process image")

// DefaultThresholds is the width ladder. A variant is produced for every
// threshold the original is strictly wider than.
var DefaultThresholds = []int{200, 400, 800, 1200}

// FullLabel names the full-size re-encode.
const FullLabel = "full"

// DefaultMaxPixels bounds the canvas an original may declare.
const DefaultMaxPixels = 50_000_000

// Format is a decodable source format.
type Format string

const (
	FormatBMP  Format = "bmp"
	FormatGIF  Format = "gif"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

var formatsByExt = map[string]Format{
	".bmp":  FormatBMP,
	".gif":  FormatGIF,
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".jpe":  FormatJPEG,
	".png":  FormatPNG,
}

// FormatOf sniffs the format from a file extension.
func FormatOf(name string) (Format, error) {
	f, ok := formatsByExt[strings.ToLower(path.Ext(name))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported extension %q", ErrImageProcessing, path.Ext(name))
	}
	return f, nil
}

func decode(f Format, r io.Reader) (image.Image, error) {
	switch f {
	case FormatBMP:
		return bmp.Decode(r)
	case FormatGIF:
		return gif.Decode(r)
	case FormatJPEG:
		return jpeg.Decode(r)
	default:
		return png.Decode(r)
	}
}

func decodeConfig(f Format, r io.Reader) (image.Config, error) {
	switch f {
	case FormatBMP:
		return bmp.DecodeConfig(r)
	case FormatGIF:
		return gif.DecodeConfig(r)
	case FormatJPEG:
		return jpeg.DecodeConfig(r)
	default:
		return png.DecodeConfig(r)
	}
}

// Pipeline renders derivatives for originals stored below a root directory.
// It is CPU bound; callers schedule it off the request path.
type Pipeline struct {
	root       string
	thresholds []int
	maxPixels  int64
	scaler     draw.Scaler
	encoder    *png.Encoder
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithThresholds replaces the width ladder. Values must be ascending.
func WithThresholds(widths ...int) Option {
	return func(p *Pipeline) { p.thresholds = append([]int(nil), widths...) }
}

// WithMaxPixels caps width*height of an original. Zero or less restores the
// default.
func WithMaxPixels(n int64) Option {
	return func(p *Pipeline) { p.maxPixels = n }
}

// New returns a Pipeline reading and writing below root.
func New(root string, opts ...Option) *Pipeline {
	p := &Pipeline{
		root:       root,
		thresholds: DefaultThresholds,
		scaler:     draw.CatmullRom,
		encoder:    &png.Encoder{CompressionLevel: png.DefaultCompression},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxPixels <= 0 {
		p.maxPixels = DefaultMaxPixels
	}
	return p
}

// ThumbPath is the derivative path for a width threshold.
func ThumbPath(original string, width int) (string, error) {
	return derivedPath(original, strconv.Itoa(width)+"-thumb")
}

// FullPath is the path of the full-size re-encode.
func FullPath(original string) (string, error) {
	return derivedPath(original, FullLabel)
}

func derivedPath(original, suffix string) (string, error) {
	dir, file := path.Split(filepath.ToSlash(original))
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	if stem == "" || ext == "" {
		return "", fmt.Errorf("%w: no basename in %q", ErrImageProcessing, original)
	}
	return dir + stem + "-" + suffix + ".png", nil
}

// Process decodes the original at rel (relative to the root) and writes every
// derivative next to it. On any failure the derivatives written so far are
// removed and no set is returned.
func (p *Pipeline) Process(ctx context.Context, rel string) (set model.DerivativeSet, err error) {
	format, err := FormatOf(rel)
	if err != nil {
		return model.DerivativeSet{}, err
	}
	if _, err := FullPath(rel); err != nil {
		return model.DerivativeSet{}, err
	}
	img, err := p.load(rel, format)
	if err != nil {
		return model.DerivativeSet{}, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	p.logger.Info("processing image", "path", rel, "width", width, "height", height)

	var written []string
	defer func() {
		if err == nil {
			return
		}
		for _, w := range written {
			_ = os.Remove(p.abs(w))
		}
	}()

	set = model.DerivativeSet{OriginalWidth: width, OriginalHeight: height}
	for _, threshold := range p.thresholds {
		if width <= threshold {
			continue
		}
		if err := ctx.Err(); err != nil {
			return model.DerivativeSet{}, err
		}
		target, _ := ThumbPath(rel, threshold)
		thumb := p.thumbnail(img, threshold)
		if err := p.save(target, thumb); err != nil {
			written = append(written, target)
			return model.DerivativeSet{}, err
		}
		written = append(written, target)
		b := thumb.Bounds()
		set.Variants = append(set.Variants, model.Derivative{
			Path:   target,
			Width:  b.Dx(),
			Height: b.Dy(),
			Label:  strconv.Itoa(threshold),
		})
	}

	if err := ctx.Err(); err != nil {
		return model.DerivativeSet{}, err
	}
	full, _ := FullPath(rel)
	if err := p.save(full, img); err != nil {
		written = append(written, full)
		return model.DerivativeSet{}, err
	}
	written = append(written, full)
	set.Variants = append(set.Variants, model.Derivative{
		Path:   full,
		Width:  width,
		Height: height,
		Label:  FullLabel,
	})
	return set, nil
}

func (p *Pipeline) abs(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

func (p *Pipeline) load(rel string, format Format) (image.Image, error) {
	f, err := os.Open(p.abs(rel))
	if err != nil {
		return nil, fmt.Errorf("open original: %w", err)
	}
	defer f.Close()

	// The header alone decides the canvas size, so check it before decoding.
	cfg, err := decodeConfig(format, f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s header: %v", ErrImageProcessing, format, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageProcessing, cfg.Width, cfg.Height, p.maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind original: %w", err)
	}
	img, err := decode(format, f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrImageProcessing, format, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrImageProcessing)
	}
	return img, nil
}

// thumbnail scales img to the given width keeping its aspect ratio.
func (p *Pipeline) thumbnail(img image.Image, width int) image.Image {
	b := img.Bounds()
	height := int(math.Round(float64(b.Dy()) * float64(width) / float64(b.Dx())))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	p.scaler.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func (p *Pipeline) save(rel string, img image.Image) error {
	p.logger.Info("saving image", "path", rel)
	f, err := os.OpenFile(p.abs(rel), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create derivative: %w", err)
	}
	if err := p.encoder.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode derivative: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close derivative: %w", err)
	}
	return nil
}
