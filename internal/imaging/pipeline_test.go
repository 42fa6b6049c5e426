package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func writeImage(t *testing.T, root, rel string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	f, err := os.Create(abs)
	require.NoError(t, err)
	defer f.Close()
	switch filepath.Ext(rel) {
	case ".png":
		require.NoError(t, png.Encode(f, img))
	case ".jpg":
		require.NoError(t, jpeg.Encode(f, img, nil))
	case ".gif":
		require.NoError(t, gif.Encode(f, img, nil))
	case ".bmp":
		require.NoError(t, bmp.Encode(f, img))
	default:
		_, err := f.Write([]byte("not an image"))
		require.NoError(t, err)
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func readSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestProcessSmallImage(t *testing.T) {
	root := t.TempDir()
	rel := "000/000/001/AbCdEfGhIj.png"
	writeImage(t, root, rel, 300, 200)

	set, err := New(root).Process(context.Background(), rel)
	require.NoError(t, err)

	assert.Equal(t, 300, set.OriginalWidth)
	assert.Equal(t, 200, set.OriginalHeight)
	require.Len(t, set.Variants, 2)
	assert.Equal(t, "200", set.Variants[0].Label)
	assert.Equal(t, "000/000/001/AbCdEfGhIj-200-thumb.png", set.Variants[0].Path)
	assert.Equal(t, 200, set.Variants[0].Width)
	assert.Equal(t, 133, set.Variants[0].Height)
	assert.Equal(t, FullLabel, set.Variants[1].Label)
	assert.Equal(t, "000/000/001/AbCdEfGhIj-full.png", set.Variants[1].Path)

	w, h := readSize(t, filepath.Join(root, "000/000/001/AbCdEfGhIj-200-thumb.png"))
	assert.Equal(t, 200, w)
	assert.Equal(t, 133, h)
	w, h = readSize(t, filepath.Join(root, "000/000/001/AbCdEfGhIj-full.png"))
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)
}

func TestProcessLargeImageLadder(t *testing.T) {
	root := t.TempDir()
	rel := "000/004/002/ZZZZZZZZZZ.jpg"
	writeImage(t, root, rel, 1500, 1000)

	set, err := New(root).Process(context.Background(), rel)
	require.NoError(t, err)

	var labels []string
	var widths, heights []int
	for _, v := range set.Variants {
		labels = append(labels, v.Label)
		widths = append(widths, v.Width)
		heights = append(heights, v.Height)
	}
	assert.Equal(t, []string{"200", "400", "800", "1200", "full"}, labels)
	assert.Equal(t, []int{200, 400, 800, 1200, 1500}, widths)
	assert.Equal(t, []int{133, 267, 533, 800, 1000}, heights)
	assert.True(t, sort.IntsAreSorted(widths))

	full, ok := set.Full()
	require.True(t, ok)
	assert.Equal(t, "full", full.Label)
	assert.InDelta(t, 1.5, set.Ratio(), 0.001)
}

func TestProcessThresholdIsStrict(t *testing.T) {
	root := t.TempDir()
	rel := "a/exact.gif"
	writeImage(t, root, rel, 200, 50)

	set, err := New(root).Process(context.Background(), rel)
	require.NoError(t, err)
	require.Len(t, set.Variants, 1)
	assert.Equal(t, FullLabel, set.Variants[0].Label)
}

func TestProcessBMP(t *testing.T) {
	root := t.TempDir()
	rel := "b/pic.bmp"
	writeImage(t, root, rel, 420, 10)

	set, err := New(root).Process(context.Background(), rel)
	require.NoError(t, err)
	require.Len(t, set.Variants, 3)
	assert.Equal(t, 400, set.Variants[1].Width)
}

func TestProcessUnsupportedExtensionWritesNothing(t *testing.T) {
	root := t.TempDir()
	rel := "c/scan.tiff"
	writeImage(t, root, rel, 500, 500)

	_, err := New(root).Process(context.Background(), rel)
	require.ErrorIs(t, err, ErrImageProcessing)
	assert.Equal(t, []string{"scan.tiff"}, listDir(t, filepath.Join(root, "c")))
}

func TestProcessUndecodable(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(root, "d", "broken.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("definitely not png"), 0o644))

	_, err := New(root).Process(context.Background(), "d/broken.png")
	require.ErrorIs(t, err, ErrImageProcessing)
	assert.Equal(t, []string{"broken.png"}, listDir(t, filepath.Join(root, "d")))
}

func TestProcessMissingFileIsIOError(t *testing.T) {
	_, err := New(t.TempDir()).Process(context.Background(), "e/nothing.png")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrImageProcessing)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProcessCanceledRemovesPartialSet(t *testing.T) {
	root := t.TempDir()
	rel := "f/big.png"
	writeImage(t, root, rel, 900, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(root).Process(ctx, rel)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"big.png"}, listDir(t, filepath.Join(root, "f")))
}

func TestDerivedPaths(t *testing.T) {
	p, err := ThumbPath("001/002/003/abc.png", 400)
	require.NoError(t, err)
	assert.Equal(t, "001/002/003/abc-400-thumb.png", p)

	p, err = FullPath("abc.jpeg")
	require.NoError(t, err)
	assert.Equal(t, "abc-full.png", p)

	_, err = FullPath("001/.png")
	assert.ErrorIs(t, err, ErrImageProcessing)
	_, err = FullPath("001/noext")
	assert.ErrorIs(t, err, ErrImageProcessing)
}

func TestFormatOf(t *testing.T) {
	for name, want := range map[string]Format{
		"a.BMP": FormatBMP, "a.gif": FormatGIF, "a.jpg": FormatJPEG, "a.JPEG": FormatJPEG, "a.png": FormatPNG,
	} {
		got, err := FormatOf(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := FormatOf("a.webp")
	assert.ErrorIs(t, err, ErrImageProcessing)
}

// headerOnlyPNG is a PNG whose IHDR declares w x h RGBA pixels and which
// carries no image data at all.
func headerOnlyPNG(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		buf.Write(n[:])
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		buf.WriteString(typ)
		buf.Write(data)
		binary.BigEndian.PutUint32(n[:], crc.Sum32())
		buf.Write(n[:])
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk("IHDR", ihdr)
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestProcessRejectsOversizedCanvasBeforeDecoding(t *testing.T) {
	root := t.TempDir()
	rel := "000/000/001/Huge000000.png"
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, headerOnlyPNG(30000, 30000), 0o600))

	_, err := New(root).Process(context.Background(), rel)
	require.ErrorIs(t, err, ErrImageProcessing)
	assert.Contains(t, err.Error(), "30000x30000 exceeds")
	assert.Equal(t, []string{"Huge000000.png"}, listDir(t, filepath.Dir(abs)))
}

func TestProcessHonoursMaxPixels(t *testing.T) {
	root := t.TempDir()
	rel := "000/000/001/Small00000.gif"
	writeImage(t, root, rel, 300, 200)

	_, err := New(root, WithMaxPixels(300*200-1)).Process(context.Background(), rel)
	require.ErrorIs(t, err, ErrImageProcessing)

	set, err := New(root, WithMaxPixels(300*200)).Process(context.Background(), rel)
	require.NoError(t, err)
	assert.Equal(t, 300, set.OriginalWidth)
}
