package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/imaging"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/pathgen"
	"github.com/dharsanguruparan/GalleryDrop/internal/processing"
	"github.com/dharsanguruparan/GalleryDrop/internal/signing"
	"github.com/dharsanguruparan/GalleryDrop/internal/storage"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

type harness struct {
	root    string
	store   *storage.MemoryStore
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.UploadRoot = root
	cfg.SigningSecret = []byte("test-secret")

	m := metrics.New()
	store := storage.NewMemoryStore()
	dec := upload.NewDecoder(root, pathgen.New(0), upload.DefaultLimits(), upload.WithObserver(m))
	proc := processing.New(store, imaging.New(root), 1, processing.WithRecorder(m))

	ctx, cancel := context.WithCancel(context.Background())
	proc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		proc.Wait()
	})

	srv := New(cfg, store, proc, dec, signing.NewSigner(cfg.SigningSecret), m, nil)
	return &harness{root: root, store: store, handler: srv.Handler()}
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) fileCount(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, filepath.WalkDir(h.root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	}))
	return n
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type multipartBody struct {
	buf bytes.Buffer
	w   *multipart.Writer
}

func newMultipart() *multipartBody {
	b := &multipartBody{}
	b.w = multipart.NewWriter(&b.buf)
	return b
}

func (b *multipartBody) field(t *testing.T, name, value string) *multipartBody {
	t.Helper()
	require.NoError(t, b.w.WriteField(name, value))
	return b
}

func (b *multipartBody) file(t *testing.T, name, filename, contentType string, data []byte) *multipartBody {
	t.Helper()
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="%s"; filename="%s"`, name, filename)}
	h["Content-Type"] = []string{contentType}
	pw, err := b.w.CreatePart(h)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	return b
}

func (b *multipartBody) request(t *testing.T, target string) *http.Request {
	t.Helper()
	require.NoError(t, b.w.Close())
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(b.buf.Bytes()))
	req.Header.Set("Content-Type", b.w.FormDataContentType())
	return req
}

func imageUpload(t *testing.T, data []byte) *multipartBody {
	return newMultipart().
		file(t, model.FieldFileUpload, "dog.png", "image/png", data).
		field(t, model.FieldDescription, "a dog").
		field(t, model.FieldAlternateText, "brown dog on grass").
		field(t, model.FieldGalleryName, "pets")
}

func decodeErrors(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var body struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Errors
}

func TestUploadRendersDerivativesAndSignsDownloads(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, imageUpload(t, pngBytes(t, 300, 200)).request(t, "/upload"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created model.ImageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pets", created.Gallery)
	assert.Equal(t, "dog.png", created.Original.OriginalFilename)
	assert.True(t, strings.HasPrefix(created.Original.Path, "000/000/000/"))

	require.Eventually(t, func() bool {
		got, err := h.store.Get(created.ID)
		return err == nil && got.Status == model.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/images/pets?count=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Images []model.ImageRecord `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Images, 1)
	require.NotNil(t, page.Images[0].Derivatives)
	labels := []string{}
	for _, v := range page.Images[0].Derivatives.Variants {
		labels = append(labels, v.Label)
	}
	assert.Equal(t, []string{"200", "full"}, labels)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/images/cats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"images":[]}`, rec.Body.String())

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/files/"+created.ID+"/signed-url?variant=200", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var link map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))

	rec = h.do(t, httptest.NewRequest(http.MethodGet, link["url"], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	cfg, err := png.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)

	u, err := url.Parse(link["url"])
	require.NoError(t, err)
	q := u.Query()
	q.Set("path", created.Original.Path)
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/download?"+q.Encode(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/files/"+created.ID+"/signed-url?variant=800", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "gallerydrop_uploads_total 1")
	assert.Contains(t, string(body), `gallerydrop_derivatives_total{status="complete"} 1`)
}

func TestUploadMissingFieldsRemovesFiles(t *testing.T) {
	h := newHarness(t)
	req := newMultipart().
		file(t, model.FieldFileUpload, "dog.png", "image/png", pngBytes(t, 4, 4)).
		field(t, model.FieldDescription, "no gallery").
		request(t, "/upload")

	rec := h.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := decodeErrors(t, rec)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], model.FieldGalleryName)
	assert.Equal(t, 0, h.fileCount(t))
}

func TestUploadTooManyFilesRemovesFiles(t *testing.T) {
	h := newHarness(t)
	b := newMultipart()
	for i := 0; i < 11; i++ {
		b.file(t, "extra[]", fmt.Sprintf("f%d.png", i), "image/png", []byte("x"))
	}
	rec := h.do(t, b.request(t, "/upload"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeErrors(t, rec)[0], "too many files")
	assert.Equal(t, 0, h.fileCount(t))
}

func TestUploadRejectsUnsupportedImage(t *testing.T) {
	h := newHarness(t)
	req := newMultipart().
		file(t, model.FieldFileUpload, "scan.tiff", "image/tiff", []byte("II*\x00")).
		field(t, model.FieldDescription, "d").
		field(t, model.FieldAlternateText, "a").
		field(t, model.FieldGalleryName, "g").
		request(t, "/upload")

	rec := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, h.fileCount(t))
}

func TestUploadRequiresMultipart(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("description=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormEchoesTree(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/forms", strings.NewReader("z=last&a[]=1&a[]=2&m[k]=v"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"form":{"z":"last","a":["1","2"],"m":{"k":"v"}},"files":[]}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/forms", strings.NewReader("a[b=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImagesPaging(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.store.Save(&model.ImageRecord{ID: fmt.Sprintf("id-%d", i), Gallery: "g", Status: model.StatusComplete})
	}

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/images?count=1&id=id-2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Images []model.ImageRecord `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Images, 1)
	assert.Equal(t, "id-1", page.Images[0].ID)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/images?count=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/images?id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadRejectsBadParameters(t *testing.T) {
	h := newHarness(t)
	for _, target := range []string{
		"/download",
		"/download?path=../etc/passwd&expires=1&signature=x",
		"/download?path=000/000/000/a.png",
	} {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestNewDecoderUsesConfiguredLimits(t *testing.T) {
	cfg := config.Default()
	cfg.UploadRoot = t.TempDir()
	cfg.MaxFiles = 3
	cfg.MaxFileSize = 1024
	cfg.MaxDepth = 0

	dec := NewDecoder(cfg, pathgen.New(0), nil, nil)
	assert.Equal(t, cfg.UploadRoot, dec.Root())
	assert.Equal(t, 3, dec.Limits().MaxFiles)
	assert.Equal(t, int64(1024), dec.Limits().MaxFileBytes)
	assert.Equal(t, upload.DefaultMaxDepth, dec.Limits().MaxDepth)
	assert.Equal(t, int64(3*1024+cfg.MaxFields*cfg.MaxFieldBytes+1<<20), BodyLimit(dec, 0))
}
