// Package server is the single-binary HTTP front end: uploads are decoded to
// the local upload root, image metadata lives in memory and derivatives are
// rendered by the in-process worker pool.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/imaging"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/processing"
	"github.com/dharsanguruparan/GalleryDrop/internal/s3storage"
	"github.com/dharsanguruparan/GalleryDrop/internal/signing"
	"github.com/dharsanguruparan/GalleryDrop/internal/storage"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Server hosts the HTTP handlers.
type Server struct {
	cfg       *config.Config
	store     *storage.MemoryStore
	processor *processing.Processor
	decoder   *upload.Decoder
	signer    *signing.Signer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	once      sync.Once
}

// New creates a configured server. The decoder's root must exist.
func New(cfg *config.Config, store *storage.MemoryStore, processor *processing.Processor, decoder *upload.Decoder, signer *signing.Signer, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		processor: processor,
		decoder:   decoder,
		signer:    signer,
		metrics:   m,
		logger:    logger,
	}
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.once.Do(func() {
		s.processor.Start(ctx)
	})
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("server listening", "addr", s.cfg.Address, "root", s.decoder.Root())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler wrapped in access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/forms", s.handleForm)
	mux.HandleFunc("/images", s.handleImages)
	mux.HandleFunc("/images/", s.handleImages)
	mux.HandleFunc("/files/", s.handleFileRoute)
	mux.HandleFunc("/download", s.handleDownload)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BodyLimit caps a whole request at what the decoder limits could accept.
// fileBytes stands in for a missing per-file cap.
func BodyLimit(dec *upload.Decoder, fileBytes int64) int64 {
	l := dec.Limits()
	if l.MaxFileBytes > 0 {
		fileBytes = l.MaxFileBytes
	}
	return int64(l.MaxFiles)*fileBytes + int64(l.MaxFields)*int64(l.MaxFieldBytes) + 1<<20
}

// ReceiveImage decodes a multipart image submission and binds it. On any
// error every file the request stored is removed again, and only the image
// original survives a success. Rejections that happen after decoding are
// reported to obs, which may be nil.
func ReceiveImage(w http.ResponseWriter, r *http.Request, dec *upload.Decoder, limit int64, obs upload.Observer, logger *slog.Logger) (model.ImageForm, error) {
	reject := func(err error) (model.ImageForm, error) {
		if obs != nil {
			obs.Rejected(err)
		}
		return model.ImageForm{}, err
	}
	kind, _, err := upload.DetectPostKind(r.Header.Get("Content-Type"))
	if err == nil && kind != upload.PostMultipart {
		err = fmt.Errorf("%w: image uploads must be multipart/form-data", upload.ErrContentType)
	}
	if err != nil {
		return reject(err)
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	res, err := dec.DecodeRequest(r.Context(), r)
	if err != nil {
		removeFiles(dec.Root(), upload.LeftoverPaths(err), logger)
		return model.ImageForm{}, err
	}
	img, err := upload.BindImageForm(res.Form)
	if err == nil {
		if _, ferr := imaging.FormatOf(img.File.Path); ferr != nil {
			err = fmt.Errorf("%w: %s is not a supported image", upload.ErrContentType, img.File.OriginalFilename)
		}
	}
	if err != nil {
		removeFiles(dec.Root(), storedPaths(res.Files), logger)
		return reject(err)
	}
	removeFiles(dec.Root(), extraPaths(res.Files, img.File), logger)
	return img, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	img, err := ReceiveImage(w, r, s.decoder, s.bodyLimit(), s.observer(), s.logger)
	if err != nil {
		s.respondError(w, err)
		return
	}

	rec := &model.ImageRecord{
		ID:            uuid.NewString(),
		Gallery:       img.GalleryName,
		Description:   img.Description,
		AlternateText: img.AlternateText,
		Original:      img.File,
		Status:        model.StatusUploaded,
	}
	s.store.Save(rec)
	s.processor.Submit(processing.Job{ImageID: rec.ID, Path: rec.Original.Path})
	if s.metrics != nil {
		s.metrics.UploadCompleted()
	}
	stored, _ := s.store.Get(rec.ID)
	respondJSON(w, http.StatusAccepted, stored)
}

func (s *Server) bodyLimit() int64 {
	return BodyLimit(s.decoder, s.cfg.MaxFileSize)
}

// observer avoids handing a typed nil to ReceiveImage.
func (s *Server) observer() upload.Observer {
	if s.metrics == nil {
		return nil
	}
	return s.metrics
}

// handleForm decodes any multipart or url-encoded body and echoes the
// reconstructed tree. Files stay stored.
func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit())
	res, err := s.decoder.DecodeRequest(r.Context(), r)
	if err != nil {
		removeFiles(s.decoder.Root(), upload.LeftoverPaths(err), s.logger)
		s.respondError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.UploadCompleted()
	}
	files := res.Files
	if files == nil {
		files = []model.StoredFile{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"form": res.Form, "files": files})
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	gallery := strings.Trim(strings.TrimPrefix(r.URL.Path, "/images"), "/")
	if strings.Contains(gallery, "/") {
		http.NotFound(w, r)
		return
	}
	q, err := pageQuery(r.URL.Query())
	if err != nil {
		respondErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Gallery = gallery
	images, err := s.store.List(q)
	if errors.Is(err, storage.ErrNotFound) {
		respondErrors(w, http.StatusNotFound, "no image with id "+q.Before)
		return
	}
	if images == nil {
		images = []*model.ImageRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": images})
}

func pageQuery(v url.Values) (storage.Query, error) {
	q := storage.Query{Count: defaultPageSize, Before: v.Get("id")}
	if raw := v.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("count must be a positive integer")
		}
		q.Count = min(n, maxPageSize)
	}
	return q, nil
}

func (s *Server) handleFileRoute(w http.ResponseWriter, r *http.Request) {
	// /files/{id} and /files/{id}/signed-url
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/files/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleFileInfo(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] == "signed-url" {
		s.handleSignedURL(w, r, id)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		respondErrors(w, http.StatusNotFound, "image not found")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		respondErrors(w, http.StatusNotFound, "image not found")
		return
	}
	rel, ok := VariantPath(record, r.URL.Query().Get("variant"))
	if !ok {
		respondErrors(w, http.StatusNotFound, "variant not available")
		return
	}
	respondJSON(w, http.StatusOK, SignedLink(s.signer, rel, time.Now(), s.cfg.SignedURLTTL))
}

// VariantPath resolves "original" (or empty), "full" or a width label to the
// stored relative path.
func VariantPath(record *model.ImageRecord, variant string) (string, bool) {
	if variant == "" || variant == "original" {
		return record.Original.Path, true
	}
	if record.Derivatives == nil {
		return "", false
	}
	for _, v := range record.Derivatives.Variants {
		if v.Label == variant {
			return v.Path, true
		}
	}
	return "", false
}

// SignedLink builds the /download link for rel.
func SignedLink(signer *signing.Signer, rel string, now time.Time, ttl time.Duration) map[string]string {
	q, expires := signer.Query(rel, now, ttl)
	q.Set("path", rel)
	return map[string]string{
		"url":     "/download?" + q.Encode(),
		"expires": strconv.FormatInt(expires.Unix(), 10),
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ServeSigned(w, r, s.signer, s.decoder.Root())
}

// ServeSigned verifies a /download request and streams the file below root.
func ServeSigned(w http.ResponseWriter, r *http.Request, signer *signing.Signer, root string) {
	q := r.URL.Query()
	rel, err := s3storage.ObjectKey(q.Get("path"))
	if err != nil || q.Get(signing.ParamExpires) == "" || q.Get(signing.ParamSignature) == "" {
		respondErrors(w, http.StatusBadRequest, "missing or invalid parameters")
		return
	}
	switch err := signer.Verify(rel, q, time.Now()); {
	case errors.Is(err, signing.ErrExpired):
		respondErrors(w, http.StatusUnauthorized, "url expired")
		return
	case err != nil:
		respondErrors(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		respondErrors(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondErrors(w, http.StatusInternalServerError, "file unavailable")
		return
	}
	w.Header().Set("Content-Type", s3storage.ContentType(rel))
	w.Header().Set("Cache-Control", "private, max-age=60")
	http.ServeContent(w, r, filepath.Base(rel), info.ModTime(), f)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	RespondError(w, err, s.logger)
}

// RespondError writes err in the {"errors": [...]} envelope. Server errors
// are logged and reported without detail.
func RespondError(w http.ResponseWriter, err error, logger *slog.Logger) {
	status := upload.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
		respondErrors(w, status, "internal error")
		return
	}
	var partial *upload.PartialError
	if errors.As(err, &partial) {
		err = partial.Err
	}
	respondErrors(w, status, err.Error())
}

func removeFiles(root string, paths []string, logger *slog.Logger) {
	for _, rel := range paths {
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(rel))); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("remove leftover file", "path", rel, "err", err)
		}
	}
}

func storedPaths(files []model.StoredFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

// extraPaths lists every stored file except keep.
func extraPaths(files []model.StoredFile, keep model.StoredFile) []string {
	var out []string
	for _, f := range files {
		if f.Path != keep.Path {
			out = append(out, f.Path)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}

func respondErrors(w http.ResponseWriter, status int, messages ...string) {
	respondJSON(w, status, map[string][]string{"errors": messages})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		slog.Error("encode json failed", "err", err)
	}
}
