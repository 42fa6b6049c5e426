package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/queue"
	"github.com/dharsanguruparan/GalleryDrop/internal/repository"
	"github.com/dharsanguruparan/GalleryDrop/internal/server"
	"github.com/dharsanguruparan/GalleryDrop/internal/signing"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	requeueBatch    = 500
)

// Repository is implemented by repository.ImageRepository.
type Repository interface {
	CreateUpload(ctx context.Context, rec *model.ImageRecord) error
	Get(ctx context.Context, id string) (*model.ImageRecord, error)
	List(ctx context.Context, q repository.Query) ([]*model.ImageRecord, error)
	Unprocessed(ctx context.Context, limit int) ([]repository.Pending, error)
}

// Mirror is implemented by s3storage.Mirror.
type Mirror interface {
	PutFile(ctx context.Context, rel string) error
	Presign(ctx context.Context, rel string, ttl time.Duration) (string, error)
}

// Server exposes the HTTP API backed by Postgres, asynq and an optional
// object-storage mirror.
type Server struct {
	cfg     *config.Config
	repo    Repository
	queue   queue.Enqueuer
	mirror  Mirror
	decoder *upload.Decoder
	signer  *signing.Signer
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server. mirror may be nil.
func New(cfg *config.Config, repo Repository, queueClient queue.Enqueuer, mirror Mirror, decoder *upload.Decoder, signer *signing.Signer, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		repo:    repo,
		queue:   queueClient,
		mirror:  mirror,
		decoder: decoder,
		signer:  signer,
		metrics: m,
		logger:  logger,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))
	r.Use(corsMiddleware(s.cfg.CORSOrigin))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/download", func(w http.ResponseWriter, r *http.Request) {
		server.ServeSigned(w, r, s.signer, s.decoder.Root())
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/images", s.handleImages)
		r.Get("/images/{gallery}", s.handleImages)
		r.Get("/image/{id}", s.handleImage)
		r.Get("/image/{id}/signed-url", s.handleSignedURL)
	})
	return r
}

// Requeue schedules every image still waiting for derivatives. Images that
// already have a task are skipped by the queue.
func (s *Server) Requeue(ctx context.Context) (int, error) {
	pending, err := s.repo.Unprocessed(ctx, requeueBatch)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		if err := queue.EnqueueDerive(ctx, s.queue, queue.DerivePayload{ImageID: p.ImageID, Path: p.Path}); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var obs upload.Observer
	if s.metrics != nil {
		obs = s.metrics
	}
	img, err := server.ReceiveImage(w, r, s.decoder, server.BodyLimit(s.decoder, s.cfg.MaxFileSize), obs, s.logger)
	if err != nil {
		server.RespondError(w, err, s.logger)
		return
	}

	if s.mirror != nil {
		if err := s.mirror.PutFile(ctx, img.File.Path); err != nil {
			s.discard(img.File.Path)
			server.RespondError(w, err, s.logger)
			return
		}
	}
	rec := &model.ImageRecord{
		ID:            uuid.NewString(),
		Gallery:       img.GalleryName,
		Description:   img.Description,
		AlternateText: img.AlternateText,
		Original:      img.File,
	}
	if err := s.repo.CreateUpload(ctx, rec); err != nil {
		s.discard(rec.Original.Path)
		server.RespondError(w, err, s.logger)
		return
	}
	payload := queue.DerivePayload{ImageID: rec.ID, Path: rec.Original.Path}
	if err := queue.EnqueueDerive(ctx, s.queue, payload); err != nil {
		// The unprocessed_images row survives, so Requeue picks it up later.
		s.logger.Warn("enqueue derive failed", "image", rec.ID, "err", err)
	}
	if s.metrics != nil {
		s.metrics.UploadCompleted()
	}
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) discard(rel string) {
	if err := os.Remove(filepath.Join(s.decoder.Root(), filepath.FromSlash(rel))); err != nil {
		s.logger.Warn("remove stored original", "path", rel, "err", err)
	}
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	q := repository.Query{
		Gallery: chi.URLParam(r, "gallery"),
		Before:  r.URL.Query().Get("id"),
		Count:   defaultPageSize,
	}
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondErrors(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		q.Count = min(n, maxPageSize)
	}
	images, err := s.repo.List(r.Context(), q)
	if errors.Is(err, repository.ErrNotFound) {
		respondErrors(w, http.StatusNotFound, "no image with id "+q.Before)
		return
	}
	if err != nil {
		server.RespondError(w, err, s.logger)
		return
	}
	if images == nil {
		images = []*model.ImageRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	rel, ok := server.VariantPath(rec, r.URL.Query().Get("variant"))
	if !ok {
		respondErrors(w, http.StatusNotFound, "variant not available")
		return
	}
	if s.mirror != nil {
		url, err := s.mirror.Presign(r.Context(), rel, s.cfg.SignedURLTTL)
		if err != nil {
			server.RespondError(w, err, s.logger)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"url":     url,
			"expires": strconv.FormatInt(time.Now().Add(s.cfg.SignedURLTTL).Unix(), 10),
		})
		return
	}
	respondJSON(w, http.StatusOK, server.SignedLink(s.signer, rel, time.Now(), s.cfg.SignedURLTTL))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*model.ImageRecord, bool) {
	rec, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrNotFound) {
		respondErrors(w, http.StatusNotFound, "image not found")
		return nil, false
	}
	if err != nil {
		server.RespondError(w, err, s.logger)
		return nil, false
	}
	return rec, true
}

func respondErrors(w http.ResponseWriter, status int, messages ...string) {
	respondJSON(w, status, map[string][]string{"errors": messages})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
				"elapsed", time.Since(start))
		})
	}
}
