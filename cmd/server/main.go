// Command server runs GalleryDrop as a single process: uploads land in the
// local upload root, metadata is kept in memory and derivatives are rendered
// by an in-process worker pool.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/imaging"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/pathgen"
	"github.com/dharsanguruparan/GalleryDrop/internal/processing"
	"github.com/dharsanguruparan/GalleryDrop/internal/s3storage"
	"github.com/dharsanguruparan/GalleryDrop/internal/server"
	"github.com/dharsanguruparan/GalleryDrop/internal/signing"
	"github.com/dharsanguruparan/GalleryDrop/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.UploadRoot, 0o755); err != nil {
		return fmt.Errorf("create upload root: %w", err)
	}
	start, err := counterStart(cfg)
	if err != nil {
		return err
	}
	logger.Info("path allocator ready", "next", start)

	m := metrics.New()
	decoder := server.NewDecoder(cfg, pathgen.New(start), m, logger)
	pipeline := imaging.New(cfg.UploadRoot,
		imaging.WithThresholds(cfg.Thresholds...),
		imaging.WithMaxPixels(cfg.MaxPixels),
		imaging.WithLogger(logger))

	store := storage.NewMemoryStore()
	opts := []processing.Option{
		processing.WithLogger(logger),
		processing.WithRecorder(m),
		processing.WithQueueDepth(cfg.ProcessingQueue),
	}
	if cfg.MirrorEnabled() {
		mirror, err := s3storage.New(cfg)
		if err != nil {
			return err
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			return err
		}
		opts = append(opts, processing.WithMirror(mirror))
		logger.Info("mirroring derivatives", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	}
	processor := processing.New(store, pipeline, cfg.ProcessingPool, opts...)

	srv := server.New(cfg, store, processor, decoder, signing.NewSigner(cfg.SigningSecret), m, logger)
	err = srv.Serve(ctx)
	processor.Wait()
	return err
}

// counterStart honours an explicit CounterStart and otherwise resumes after
// the highest path already on disk.
func counterStart(cfg *config.Config) (uint64, error) {
	if cfg.CounterStart >= 0 {
		return uint64(cfg.CounterStart), nil
	}
	next, err := pathgen.Recover(cfg.UploadRoot)
	if err != nil {
		return 0, fmt.Errorf("recover path counter: %w", err)
	}
	return next, nil
}
