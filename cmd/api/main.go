// Command api serves uploads backed by Postgres, with derivative jobs handed
// to the worker through Redis.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/GalleryDrop/internal/api"
	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/database"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/pathgen"
	"github.com/dharsanguruparan/GalleryDrop/internal/repository"
	"github.com/dharsanguruparan/GalleryDrop/internal/s3storage"
	"github.com/dharsanguruparan/GalleryDrop/internal/server"
	"github.com/dharsanguruparan/GalleryDrop/internal/signing"
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
		logger.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.UploadRoot, 0o755); err != nil {
		return fmt.Errorf("create upload root: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repo := repository.NewImageRepository(pool)

	start, err := counterStart(ctx, cfg, repo)
	if err != nil {
		return err
	}
	logger.Info("path allocator ready", "next", start)

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	var mirror api.Mirror
	if cfg.MirrorEnabled() {
		m, err := s3storage.New(cfg)
		if err != nil {
			return err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return err
		}
		mirror = m
	}

	m := metrics.New()
	decoder := server.NewDecoder(cfg, pathgen.New(start), m, logger)
	srv := api.New(cfg, repo, client, mirror, decoder, signing.NewSigner(cfg.SigningSecret), m, logger)

	n, err := srv.Requeue(ctx)
	if err != nil {
		logger.Warn("requeue pending images failed", "err", err)
	} else if n > 0 {
		logger.Info("requeued pending images", "count", n)
	}
	return srv.Run(ctx)
}

// counterStart resumes after whichever is further along: the files on local
// disk or the newest path recorded in the database.
func counterStart(ctx context.Context, cfg *config.Config, repo *repository.ImageRepository) (uint64, error) {
	if cfg.CounterStart >= 0 {
		return uint64(cfg.CounterStart), nil
	}
	next, err := pathgen.Recover(cfg.UploadRoot)
	if err != nil {
		return 0, fmt.Errorf("recover path counter: %w", err)
	}
	latest, err := repo.LatestFilePath(ctx)
	if err != nil {
		return 0, err
	}
	if latest == "" {
		return next, nil
	}
	seq, err := pathgen.Sequence(latest)
	if err != nil {
		return 0, err
	}
	return max(next, seq+1), nil
}
