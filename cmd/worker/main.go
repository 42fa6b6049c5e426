package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/database"
	"github.com/dharsanguruparan/GalleryDrop/internal/imaging"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/repository"
	"github.com/dharsanguruparan/GalleryDrop/internal/s3storage"
	"github.com/dharsanguruparan/GalleryDrop/internal/worker"
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

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Error("ensure schema", "err", err)
		os.Exit(1)
	}
	repo := repository.NewImageRepository(pool)

	var mirror worker.Mirror
	if cfg.MirrorEnabled() {
		store, err := s3storage.New(cfg)
		if err != nil {
			logger.Error("init storage", "err", err)
			os.Exit(1)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			logger.Error("ensure bucket", "err", err)
			os.Exit(1)
		}
		mirror = store
	}

	pipeline := imaging.New(cfg.UploadRoot,
		imaging.WithThresholds(cfg.Thresholds...),
		imaging.WithMaxPixels(cfg.MaxPixels),
		imaging.WithLogger(logger))

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      asynqLogger{logger.With("component", "asynq")},
	})
	m := metrics.New()
	processor := worker.NewProcessor(repo, pipeline, mirror, m, logger)
	mux := processor.Handler()

	metricsServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		server.Shutdown()
		_ = metricsServer.Close()
	}()

	logger.Info("worker started", "concurrency", cfg.ProcessingPool, "root", cfg.UploadRoot)
	if err := server.Run(mux); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

// asynqLogger routes asynq's own logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
