package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/GalleryDrop/internal/imaging"
	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/queue"
)

// Repository is the slice of repository.ImageRepository the worker needs.
type Repository interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, msg string) error
	Complete(ctx context.Context, id string, set model.DerivativeSet) error
}

// Deriver renders derivatives for an original below the upload root.
type Deriver interface {
	Process(ctx context.Context, rel string) (model.DerivativeSet, error)
}

// Mirror is implemented by s3storage.Mirror.
type Mirror interface {
	Restore(ctx context.Context, rel string) error
	PutFile(ctx context.Context, rel string) error
}

// Recorder is implemented by metrics.Metrics.
type Recorder interface {
	DeriveFinished(started time.Time, err error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	repo     Repository
	deriver  Deriver
	mirror   Mirror
	recorder Recorder
	logger   *slog.Logger
}

// NewProcessor constructs a worker processor. mirror and recorder may be nil.
func NewProcessor(repo Repository, deriver Deriver, mirror Mirror, recorder Recorder, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{repo: repo, deriver: deriver, mirror: mirror, recorder: recorder, logger: logger}
}

// Handler registers the derive job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeriveImageTask, p.handleDerive)
	return mux
}

func (p *Processor) handleDerive(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseDerivePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := p.logger.With("image", payload.ImageID, "path", payload.Path)

	failure := func(err error) error {
		log.Error("derive failed", "err", err)
		_ = p.repo.MarkFailed(ctx, payload.ImageID, err.Error())
		if errors.Is(err, imaging.ErrImageProcessing) {
			// Undecodable input fails the same way on every attempt.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if err := p.repo.MarkProcessing(ctx, payload.ImageID); err != nil {
		return failure(err)
	}
	if p.mirror != nil {
		if err := p.mirror.Restore(ctx, payload.Path); err != nil {
			return failure(err)
		}
	}

	started := time.Now()
	set, err := p.deriver.Process(ctx, payload.Path)
	if p.recorder != nil {
		p.recorder.DeriveFinished(started, err)
	}
	if err != nil {
		return failure(err)
	}

	if p.mirror != nil {
		for _, v := range set.Variants {
			if err := p.mirror.PutFile(ctx, v.Path); err != nil {
				return failure(err)
			}
		}
	}
	if err := p.repo.Complete(ctx, payload.ImageID, set); err != nil {
		return failure(err)
	}
	log.Info("image processed", "variants", len(set.Variants), "elapsed", time.Since(started))
	return nil
}
