// Package processing runs the image derivative pipeline on a bounded pool of
// goroutines inside the server process.
package processing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
)

// Job asks for the derivatives of one stored original.
type Job struct {
	ImageID string
	Path    string
}

// Deriver renders a derivative set for a stored original.
type Deriver interface {
	Process(ctx context.Context, rel string) (model.DerivativeSet, error)
}

// Store receives lifecycle updates.
type Store interface {
	UpdateStatus(id string, status model.ImageStatus, msg string) error
	Complete(id string, set model.DerivativeSet) error
}

// Recorder observes queue depth and pipeline runs.
type Recorder interface {
	QueueAdd(delta float64)
	DeriveFinished(started time.Time, err error)
}

// Mirror copies a stored file elsewhere once its derivatives exist.
type Mirror interface {
	PutFile(ctx context.Context, rel string) error
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }
func WithRecorder(r Recorder) Option { return func(p *Processor) { p.recorder = r } }
func WithMirror(m Mirror) Option { return func(p *Processor) { p.mirror = m } }
func WithQueueDepth(depth int) Option { return func(p *Processor) { p.depth = depth } }

// Processor consumes Jobs and updates their lifecycle.
type Processor struct {
	store    Store
	deriver  Deriver
	recorder Recorder
	mirror   Mirror
	logger   *slog.Logger

	queue   chan Job
	workers int
	depth   int
	wg      sync.WaitGroup
}

// New builds a Processor. The queue holds four jobs per worker unless
// WithQueueDepth says otherwise.
func New(store Store, deriver Deriver, workers int, opts ...Option) *Processor {
	if workers <= 0 {
		workers = 1
	}
	p := &Processor{
		store:   store,
		deriver: deriver,
		workers: workers,
		depth:   workers * 4,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.depth <= 0 {
		p.depth = workers * 4
	}
	p.queue = make(chan Job, p.depth)
	return p
}

// Start launches worker goroutines. They exit when ctx is done.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Submit queues a job. When the queue is full the image is marked failed
// instead of blocking the upload.
func (p *Processor) Submit(job Job) bool {
	if err := p.store.UpdateStatus(job.ImageID, model.StatusQueued, ""); err != nil {
		p.logger.Error("update status failed", "image", job.ImageID, "err", err)
		return false
	}
	select {
	case p.queue <- job:
		if p.recorder != nil {
			p.recorder.QueueAdd(1)
		}
		return true
	default:
		p.logger.Warn("processor queue full, dropping job", "image", job.ImageID)
		_ = p.store.UpdateStatus(job.ImageID, model.StatusFailed, "processing queue full")
		return false
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			if p.recorder != nil {
				p.recorder.QueueAdd(-1)
			}
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	if err := p.store.UpdateStatus(job.ImageID, model.StatusProcessing, ""); err != nil {
		p.logger.Error("update status failed", "image", job.ImageID, "err", err)
		return
	}

	started := time.Now()
	set, err := p.deriver.Process(ctx, job.Path)
	if p.recorder != nil {
		p.recorder.DeriveFinished(started, err)
	}
	if err != nil {
		p.logger.Error("derivative pipeline failed", "image", job.ImageID, "path", job.Path, "err", err)
		_ = p.store.UpdateStatus(job.ImageID, model.StatusFailed, err.Error())
		return
	}

	if p.mirror != nil {
		for _, rel := range append([]string{job.Path}, variantPaths(set)...) {
			if err := p.mirror.PutFile(ctx, rel); err != nil {
				// The local copy is authoritative; a mirror miss is not fatal.
				p.logger.Warn("mirror upload failed", "path", rel, "err", err)
			}
		}
	}

	if err := p.store.Complete(job.ImageID, set); err != nil {
		p.logger.Error("update status failed", "image", job.ImageID, "err", err)
		return
	}
	p.logger.Info("derivatives ready", "image", job.ImageID, "variants", len(set.Variants))
}

func variantPaths(set model.DerivativeSet) []string {
	out := make([]string, 0, len(set.Variants))
	for _, v := range set.Variants {
		out = append(out, v.Path)
	}
	return out
}
