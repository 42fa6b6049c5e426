package server

import (
	"log/slog"

	"github.com/dharsanguruparan/GalleryDrop/internal/config"
	"github.com/dharsanguruparan/GalleryDrop/internal/metrics"
	"github.com/dharsanguruparan/GalleryDrop/internal/pathgen"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

// NewDecoder builds the upload decoder every front end shares: limits come
// from cfg, stored files are counted by m when it is non-nil.
func NewDecoder(cfg *config.Config, alloc *pathgen.Allocator, m *metrics.Metrics, logger *slog.Logger) *upload.Decoder {
	limits := upload.Limits{
		MaxFiles:      cfg.MaxFiles,
		MaxFields:     cfg.MaxFields,
		MaxFieldBytes: cfg.MaxFieldBytes,
		MaxFileBytes:  cfg.MaxFileSize,
		MaxDepth:      cfg.MaxDepth,
	}
	var opts []upload.Option
	if logger != nil {
		opts = append(opts, upload.WithLogger(logger))
	}
	if m != nil {
		opts = append(opts, upload.WithObserver(m))
	}
	if cfg.StrictForms {
		opts = append(opts, upload.WithStrictMerge())
	}
	return upload.NewDecoder(cfg.UploadRoot, alloc, limits, opts...)
}
