// Package metrics exposes Prometheus collectors for uploads and derivative
// rendering.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

const namespace = "gallerydrop"

// Metrics implements upload.Observer.
type Metrics struct {
	registry *prometheus.Registry

	uploads       prometheus.Counter
	filesStored   prometheus.Counter
	storedBytes   prometheus.Counter
	fieldBytes    prometheus.Counter
	rejections    *prometheus.CounterVec
	derivatives   *prometheus.CounterVec
	deriveSeconds prometheus.Histogram
	queueDepth    prometheus.Gauge
}

var _ upload.Observer = (*Metrics)(nil)

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		uploads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload requests decoded successfully.",
		}),
		filesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_stored_total",
			Help:      "File parts persisted under the upload root.",
		}),
		storedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_bytes_total",
			Help:      "Bytes written for file parts.",
		}),
		fieldBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_bytes_total",
			Help:      "Bytes accepted in text fields.",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected upload requests by error kind.",
		}, []string{"kind"}),
		derivatives: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derivatives_total",
			Help:      "Derivative pipeline runs by outcome.",
		}, []string{"status"}),
		deriveSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "derive_duration_seconds",
			Help:      "Time spent rendering one derivative set.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "derive_queue_depth",
			Help:      "Images waiting for derivative rendering.",
		}),
	}
}

func (m *Metrics) FileStored(f model.StoredFile) {
	m.filesStored.Inc()
	m.storedBytes.Add(float64(f.Size))
}

func (m *Metrics) FieldAccepted(size int) {
	m.fieldBytes.Add(float64(size))
}

func (m *Metrics) Rejected(err error) {
	m.rejections.WithLabelValues(upload.Classify(err).String()).Inc()
}

// UploadCompleted counts a request that decoded without error.
func (m *Metrics) UploadCompleted() {
	m.uploads.Inc()
}

// DeriveFinished records one pipeline run.
func (m *Metrics) DeriveFinished(started time.Time, err error) {
	status := "complete"
	if err != nil {
		status = "failed"
	}
	m.derivatives.WithLabelValues(status).Inc()
	m.deriveSeconds.Observe(time.Since(started).Seconds())
}

func (m *Metrics) QueueAdd(delta float64) {
	m.queueDepth.Add(delta)
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
