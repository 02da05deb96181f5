// Package metrics holds the Prometheus collectors for the cabinet server and
// jobs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors, registered on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP
	RequestsTotal   *prometheus.CounterVec   // cabinet_http_requests_total{route,method,status}
	RequestDuration *prometheus.HistogramVec // cabinet_http_request_duration_seconds{route}

	// Jobs
	FilesHashed   *prometheus.CounterVec // cabinet_files_hashed_total{outcome}
	DedupRuns     *prometheus.CounterVec // cabinet_dedup_runs_total{outcome}
	DedupDuration prometheus.Histogram   // cabinet_dedup_run_duration_seconds
	ImagesDone    *prometheus.CounterVec // cabinet_images_processed_total{stage,outcome}

	// Transfer
	ArchiveBytes prometheus.Counter // cabinet_archive_bytes_total
}

// New creates the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabinet_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cabinet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		FilesHashed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabinet_files_hashed_total",
			Help: "Objects hashed by outcome",
		}, []string{"outcome"}),
		DedupRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabinet_dedup_runs_total",
			Help: "Deduplication runs by outcome",
		}, []string{"outcome"}),
		DedupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cabinet_dedup_run_duration_seconds",
			Help:    "Deduplication run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		ImagesDone: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cabinet_images_processed_total",
			Help: "Images processed by the similarity pipeline by stage and outcome",
		}, []string{"stage", "outcome"}),
		ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "cabinet_archive_bytes_total",
			Help: "Bytes streamed in folder archives",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordHash records one object hash attempt.
func (m *Metrics) RecordHash(err error) {
	if m == nil {
		return
	}
	m.FilesHashed.WithLabelValues(outcome(err)).Inc()
}

// RecordDedupRun records a finished deduplication run.
func (m *Metrics) RecordDedupRun(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.DedupRuns.WithLabelValues(outcome(err)).Inc()
	m.DedupDuration.Observe(d.Seconds())
}

// RecordImage records one image handled by a similarity stage.
func (m *Metrics) RecordImage(stage string, err error) {
	if m == nil {
		return
	}
	m.ImagesDone.WithLabelValues(stage, outcome(err)).Inc()
}

// RecordArchive records bytes written to a folder archive.
func (m *Metrics) RecordArchive(n int64) {
	if m == nil {
		return
	}
	m.ArchiveBytes.Add(float64(n))
}
