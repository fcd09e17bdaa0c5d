// Package metrics provides Prometheus metrics for the posting scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scheduler. All Record
// helpers are nil-receiver safe so components can run unmetered in tests.
type Metrics struct {
	PostsTotal          *prometheus.CounterVec
	UploadsTotal        *prometheus.CounterVec
	UploadDuration      *prometheus.HistogramVec
	TokenRefreshesTotal *prometheus.CounterVec
	QueuePending        prometheus.Gauge
	ErrorsTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PostsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_posts_total",
				Help: "Total number of post attempts by status.",
			},
			[]string{"status"},
		),
		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_media_uploads_total",
				Help: "Total number of media uploads by category and status.",
			},
			[]string{"category", "status"},
		),
		UploadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduler_media_upload_duration_seconds",
				Help:    "Media upload duration, including processing polls, by category.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"category"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_token_refreshes_total",
				Help: "Total number of token refresh attempts by status.",
			},
			[]string{"status"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_queue_pending",
				Help: "Number of unposted items remaining in the source.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.PostsTotal)
	reg.MustRegister(m.UploadsTotal)
	reg.MustRegister(m.UploadDuration)
	reg.MustRegister(m.TokenRefreshesTotal)
	reg.MustRegister(m.QueuePending)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPost increments the post counter.
func (m *Metrics) RecordPost(status string) {
	if m == nil {
		return
	}
	m.PostsTotal.WithLabelValues(status).Inc()
}

// RecordUpload increments the upload counter.
func (m *Metrics) RecordUpload(category, status string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(category, status).Inc()
}

// ObserveUploadDuration records a full upload duration.
func (m *Metrics) ObserveUploadDuration(category string, seconds float64) {
	if m == nil {
		return
	}
	m.UploadDuration.WithLabelValues(category).Observe(seconds)
}

// RecordRefresh increments the token refresh counter.
func (m *Metrics) RecordRefresh(status string) {
	if m == nil {
		return
	}
	m.TokenRefreshesTotal.WithLabelValues(status).Inc()
}

// SetQueuePending sets the remaining unposted item count.
func (m *Metrics) SetQueuePending(count float64) {
	if m == nil {
		return
	}
	m.QueuePending.Set(count)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
