// Package metrics exposes the storage engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the storage engine reports to. A nil Recorder is never
// passed around; use Discard instead.
type Recorder interface {
	ConnectAttempt(outcome string)
	Upload(bucket string, outcome string, bytes int64, elapsed time.Duration)
	Remove(bucket string, outcome string)
	TransportNotification(kind string)
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeCached  = "cached"
)

type discard struct{}

func (discard) ConnectAttempt(string) {}
func (discard) Upload(string, string, int64, time.Duration) {}
func (discard) Remove(string, string) {}
func (discard) TransportNotification(string) {}

// Discard drops every observation.
var Discard Recorder = discard{}

// Collector records into its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	uploadedBytes   *prometheus.CounterVec
	uploadDuration  *prometheus.HistogramVec
	removals        *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_connect_attempts_total",
			Help: "Backend connection attempts by outcome",
		}, []string{"outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_uploads_total",
			Help: "Handled uploads by bucket and outcome",
		}, []string{"bucket", "outcome"}),
		uploadedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_uploaded_bytes_total",
			Help: "Bytes stored by successful uploads",
		}, []string{"bucket"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridstore_upload_duration_seconds",
			Help:    "Time spent streaming one upload into the backend",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"bucket"}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_removals_total",
			Help: "Removed files by bucket and outcome",
		}, []string{"bucket", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridstore_transport_notifications_total",
			Help: "Transport notifications forwarded as dbError",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.connectAttempts,
		c.uploads,
		c.uploadedBytes,
		c.uploadDuration,
		c.removals,
		c.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) ConnectAttempt(outcome string) {
	c.connectAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collector) Upload(bucket string, outcome string, bytes int64, elapsed time.Duration) {
	c.uploads.WithLabelValues(bucket, outcome).Inc()
	if outcome == OutcomeSuccess {
		c.uploadedBytes.WithLabelValues(bucket).Add(float64(bytes))
		c.uploadDuration.WithLabelValues(bucket).Observe(elapsed.Seconds())
	}
}

func (c *Collector) Remove(bucket string, outcome string) {
	c.removals.WithLabelValues(bucket, outcome).Inc()
}

func (c *Collector) TransportNotification(kind string) {
	c.notifications.WithLabelValues(kind).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
