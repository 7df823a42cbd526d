// Package metrics collects Prometheus metrics for the dashboard service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Credential outcomes recorded by the request pipeline.
const (
	CredentialAttached  = "attached"
	CredentialAnonymous = "anonymous"
	CredentialFailed    = "failed"
)

// Recorder is the metrics surface used by the session, pipeline and upload components.
type Recorder interface {
	RecordCredential(outcome string)
	RecordSessionTransition(state string)
	RecordProfileFetch(success bool)
	RecordAuthOperation(operation, outcome string)
	RecordUpload(outcome string, duration time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordCredential(string)            {}
func (Nop) RecordSessionTransition(string)     {}
func (Nop) RecordProfileFetch(bool)            {}
func (Nop) RecordAuthOperation(string, string) {}
func (Nop) RecordUpload(string, time.Duration) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	credentials   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	profileFetch  *prometheus.CounterVec
	authOps       *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	uploadLatency prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		credentials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "align_pipeline_requests_total",
			Help: "Outbound backend requests by credential outcome.",
		}, []string{"credential"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "align_session_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
		profileFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "align_profile_fetch_total",
			Help: "Profile fetches by result.",
		}, []string{"result"}),
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "align_auth_operations_total",
			Help: "Identity provider operations by outcome.",
		}, []string{"operation", "outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "align_resume_uploads_total",
			Help: "Resume parse submissions by outcome.",
		}, []string{"outcome"}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "align_resume_upload_latency_seconds",
			Help:    "Latency of resume parse requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.credentials,
		c.transitions,
		c.profileFetch,
		c.authOps,
		c.uploads,
		c.uploadLatency,
	)

	return c
}

// RecordCredential counts a pipeline credential resolution.
func (c *Collector) RecordCredential(outcome string) {
	c.credentials.WithLabelValues(outcome).Inc()
}

// RecordSessionTransition counts a committed session state.
func (c *Collector) RecordSessionTransition(state string) {
	c.transitions.WithLabelValues(state).Inc()
}

// RecordProfileFetch counts a profile fetch result.
func (c *Collector) RecordProfileFetch(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.profileFetch.WithLabelValues(result).Inc()
}

// RecordAuthOperation counts an identity provider call.
func (c *Collector) RecordAuthOperation(operation, outcome string) {
	c.authOps.WithLabelValues(operation, outcome).Inc()
}

// RecordUpload counts a finished submission and observes its latency.
func (c *Collector) RecordUpload(outcome string, duration time.Duration) {
	c.uploads.WithLabelValues(outcome).Inc()
	c.uploadLatency.Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
