// Package metrics exports the engine's Prometheus metrics: submission
// outcomes, request transitions, background job results and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loupe"

// Collector records engine metrics on one registry.
// It implements workflow.Observer and lifecycle.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	submissions        *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers the engine metrics on reg. A nil reg uses a fresh
// registry, which keeps tests and multiple engines apart.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Total number of submitted actions by outcome",
			},
			[]string{"action_type", "outcome"},
		),
		submissionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submission_duration_seconds",
				Help:      "Time spent evaluating and recording a submission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action_type"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of request transitions by operation and target status",
			},
			[]string{"operation", "status"},
		),
		transitionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Time spent applying a request transition",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveSubmission implements workflow.Observer.
func (c *Collector) ObserveSubmission(action approval.ActionType, outcome string, elapsed time.Duration) {
	c.submissions.WithLabelValues(string(action), outcome).Inc()
	c.submissionDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

// ObserveTransition implements lifecycle.Observer.
func (c *Collector) ObserveTransition(op lifecycle.Operation, to approval.Status, elapsed time.Duration) {
	c.transitions.WithLabelValues(string(op), string(to)).Inc()
	c.transitionDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served request. route is the route
// template, never the raw path, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns the Prometheus scrape handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
