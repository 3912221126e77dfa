// Package metrics provides Prometheus instrumentation for the clinical data
// store, the screening engine and CDS card generation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ResourceWrites     *prometheus.CounterVec
	SearchResults      *prometheus.HistogramVec
	Evaluations        prometheus.Counter
	EvaluationDuration prometheus.Histogram
	Determinations     *prometheus.CounterVec
	Cards              *prometheus.CounterVec
	EventFailures      prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates all metrics on a fresh registry, together with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ResourceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_resource_writes_total",
			Help: "Resource writes by type and operation",
		}, []string{"resource_type", "operation"}),
		SearchResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinical_search_total_matches",
			Help:    "Total matches per search",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"resource_type"}),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screening_evaluations_total",
			Help: "Patient screening evaluations run",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screening_evaluation_duration_seconds",
			Help:    "Screening evaluation latency including record assembly",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		Determinations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screening_determinations_total",
			Help: "Screening determinations by status",
		}, []string{"status"}),
		Cards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_cards_total",
			Help: "CDS cards generated by indicator",
		}, []string{"indicator"}),
		EventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Events that could not be delivered to at least one publisher",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ResourceWrites,
		m.SearchResults,
		m.Evaluations,
		m.EvaluationDuration,
		m.Determinations,
		m.Cards,
		m.EventFailures,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ResourceWritten(resourceType, operation string) {
	if m == nil {
		return
	}
	m.ResourceWrites.WithLabelValues(resourceType, operation).Inc()
}

func (m *Metrics) Searched(resourceType string, total int) {
	if m == nil {
		return
	}
	m.SearchResults.WithLabelValues(resourceType).Observe(float64(total))
}

// Evaluated records one evaluation with its per-status counts.
func (m *Metrics) Evaluated(d time.Duration, statuses []string) {
	if m == nil {
		return
	}
	m.Evaluations.Inc()
	m.EvaluationDuration.Observe(d.Seconds())
	for _, s := range statuses {
		m.Determinations.WithLabelValues(s).Inc()
	}
}

func (m *Metrics) CardGenerated(indicator string) {
	if m == nil {
		return
	}
	m.Cards.WithLabelValues(indicator).Inc()
}

func (m *Metrics) EventFailed() {
	if m == nil {
		return
	}
	m.EventFailures.Inc()
}

// Middleware records request counts and latency labelled by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
