package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchedulerMetrics captures job lifecycle counters.
type SchedulerMetrics interface {
	IncJobsSubmitted(class string)
	IncJobsDispatched(class string)
	IncJobsCompleted(class, status string)
	SetJobsInState(class, status string, n int)
}

// PipelineMetrics captures ingestion stage timings and outcomes.
type PipelineMetrics interface {
	ObserveStage(stage, outcome string, durationSeconds float64)
	IncIngestions(state string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncRateLimited(route string)
}

// EventMetrics captures event hub traffic.
type EventMetrics interface {
	IncEventsPublished(eventType string)
	AddEventsDropped(n int)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncJobsSubmitted(string)                        {}
func (Noop) IncJobsDispatched(string)                       {}
func (Noop) IncJobsCompleted(string, string)                {}
func (Noop) SetJobsInState(string, string, int)             {}
func (Noop) ObserveStage(string, string, float64)           {}
func (Noop) IncIngestions(string)                           {}
func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncRateLimited(string)                          {}
func (Noop) IncEventsPublished(string)                      {}
func (Noop) AddEventsDropped(int)                           {}

// Registry owns a private Prometheus registry and every collector the service exports.
type Registry struct {
	reg *prometheus.Registry

	jobsSubmitted  *prometheus.CounterVec
	jobsDispatched *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsInState    *prometheus.GaugeVec

	stageDuration *prometheus.HistogramVec
	ingestions    *prometheus.CounterVec

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
}

// New builds a Registry whose metric names are prefixed with namespace.
func New(namespace string) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted by class",
		}, []string{"class"}),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs moved to running by class",
		}, []string{"class"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal status by class and status",
		}, []string{"class", "status"}),
		jobsInState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current jobs by class and status",
		}, []string{"class", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_duration_seconds",
			Help:      "Pipeline stage latency by stage and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage", "outcome"}),
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Ingestion state transitions by resulting state",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the rate limiter per route",
		}, []string{"route"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events published by type",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped from slow subscriber buffers",
		}),
	}
	r.reg.MustRegister(
		r.jobsSubmitted, r.jobsDispatched, r.jobsCompleted, r.jobsInState,
		r.stageDuration, r.ingestions,
		r.requests, r.latency, r.rateLimited,
		r.eventsPublished, r.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns the text exposition handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) IncJobsSubmitted(class string) {
	r.jobsSubmitted.WithLabelValues(class).Inc()
}

func (r *Registry) IncJobsDispatched(class string) {
	r.jobsDispatched.WithLabelValues(class).Inc()
}

func (r *Registry) IncJobsCompleted(class, status string) {
	r.jobsCompleted.WithLabelValues(class, status).Inc()
}

func (r *Registry) SetJobsInState(class, status string, n int) {
	r.jobsInState.WithLabelValues(class, status).Set(float64(n))
}

func (r *Registry) ObserveStage(stage, outcome string, durationSeconds float64) {
	r.stageDuration.WithLabelValues(stage, outcome).Observe(durationSeconds)
}

func (r *Registry) IncIngestions(state string) {
	r.ingestions.WithLabelValues(state).Inc()
}

func (r *Registry) ObserveRequest(method, route, status string, durationSeconds float64) {
	r.requests.WithLabelValues(method, route, status).Inc()
	r.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (r *Registry) IncRateLimited(route string) {
	r.rateLimited.WithLabelValues(route).Inc()
}

func (r *Registry) IncEventsPublished(eventType string) {
	r.eventsPublished.WithLabelValues(eventType).Inc()
}

func (r *Registry) AddEventsDropped(n int) {
	if n > 0 {
		r.eventsDropped.Add(float64(n))
	}
}
