// Package metrics exposes Prometheus collectors for jobs, the classifier, the
// notification hub and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/hostrd/internal/jobs"
)

const namespace = "hostrd"

// Metrics holds every collector, registered on its own registry so tests can
// build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	JobRuns          *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobTenantErrors  *prometheus.CounterVec
	JobSkipped       *prometheus.CounterVec
	JobLastSuccess   *prometheus.GaugeVec
	Classifications  *prometheus.CounterVec
	LLMRateLimited   prometheus.Counter
	HubConnections   prometheus.Gauge
	HubDelivered     *prometheus.CounterVec
	HubDropped       *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	APIErrorsCounter *prometheus.CounterVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job executions by outcome",
		}, []string{"job", "outcome"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),

		JobTenantErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_tenant_errors_total",
			Help:      "Tenants that failed inside a job execution",
		}, []string{"job"}),

		JobSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_triggers_skipped_total",
			Help:      "Triggers skipped because the previous execution was still running",
		}, []string{"job", "reason"}),

		JobLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful execution",
		}, []string{"job"}),

		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classifier decisions by method and ambiguity",
		}, []string{"method", "ambiguous"}),

		LLMRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_llm_rate_limited_total",
			Help:      "Inference calls refused by the per-minute budget",
		}),

		HubConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connections",
			Help:      "Currently connected real-time clients",
		}),

		HubDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_delivered_total",
			Help:      "Events delivered to connections",
		}, []string{"event"}),

		HubDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_dropped_total",
			Help:      "Events dropped because a connection buffer was full",
		}, []string{"event"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		APIErrorsCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "HTTP responses with status >= 400",
		}, []string{"method", "path", "status"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveJobRun records a finished execution.
func (m *Metrics) ObserveJobRun(run jobs.JobRun) {
	m.JobRuns.WithLabelValues(run.JobName, string(run.Outcome)).Inc()
	m.JobDuration.WithLabelValues(run.JobName).Observe(run.Duration().Seconds())
	if run.ErrorsEncountered > 0 {
		m.JobTenantErrors.WithLabelValues(run.JobName).Add(float64(run.ErrorsEncountered))
	}
	if run.Outcome == jobs.OutcomeSuccess {
		m.JobLastSuccess.WithLabelValues(run.JobName).Set(float64(run.FinishedAt.Unix()))
	}
}

// ObserveSkipped records a trigger that did not start an execution.
func (m *Metrics) ObserveSkipped(job, reason string) {
	m.JobSkipped.WithLabelValues(job, reason).Inc()
}

func (m *Metrics) ObserveClassification(method string, ambiguous bool) {
	m.Classifications.WithLabelValues(method, strconv.FormatBool(ambiguous)).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	m.LLMRateLimited.Inc()
}

func (m *Metrics) ConnectionsChanged(n int) {
	m.HubConnections.Set(float64(n))
}

func (m *Metrics) EventPublished(name string, delivered, dropped int) {
	if delivered > 0 {
		m.HubDelivered.WithLabelValues(name).Add(float64(delivered))
	}
	if dropped > 0 {
		m.HubDropped.WithLabelValues(name).Add(float64(dropped))
	}
}

// Middleware tracks request duration and error responses, labelled by the
// matched chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		m.RequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
		if status >= 400 {
			m.APIErrorsCounter.WithLabelValues(r.Method, path, code).Inc()
		}
	})
}
