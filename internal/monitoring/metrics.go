// Package monitoring exposes Prometheus metrics for the HTTP surface, the
// ingest pipeline, the operation engine and workflow executions.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "langorch_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	documentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_documents_ingested_total",
		Help: "Documents that finished ingest, by outcome.",
	}, []string{"outcome"})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "langorch_ingest_duration_seconds",
		Help:    "Wall time of the parse/chunk/embed/index pipeline.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "langorch_chunks_indexed_total",
		Help: "Chunks written to the vector index.",
	})

	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_llm_operations_total",
		Help: "Asynchronous LLM operations by type and terminal status.",
	}, []string{"type", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "langorch_llm_operation_duration_seconds",
		Help:    "Operation latency from claim to terminal status.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"type"})

	workflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_workflow_steps_total",
		Help: "Executed workflow nodes by type.",
	}, []string{"node_type"})

	workflowExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_workflow_executions_total",
		Help: "Workflow executions by terminal status.",
	}, []string{"status"})

	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_provider_requests_total",
		Help: "Upstream provider calls by provider, kind and outcome.",
	}, []string{"provider", "kind", "outcome"})

	providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "langorch_provider_request_duration_seconds",
		Help:    "Upstream provider call latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider", "kind"})

	sseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "langorch_sse_connections",
		Help: "Open Server-Sent Events streams.",
	})

	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langorch_cache_operations_total",
		Help: "Cache lookups by result.",
	}, []string{"result"})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest records one finished document ingest.
func ObserveIngest(outcome string, elapsed time.Duration, chunks int) {
	documentsIngested.WithLabelValues(outcome).Inc()
	ingestDuration.Observe(elapsed.Seconds())
	if chunks > 0 {
		chunksIndexed.Add(float64(chunks))
	}
}

// ObserveOperation records one terminal LLM operation.
func ObserveOperation(opType, status string, elapsed time.Duration) {
	operations.WithLabelValues(opType, status).Inc()
	operationDuration.WithLabelValues(opType).Observe(elapsed.Seconds())
}

// ObserveWorkflowStep counts one executed node.
func ObserveWorkflowStep(nodeType string) {
	workflowSteps.WithLabelValues(nodeType).Inc()
}

// ObserveWorkflowExecution counts one finished execution.
func ObserveWorkflowExecution(status string) {
	workflowExecutions.WithLabelValues(status).Inc()
}

// ObserveProviderCall records one upstream provider call.
func ObserveProviderCall(provider, kind, outcome string, elapsed time.Duration) {
	providerRequests.WithLabelValues(provider, kind, outcome).Inc()
	providerDuration.WithLabelValues(provider, kind).Observe(elapsed.Seconds())
}

// SSEOpened and SSEClosed track the stream connection gauge.
func SSEOpened() { sseConnections.Inc() }
func SSEClosed() { sseConnections.Dec() }

// CacheHit and CacheMiss count cache lookups.
func CacheHit()  { cacheOps.WithLabelValues("hit").Inc() }
func CacheMiss() { cacheOps.WithLabelValues("miss").Inc() }

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Instrument wraps a handler with request counting and latency observation.
// route should be the registered pattern, not the concrete URL, to keep
// cardinality bounded.
func Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.code)).Inc()
		httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	}
}
