package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the result cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records result cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records result cache store attempts.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationDelete records explicit removals.
	CacheOperationDelete CacheOperation = "delete"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached feedback payload.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached payload was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// Recorder publishes Prometheus metrics for status-check activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	statusRequests *prometheus.CounterVec
	statusLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	assistantCalls   *prometheus.CounterVec
	assistantRetries prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	statusRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbackd",
		Subsystem: "status",
		Name:      "requests_total",
		Help:      "Total /status requests processed by the pipeline.",
	}, []string{"run_status", "status_code", "from_cache"})

	statusLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feedbackd",
		Subsystem: "status",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed /status requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"run_status"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbackd",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Result cache operations executed by the pipeline.",
	}, []string{"operation", "result"})

	assistantCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbackd",
		Subsystem: "assistant",
		Name:      "calls_total",
		Help:      "Calls issued to the external assistant API.",
	}, []string{"operation", "result"})

	assistantRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbackd",
		Subsystem: "assistant",
		Name:      "retries_total",
		Help:      "Retry attempts against the external assistant API.",
	})

	reg.MustRegister(statusRequests, statusLatency, cacheOperations, assistantCalls, assistantRetries)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		statusRequests:   statusRequests,
		statusLatency:    statusLatency,
		cacheOperations:  cacheOperations,
		assistantCalls:   assistantCalls,
		assistantRetries: assistantRetries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveStatusRequest records the outcome and latency for a completed
// /status request.
func (r *Recorder) ObserveStatusRequest(runStatus string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	runLabel := normalizeLabel(runStatus)
	r.statusRequests.WithLabelValues(runLabel, statusLabel, cacheLabel).Inc()
	r.statusLatency.WithLabelValues(runLabel).Observe(duration.Seconds())
}

// ObserveCacheOperation records the result of a cache lookup, store, or delete.
func (r *Recorder) ObserveCacheOperation(operation CacheOperation, result string) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(result)).Inc()
}

// ObserveAssistantCall records a completed call against the external API.
func (r *Recorder) ObserveAssistantCall(operation string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.assistantCalls.WithLabelValues(normalizeLabel(operation), result).Inc()
}

// ObserveAssistantRetry counts one retry attempt against the external API.
func (r *Recorder) ObserveAssistantRetry() {
	if r == nil {
		return
	}
	r.assistantRetries.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
