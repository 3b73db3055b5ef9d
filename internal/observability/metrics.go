package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec

	toolCallTotal       *prometheus.CounterVec
	loopGuardTrips      *prometheus.CounterVec
	iterationCapHits    *prometheus.CounterVec
	catalogCacheTotal   *prometheus.CounterVec
	staleCredentialHits prometheus.Counter

	queueSize     *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	dequeueTotal  *prometheus.CounterVec
	queueDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by tool and phase.",
				},
				[]string{"tool", "phase"},
			),
			loopGuardTrips: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loop_guard_trips_total",
					Help: "Total loop guard trips by phase.",
				},
				[]string{"phase"},
			),
			iterationCapHits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "iteration_cap_hits_total",
					Help: "Total iteration cap hits by phase.",
				},
				[]string{"phase"},
			),
			catalogCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "catalog_cache_total",
					Help: "Catalog cache accesses by cache and outcome.",
				},
				[]string{"cache", "outcome"},
			),
			staleCredentialHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stale_credential_total",
					Help: "Total stale credential (401) responses from the mesh.",
				},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			queueDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "queue_task_duration_seconds",
					Help:    "Queue task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
		}

		prometheus.MustRegister(
			m.agentRunTotal,
			m.agentRunDuration,
			m.toolCallTotal,
			m.loopGuardTrips,
			m.iterationCapHits,
			m.catalogCacheTotal,
			m.staleCredentialHits,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.queueDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it
// is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordAgentRun records one completed agent run.
func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolCall records one executed tool call.
func RecordToolCall(tool, phase string) {
	getMetrics().toolCallTotal.WithLabelValues(tool, phase).Inc()
}

// RecordLoopGuardTrip records a loop guard intervention.
func RecordLoopGuardTrip(phase string) {
	getMetrics().loopGuardTrips.WithLabelValues(phase).Inc()
}

// RecordIterationCapHit records an iteration cap termination.
func RecordIterationCapHit(phase string) {
	getMetrics().iterationCapHits.WithLabelValues(phase).Inc()
}

// RecordCacheAccess records a catalog cache hit or miss.
func RecordCacheAccess(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	getMetrics().catalogCacheTotal.WithLabelValues(cache, outcome).Inc()
}

// RecordStaleCredential records a 401 from the mesh.
func RecordStaleCredential() {
	getMetrics().staleCredentialHits.Inc()
}

// RecordQueueEnqueue records an enqueue operation.
func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SetQueueSize sets the current queue size gauge for a lane.
func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordQueueCompletion records a completed queue task.
func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.queueDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}
