package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. Every method is safe on a nil
// receiver so components can run without a collector.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Isolate metrics
	IsolatesActive   prometheus.Gauge
	IsolatesCreated  prometheus.Counter
	IsolatesDisposed *prometheus.CounterVec

	// Scheduler metrics
	Tasks        *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Memory metrics
	MemoryLimitHits      prometheus.Counter
	LowMemoryCollections prometheus.Counter
	HeapPrecheckRejects  prometheus.Counter

	// Reference metrics
	ReferenceCalls    *prometheus.CounterVec
	ReferenceDuration *prometheus.HistogramVec

	// Inspector metrics
	InspectorSessions prometheus.Gauge
	WSMessages        *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
	ActiveIsolates   int64   `json:"active_isolates"`
	TasksRun         int64   `json:"tasks_run"`
	MemoryLimitHits  int64   `json:"memory_limit_hits"`
	TotalDuration    float64 `json:"total_duration_seconds"`
	RequestCount     int64   `json:"request_count"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	InspectorClients int64   `json:"inspector_clients"`
}

// NewMetrics creates a collector whose metrics are registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	// HTTP metrics
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolates_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolates_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
	m.RequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolates_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
	m.ResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolates_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	// Isolate metrics
	m.IsolatesActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "isolates_active",
		Help: "Number of live isolates, excluding the root",
	})
	m.IsolatesCreated = factory.NewCounter(prometheus.CounterOpts{
		Name: "isolates_created_total",
		Help: "Total number of isolates created",
	})
	m.IsolatesDisposed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolates_disposed_total",
			Help: "Total number of isolates disposed, by reason",
		},
		[]string{"reason"},
	)

	// Scheduler metrics
	m.Tasks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolates_tasks_total",
			Help: "Total number of runnables executed or aborted",
		},
		[]string{"kind", "status"},
	)
	m.TaskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolates_task_duration_seconds",
			Help:    "Runnable execution time in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"kind"},
	)

	// Memory metrics
	m.MemoryLimitHits = factory.NewCounter(prometheus.CounterOpts{
		Name: "isolates_memory_limit_hits_total",
		Help: "Isolates terminated for exceeding their memory limit",
	})
	m.LowMemoryCollections = factory.NewCounter(prometheus.CounterOpts{
		Name: "isolates_low_memory_collections_total",
		Help: "Garbage collections forced by isolates near their memory limit",
	})
	m.HeapPrecheckRejects = factory.NewCounter(prometheus.CounterOpts{
		Name: "isolates_heap_precheck_rejects_total",
		Help: "Transfers rejected because the destination heap would overflow",
	})

	// Reference metrics
	m.ReferenceCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolates_reference_calls_total",
			Help: "Total number of cross-isolate reference operations",
		},
		[]string{"op", "status"},
	)
	m.ReferenceDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isolates_reference_duration_seconds",
			Help:    "Cross-isolate reference operation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"op"},
	)

	// Inspector metrics
	m.InspectorSessions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "isolates_inspector_sessions",
		Help: "Number of open inspector sessions",
	})
	m.WSMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isolates_ws_messages_total",
			Help: "Total number of inspector WebSocket messages",
		},
		[]string{"direction"},
	)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "isolates_uptime_seconds",
		Help: "Process uptime in seconds",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// IsolateCreated records a new non-root isolate.
func (m *Metrics) IsolateCreated() {
	if m == nil {
		return
	}
	m.IsolatesCreated.Inc()
	m.IsolatesActive.Inc()
	m.mu.Lock()
	m.snapshot.ActiveIsolates++
	m.mu.Unlock()
}

// IsolateDisposed records the teardown of a non-root isolate.
func (m *Metrics) IsolateDisposed(reason string) {
	if m == nil {
		return
	}
	m.IsolatesActive.Dec()
	m.IsolatesDisposed.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snapshot.ActiveIsolates--
	m.mu.Unlock()
}

// RecordTask records one runnable. Kind is "task" or "interrupt"; status is
// "ok", "aborted" or "fatal".
func (m *Metrics) RecordTask(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(kind, status).Inc()
	if status != "aborted" {
		m.TaskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
	m.mu.Lock()
	m.snapshot.TasksRun++
	m.mu.Unlock()
}

// IncMemoryLimitHits records an isolate terminated for memory.
func (m *Metrics) IncMemoryLimitHits() {
	if m == nil {
		return
	}
	m.MemoryLimitHits.Inc()
	m.mu.Lock()
	m.snapshot.MemoryLimitHits++
	m.mu.Unlock()
}

// IncLowMemoryCollections records a forced collection.
func (m *Metrics) IncLowMemoryCollections() {
	if m == nil {
		return
	}
	m.LowMemoryCollections.Inc()
}

// IncHeapPrecheckRejects records a transfer refused by the heap pre-check.
func (m *Metrics) IncHeapPrecheckRejects() {
	if m == nil {
		return
	}
	m.HeapPrecheckRejects.Inc()
}

// RecordReferenceCall records a reference operation.
func (m *Metrics) RecordReferenceCall(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReferenceCalls.WithLabelValues(op, status).Inc()
	m.ReferenceDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// IncInspectorSessions increments open inspector sessions
func (m *Metrics) IncInspectorSessions() {
	if m == nil {
		return
	}
	m.InspectorSessions.Inc()
	m.mu.Lock()
	m.snapshot.InspectorClients++
	m.mu.Unlock()
}

// DecInspectorSessions decrements open inspector sessions
func (m *Metrics) DecInspectorSessions() {
	if m == nil {
		return
	}
	m.InspectorSessions.Dec()
	m.mu.Lock()
	m.snapshot.InspectorClients--
	m.mu.Unlock()
}

// RecordWSMessage records an inspector WebSocket message
func (m *Metrics) RecordWSMessage(direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction).Inc()
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
