package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolateLifecycleMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IsolateCreated()
	m.IsolateCreated()
	m.IsolateDisposed("memory_limit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IsolatesCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsolatesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsolatesDisposed.WithLabelValues("memory_limit")))
	assert.EqualValues(t, 1, m.Snapshot().ActiveIsolates)
}

func TestTaskMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTask("task", "ok", time.Millisecond)
	m.RecordTask("interrupt", "aborted", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues("task", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues("interrupt", "aborted")))
	assert.EqualValues(t, 2, m.Snapshot().TasksRun)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.IsolateCreated()
		m.RecordTask("task", "ok", time.Second)
		m.IncMemoryLimitHits()
		m.RecordReferenceCall("apply", "ok", time.Second)
		NewTimer(m, "get").Stop("ok")
	})
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/isolates/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/metrics", gin.WrapH(Handler(reg)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/isolates/iso_123", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/isolates/:id", "404")))
	assert.EqualValues(t, 1, m.Snapshot().TotalErrors)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "isolates_http_requests_total")
}
