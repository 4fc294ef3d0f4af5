package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
)

type testServer struct {
	*httptest.Server
	rt *isolate.Runtime
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.EvalTimeout = time.Second
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	rt, err := isolate.New(isolate.Options{Workers: 2, Logger: zap.NewNop(), Metrics: metrics})
	require.NoError(t, err)

	srv, err := NewServer(cfg, Deps{Runtime: rt, Logger: logging.Nop(), Metrics: metrics, Gatherer: reg})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Close())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, rt.Close(ctx))
	})
	return &testServer{Server: ts, rt: rt}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (ts *testServer) create(t *testing.T, body any) string {
	t.Helper()
	status, out := ts.do(t, http.MethodPost, "/isolates", body)
	require.Equal(t, http.StatusCreated, status, out)
	return out["isolate"].(map[string]any)["id"].(string)
}

func TestIsolateLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	isolateID := ts.create(t, map[string]any{"name": "worker", "memory_limit_mb": 32})

	status, out := ts.do(t, http.MethodGet, "/isolates/"+isolateID, nil)
	require.Equal(t, http.StatusOK, status)
	info := out["isolate"].(map[string]any)
	assert.Equal(t, "worker", info["name"])
	assert.Equal(t, float64(32<<20), info["heap"].(map[string]any)["heap_size_limit"])

	status, out = ts.do(t, http.MethodGet, "/isolates", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["isolates"], 1)

	status, _ = ts.do(t, http.MethodDelete, "/isolates/"+isolateID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodGet, "/isolates/"+isolateID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEval(t *testing.T) {
	ts := newTestServer(t, nil)
	isolateID := ts.create(t, nil)
	path := "/isolates/" + isolateID + "/eval"

	status, out := ts.do(t, http.MethodPost, path, map[string]any{"code": "globalThis.n = 20; n + 22"})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, 42.0, out["result"])
	assert.Equal(t, "number", out["type"])

	status, out = ts.do(t, http.MethodPost, path, map[string]any{"code": "({list: [n, NaN], nested: {ok: true}})"})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, map[string]any{
		"list":   []any{20.0, "NaN"},
		"nested": map[string]any{"ok": true},
	}, out["result"])

	status, out = ts.do(t, http.MethodPost, path, map[string]any{"code": "Promise.resolve('later')", "promise": true})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "later", out["result"])

	status, out = ts.do(t, http.MethodPost, path, map[string]any{"code": "const o = {}; o.self = o; o"})
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "[Circular]", out["result"].(map[string]any)["self"])
}

func TestEvalErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	isolateID := ts.create(t, nil)
	path := "/isolates/" + isolateID + "/eval"

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantKind   string
	}{
		{"missing code", map[string]any{}, http.StatusBadRequest, ""},
		{"syntax error", map[string]any{"code": "let = ;"}, http.StatusBadRequest, "compile"},
		{"thrown error", map[string]any{"code": "throw new RangeError('bad')"}, http.StatusUnprocessableEntity, "runtime"},
		{"timeout", map[string]any{"code": "for (;;) {}", "timeout_ms": 50}, http.StatusRequestTimeout, "timeout"},
		{"uncloneable result", map[string]any{"code": "({fn() {}})"}, http.StatusUnprocessableEntity, "transfer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := ts.do(t, http.MethodPost, path, tt.body)
			assert.Equal(t, tt.wantStatus, status, out)
			assert.Equal(t, false, out["success"])
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, out["kind"])
			}
		})
	}

	status, out := ts.do(t, http.MethodPost, path, map[string]any{"code": "1 + 1"})
	assert.Equal(t, http.StatusOK, status, "isolate survives failed evaluations")
	assert.Equal(t, 2.0, out["result"])
}

func TestMemoryLimitDisposesIsolate(t *testing.T) {
	ts := newTestServer(t, nil)
	isolateID := ts.create(t, map[string]any{"memory_limit_mb": 8})

	status, out := ts.do(t, http.MethodPost, "/isolates/"+isolateID+"/eval", map[string]any{
		"code": "const keep = []; for (let i = 0; i < 16; i++) keep.push(new ArrayBuffer(1 << 20)); keep.length",
	})
	assert.Equal(t, http.StatusInsufficientStorage, status, out)
	assert.Equal(t, "memory_limit", out["kind"])

	assert.Eventually(t, func() bool {
		status, _ := ts.do(t, http.MethodGet, "/isolates/"+isolateID, nil)
		return status == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownIsolate(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, id := range []string{"nope", "root", "iso_01ARZ3NDEKTSV4RRFFQ69G5FAV"} {
		status, _ := ts.do(t, http.MethodGet, "/isolates/"+id, nil)
		assert.Equal(t, http.StatusNotFound, status, id)
	}
}

func TestIsolateCap(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Runtime.MaxIsolates = 1 })
	ts.create(t, nil)

	status, out := ts.do(t, http.MethodPost, "/isolates", nil)
	assert.Equal(t, http.StatusTooManyRequests, status, out)

	status, out = ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", out["breaker"], "hitting the cap does not trip the breaker")
}

func TestEvalRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1}
	})
	path := "/isolates/" + ts.create(t, nil) + "/eval"

	status, _ := ts.do(t, http.MethodPost, path, map[string]any{"code": "1"})
	assert.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodPost, path, map[string]any{"code": "1"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.create(t, nil)

	status, out := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, 1.0, out["isolates"])

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "isolates_created_total 1")

	status, out = ts.do(t, http.MethodGet, "/metrics/json", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, out, "uptime_seconds")
}

func TestResponsesAreCompressed(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.create(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestInspectorWebSocket(t *testing.T) {
	ts := newTestServer(t, nil)
	isolateID := ts.create(t, map[string]any{"inspector": true})
	plain := ts.create(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/isolates/" + isolateID + "/inspector"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":1,"method":"Runtime.evaluate","params":{"expression":"40 + 2"}}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, 1.0, msg["id"])
	assert.Equal(t, 42.0, msg["result"].(map[string]any)["result"].(map[string]any)["value"])

	status, _ := ts.do(t, http.MethodDelete, "/isolates/"+isolateID, nil)
	require.Equal(t, http.StatusOK, status)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	plainURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/isolates/" + plain + "/inspector"
	_, resp, err := websocket.DefaultDialer.Dial(plainURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	rt, err := isolate.New(isolate.Options{Workers: 1, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	srv, err := NewServer(cfg, Deps{Runtime: rt})
	require.NoError(t, err)
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
