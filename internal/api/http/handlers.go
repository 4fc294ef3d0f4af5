package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// ErrTooManyIsolates is returned when the isolate cap is reached.
var ErrTooManyIsolates = errors.New("isolate limit reached")

// Options tune the isolate API.
type Options struct {
	// EvalTimeout applies to evaluations that do not ask for a timeout.
	EvalTimeout time.Duration
	// MaxIsolates caps live isolates created through the API; zero is no cap.
	MaxIsolates int
	// Snapshot primes isolates that do not opt out of it.
	Snapshot *isolate.Snapshot
	// Inspector allows clients to request an inspector.
	Inspector bool
}

// Handlers serves the isolate API.
type Handlers struct {
	runtime *isolate.Runtime
	opts    Options
	breaker *resilience.Breaker
	tracer  *tracing.Tracer
	metrics *monitoring.Metrics
	logger  *zap.Logger
	started time.Time
}

// NewHandlers creates the handlers. Isolate creation goes through a circuit
// breaker that opens after five consecutive failures.
func NewHandlers(rt *isolate.Runtime, opts Options, tracer *tracing.Tracer, metrics *monitoring.Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := resilience.New("isolate-create", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, ErrTooManyIsolates) && !errors.Is(err, isolate.ErrRuntimeClosed)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Handlers{
		runtime: rt,
		opts:    opts,
		breaker: breaker,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		started: time.Now(),
	}
}

// Lookup resolves the :id parameter to a live child isolate, writing a 404
// when there is none.
func (h *Handlers) Lookup(c *gin.Context) (*isolate.Environment, bool) {
	isolateID, err := id.ParseIsolateID(c.Param("id"))
	if err == nil {
		if env, ok := h.runtime.Lookup(isolateID); ok && !env.IsRoot() {
			return env, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   "isolate not found",
	})
	return nil, false
}

// Health reports liveness and the number of live isolates.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"isolates":       len(h.children()),
		"breaker":        h.breaker.State().String(),
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
}

// MetricsJSON returns the metrics snapshot as JSON.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

type createRequest struct {
	Name          string `json:"name"`
	MemoryLimitMB int    `json:"memory_limit_mb" binding:"gte=0"`
	Inspector     bool   `json:"inspector"`
	// Snapshot defaults to true when the server has one.
	Snapshot *bool `json:"snapshot"`
}

// CreateIsolate starts a new isolate.
func (h *Handlers) CreateIsolate(c *gin.Context) {
	var req createRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Invalid request: " + err.Error(),
			})
			return
		}
	}
	if req.Inspector && !h.opts.Inspector {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "inspector is disabled on this server",
		})
		return
	}

	constraints := isolate.Constraints{
		Name:          req.Name,
		MemoryLimitMB: req.MemoryLimitMB,
		Inspector:     req.Inspector,
	}
	if req.Snapshot == nil || *req.Snapshot {
		constraints.Snapshot = h.opts.Snapshot
	}

	holder, err := resilience.Do(h.breaker, func() (*isolate.Holder, error) {
		if h.opts.MaxIsolates > 0 && len(h.children()) >= h.opts.MaxIsolates {
			return nil, ErrTooManyIsolates
		}
		return h.runtime.CreateEnvironment(constraints)
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	env := holder.Environment()
	if env == nil {
		h.fail(c, vmerr.ErrReferenceInvalid)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"isolate": describe(env),
	})
}

// ListIsolates lists live isolates, oldest first.
func (h *Handlers) ListIsolates(c *gin.Context) {
	children := h.children()
	infos := make([]isolateInfo, 0, len(children))
	for _, env := range children {
		infos = append(infos, describe(env))
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"isolates": infos,
	})
}

// GetIsolate returns one isolate's status.
func (h *Handlers) GetIsolate(c *gin.Context) {
	env, ok := h.Lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"isolate": describe(env),
	})
}

type evalRequest struct {
	Code      string `json:"code" binding:"required"`
	Filename  string `json:"filename"`
	TimeoutMS int64  `json:"timeout_ms" binding:"gte=0"`
	Promise   bool   `json:"promise"`
}

// Eval runs code in the isolate and returns a copy of the completion value.
func (h *Handlers) Eval(c *gin.Context) {
	env, ok := h.Lookup(c)
	if !ok {
		return
	}

	var req evalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}
	if req.Filename == "" {
		req.Filename = "eval.js"
	}
	opts := isolate.RunOptions{Timeout: h.opts.EvalTimeout, Promise: req.Promise}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	span, ctx := h.tracer.StartSpan(c.Request.Context(), "isolate.eval")
	span.SetTag("isolate", env.ID().String())
	span.SetTag("filename", req.Filename)
	result, err := env.Holder().Eval(ctx, req.Filename, req.Code, opts)
	span.SetError(err)
	h.tracer.Finish(span)

	if err != nil {
		h.fail(c, err)
		return
	}

	value, err := transfer.Export(result)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"type":    result.Kind().String(),
		"result":  jsonSafe(value),
	})
}

// DeleteIsolate disposes an isolate and waits for its teardown.
func (h *Handlers) DeleteIsolate(c *gin.Context) {
	env, ok := h.Lookup(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := env.Holder().Dispose(ctx); err != nil && !errors.Is(err, vmerr.ErrReferenceInvalid) {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      env.ID(),
	})
}

func (h *Handlers) children() []*isolate.Environment {
	all := h.runtime.Environments()
	children := all[:0:0]
	for _, env := range all {
		if !env.IsRoot() {
			children = append(children, env)
		}
	}
	return children
}

type isolateInfo struct {
	ID         id.IsolateID           `json:"id"`
	Name       string                 `json:"name"`
	Created    time.Time              `json:"created"`
	Terminated bool                   `json:"terminated"`
	Inspector  bool                   `json:"inspector"`
	CPUTimeMS  float64                `json:"cpu_time_ms"`
	WallTimeMS float64                `json:"wall_time_ms"`
	Heap       isolate.HeapStatistics `json:"heap"`
}

func describe(env *isolate.Environment) isolateInfo {
	return isolateInfo{
		ID:         env.ID(),
		Name:       env.Name(),
		Created:    env.Created(),
		Terminated: env.Terminated(),
		Inspector:  env.Inspector() != nil,
		CPUTimeMS:  float64(env.CPUTime()) / float64(time.Millisecond),
		WallTimeMS: float64(env.WallTime()) / float64(time.Millisecond),
		Heap:       env.HeapStatistics(),
	}
}
