package http

import (
	"context"
	"errors"
	"math"
	"math/big"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// fail writes err with the status its kind maps to.
func (h *Handlers) fail(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func errorResponse(err error) (int, gin.H) {
	body := gin.H{
		"success": false,
		"error":   err.Error(),
		"kind":    vmerr.Kind(err),
	}

	var (
		compile *vmerr.CompileError
		runtime *vmerr.RuntimeError
		copied  *transfer.Error
	)
	switch {
	case errors.Is(err, vmerr.ErrMemoryLimitExceeded):
		return http.StatusInsufficientStorage, body
	case errors.Is(err, vmerr.ErrTimeout):
		return http.StatusRequestTimeout, body
	case errors.As(err, &compile):
		body["line"] = compile.Line
		body["column"] = compile.Column
		return http.StatusBadRequest, body
	case errors.As(err, &runtime):
		body["name"] = runtime.Name
		body["message"] = runtime.Message
		body["stack"] = runtime.Stack
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &copied):
		body["name"] = copied.Type().String()
		body["message"] = copied.Message()
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, vmerr.ErrReferenceInvalid):
		return http.StatusGone, body
	case errors.Is(err, vmerr.ErrTransfer), errors.Is(err, isolate.ErrPromisePending):
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, ErrTooManyIsolates):
		return http.StatusTooManyRequests, body
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests),
		errors.Is(err, isolate.ErrRuntimeClosed):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, body
	}
	return http.StatusInternalServerError, body
}

// jsonSafe rewrites an exported script value into something encoding/json
// accepts. Non-finite numbers become their script spelling and cycles become
// "[Circular]".
func jsonSafe(v any) any {
	return (&sanitizer{path: make(map[uintptr]bool)}).value(v)
}

type sanitizer struct {
	path map[uintptr]bool
}

func (s *sanitizer) value(v any) any {
	switch x := v.(type) {
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "Infinity"
		case math.IsInf(x, -1):
			return "-Infinity"
		}
		return x
	case *big.Int:
		return x.String() + "n"
	case *transfer.Error:
		return gin.H{"name": x.Type().String(), "message": x.Message(), "stack": x.Stack()}
	case *transfer.ViewValue:
		return gin.H{"view": x.Kind.String(), "bytes": x.Bytes}
	case []any:
		return s.enter(x, func() any {
			out := make([]any, len(x))
			for i, e := range x {
				out[i] = s.value(e)
			}
			return out
		})
	case map[string]any:
		return s.enter(x, func() any {
			out := make(map[string]any, len(x))
			for k, e := range x {
				out[k] = s.value(e)
			}
			return out
		})
	case []transfer.MapEntry:
		return s.enter(x, func() any {
			out := make([][2]any, len(x))
			for i, e := range x {
				out[i] = [2]any{s.value(e.Key), s.value(e.Value)}
			}
			return out
		})
	}
	return v
}

// enter guards against cycles: a container already on the current path is
// not descended into again.
func (s *sanitizer) enter(container any, fn func() any) any {
	rv := reflect.ValueOf(container)
	if rv.Len() == 0 {
		return fn()
	}
	ptr := rv.Pointer()
	if s.path[ptr] {
		return "[Circular]"
	}
	s.path[ptr] = true
	defer delete(s.path, ptr)
	return fn()
}
