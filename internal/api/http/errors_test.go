package http

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

func TestErrorResponseStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"compile", &vmerr.CompileError{File: "a.js", Line: 1, Column: 5, Message: "Unexpected token"}, http.StatusBadRequest},
		{"runtime", &vmerr.RuntimeError{Name: "TypeError", Message: "x is not a function"}, http.StatusUnprocessableEntity},
		{"copied error", transfer.NewError(transfer.ErrorTypeRange, "bad", ""), http.StatusUnprocessableEntity},
		{"timeout", vmerr.ErrTimeout, http.StatusRequestTimeout},
		{"wrapped timeout", fmt.Errorf("eval: %w", vmerr.ErrTimeout), http.StatusRequestTimeout},
		{"memory", vmerr.ErrMemoryLimitExceeded, http.StatusInsufficientStorage},
		{"disposed", vmerr.ErrReferenceInvalid, http.StatusGone},
		{"transfer", vmerr.NewTransferError("function", "", nil), http.StatusUnprocessableEntity},
		{"pending promise", isolate.ErrPromisePending, http.StatusUnprocessableEntity},
		{"cap", ErrTooManyIsolates, http.StatusTooManyRequests},
		{"breaker open", resilience.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"runtime closed", isolate.ErrRuntimeClosed, http.StatusServiceUnavailable},
		{"client gone", context.Canceled, http.StatusGatewayTimeout},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestErrorResponseDetails(t *testing.T) {
	_, body := errorResponse(&vmerr.CompileError{File: "a.js", Line: 3, Column: 7, Message: "Unexpected token"})
	assert.Equal(t, "compile", body["kind"])
	assert.Equal(t, 3, body["line"])
	assert.Equal(t, 7, body["column"])

	_, body = errorResponse(&vmerr.RuntimeError{Name: "RangeError", Message: "bad", Stack: "at a.js:1:1"})
	assert.Equal(t, "runtime", body["kind"])
	assert.Equal(t, "RangeError", body["name"])
	assert.Equal(t, "at a.js:1:1", body["stack"])
}

func TestJSONSafe(t *testing.T) {
	assert.Equal(t, "NaN", jsonSafe(math.NaN()))
	assert.Equal(t, "Infinity", jsonSafe(math.Inf(1)))
	assert.Equal(t, "-Infinity", jsonSafe(math.Inf(-1)))
	assert.Equal(t, 1.5, jsonSafe(1.5))
	assert.Equal(t, "12345678901234567890n", jsonSafe(new(big.Int).SetUint64(12345678901234567890)))

	entries := []transfer.MapEntry{{Key: "a", Value: math.Inf(1)}}
	assert.Equal(t, [][2]any{{"a", "Infinity"}}, jsonSafe(entries))

	view := &transfer.ViewValue{Kind: transfer.ViewUint8, Bytes: []byte{1, 2}}
	assert.Equal(t, gin.H{"view": "Uint8Array", "bytes": []byte{1, 2}}, jsonSafe(view))
}

func TestJSONSafeCycles(t *testing.T) {
	obj := map[string]any{"name": "root"}
	obj["self"] = obj
	list := []any{1.0, nil}
	list[1] = list
	shared := map[string]any{"v": 1.0}

	got := jsonSafe(map[string]any{"obj": obj, "list": list, "a": shared, "b": shared}).(map[string]any)

	assert.Equal(t, map[string]any{"name": "root", "self": "[Circular]"}, got["obj"])
	assert.Equal(t, []any{1.0, "[Circular]"}, got["list"])
	assert.Equal(t, map[string]any{"v": 1.0}, got["a"], "repeated non-cyclic values are kept")
	assert.Equal(t, map[string]any{"v": 1.0}, got["b"])
}
