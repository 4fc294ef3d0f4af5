package isolate

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

func nextMessage(t *testing.T, s *InspectorSession) map[string]any {
	t.Helper()
	select {
	case data, ok := <-s.Messages():
		require.True(t, ok, "session closed")
		var msg map[string]any
		require.NoError(t, sonic.Unmarshal(data, &msg))
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no inspector message")
		return nil
	}
}

func TestInspectorRequiresEnabling(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	_, err := h.Environment().GetInspectorSession()
	assert.ErrorIs(t, err, ErrInspectorDisabled)

	agent := h.Environment().EnableInspector()
	assert.Same(t, agent, h.Environment().EnableInspector())
	_, err = h.Environment().GetInspectorSession()
	assert.NoError(t, err)
}

func TestInspectorEvaluate(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{Inspector: true})

	s, err := h.Environment().GetInspectorSession()
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	require.NoError(t, s.Dispatch([]byte(`{"id":1,"method":"Runtime.evaluate","params":{"expression":"6 * 7"}}`)))
	msg := nextMessage(t, s)
	assert.Equal(t, 1.0, msg["id"])
	result := msg["result"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, "number", result["type"])
	assert.Equal(t, 42.0, result["value"])

	require.NoError(t, s.Dispatch([]byte(`{"id":2,"method":"Runtime.evaluate","params":{"expression":"throw new Error('x')"}}`)))
	msg = nextMessage(t, s)
	assert.Contains(t, msg["result"], "exceptionDetails")

	require.NoError(t, s.Dispatch([]byte(`{"id":3,"method":"Debugger.pause"}`)))
	msg = nextMessage(t, s)
	assert.Equal(t, 3.0, msg["id"])
	assert.Equal(t, float64(codeMethodNotFound), msg["error"].(map[string]any)["code"])

	require.NoError(t, s.Dispatch([]byte(`{"id":4,"method":"Runtime.getHeapUsage"}`)))
	msg = nextMessage(t, s)
	assert.Contains(t, msg["result"], "usedSize")
}

func TestInspectorBroadcastsConsole(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{Inspector: true})

	s, err := h.Environment().GetInspectorSession()
	require.NoError(t, err)
	require.NoError(t, s.Dispatch([]byte(`{"id":1,"method":"Runtime.enable"}`)))
	assert.Equal(t, 1.0, nextMessage(t, s)["id"])

	evalValue(t, h, "console.warn('careful', 1)")
	msg := nextMessage(t, s)
	assert.Equal(t, "Runtime.consoleAPICalled", msg["method"])
	params := msg["params"].(map[string]any)
	assert.Equal(t, "warn", params["type"])
	assert.Len(t, params["args"], 2)
}

func TestInspectorSessionsCloseWithIsolate(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{Inspector: true})
	env := h.Environment()

	s, err := env.GetInspectorSession()
	require.NoError(t, err)
	assert.Equal(t, 1, env.Inspector().Sessions())

	require.NoError(t, h.Terminate())
	waitDone(t, env)

	_, open := <-s.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, s.Dispatch([]byte(`{"id":1,"method":"Runtime.enable"}`)), ErrSessionClosed)
	assert.Zero(t, env.Inspector().Sessions())

	_, err = env.GetInspectorSession()
	assert.ErrorIs(t, err, vmerr.ErrReferenceInvalid)
}
