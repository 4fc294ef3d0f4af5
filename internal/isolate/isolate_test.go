package isolate

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Options{Workers: 4, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, rt.Close(ctx))
	})
	return rt
}

func newTestIsolate(t *testing.T, rt *Runtime, c Constraints) *Holder {
	t.Helper()
	h, err := rt.CreateEnvironment(c)
	require.NoError(t, err)
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func evalValue(t *testing.T, h *Holder, source string) any {
	t.Helper()
	c, err := h.Eval(testContext(t), "test.js", source, RunOptions{})
	require.NoError(t, err)
	v, err := transfer.Export(c)
	require.NoError(t, err)
	return v
}

func waitDone(t *testing.T, env *Environment) {
	t.Helper()
	select {
	case <-env.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("isolate was not torn down")
	}
}

// startLoop runs an endless script on h and returns once it is executing.
func startLoop(t *testing.T, h *Holder) <-chan error {
	t.Helper()
	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- h.Run(context.Background(), func(x *Executor) error {
			close(started)
			_, err := RunWithTimeout(x, 0, func() (goja.Value, error) {
				return x.VM().RunString("for (;;) {}")
			})
			return err
		})
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never started")
	}
	return result
}

func TestEvalReturnsCopy(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{Name: "eval"})

	assert.Equal(t, 3.0, evalValue(t, h, "1 + 2"))
	assert.Equal(t, "hi", evalValue(t, h, "'h' + 'i'"))
	assert.Equal(t, map[string]any{"a": []any{1.0, 2.0}}, evalValue(t, h, "({a: [1, 2]})"))
	assert.Nil(t, evalValue(t, h, "(function () {})"))
	assert.Nil(t, evalValue(t, h, "Promise.resolve(1).then(v => v + 1)"), "unawaited promises are not cloned")
}

func TestGlobalsPersistAcrossTasks(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	evalValue(t, h, "globalThis.counter = 1")
	evalValue(t, h, "counter++")
	assert.Equal(t, 2.0, evalValue(t, h, "counter"))
	assert.Equal(t, "undefined", evalValue(t, h, "typeof require"))
}

func TestTasksRunInSubmissionOrder(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	const n = 100
	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, h.Schedule(RunnableFunc(func(*Executor) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})))
	}
	require.NoError(t, h.Run(testContext(t), func(*Executor) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestExecutorTracksOwner(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})
	env := h.Environment()

	assert.Nil(t, env.Current())
	require.NoError(t, h.Run(testContext(t), func(x *Executor) error {
		assert.Same(t, x, env.Current())
		assert.Same(t, env, x.Environment())
		assert.False(t, x.IsDefaultThread())
		return nil
	}))
	assert.Nil(t, env.Current())

	require.NoError(t, rt.Root().Run(testContext(t), func(x *Executor) error {
		assert.True(t, x.IsDefaultThread())
		return nil
	}))
}

func TestTerminateInvalidatesHolder(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})
	env := h.Environment()

	require.NoError(t, h.Terminate())
	assert.ErrorIs(t, h.Terminate(), vmerr.ErrReferenceInvalid)
	waitDone(t, env)

	assert.True(t, h.IsDisposed())
	_, err := h.Eval(testContext(t), "x.js", "1", RunOptions{})
	assert.ErrorIs(t, err, vmerr.ErrReferenceInvalid)

	_, ok := rt.Lookup(h.ID())
	assert.False(t, ok)
	_, ok = rt.LookupVM(env.vm)
	assert.False(t, ok)
}

func TestTerminateStopsRunningScript(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})
	env := h.Environment()

	result := startLoop(t, h)
	queued := make(chan error, 1)
	go func() {
		_, err := h.Eval(context.Background(), "queued.js", "1", RunOptions{})
		queued <- err
	}()

	require.NoError(t, h.Terminate())
	assert.ErrorIs(t, <-result, vmerr.ErrReferenceInvalid)
	assert.ErrorIs(t, <-queued, vmerr.ErrReferenceInvalid)
	waitDone(t, env)
}

func TestRootCannotBeTerminated(t *testing.T) {
	rt := newTestRuntime(t)

	assert.ErrorIs(t, rt.Root().Terminate(), vmerr.ErrRootIsolate)
	assert.Equal(t, 42.0, evalValue(t, rt.Root(), "6 * 7"))

	env, ok := rt.Lookup(rt.Root().ID())
	require.True(t, ok)
	assert.True(t, env.IsRoot())
}

func TestMemoryLimitTerminatesIsolate(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{MemoryLimitMB: 8})
	env := h.Environment()

	hog, err := Compile("hog.js", `
		const keep = [];
		for (let i = 0; i < 16; i++) keep.push(new ArrayBuffer(1 << 20));
		keep.length`)
	require.NoError(t, err)

	queued := make(chan error, 1)
	err = h.Run(testContext(t), func(x *Executor) error {
		assert.NoError(t, h.Schedule(Task{
			OnRun:   func(*Executor) { queued <- nil },
			OnAbort: func(err error) { queued <- err },
		}))
		_, err := x.RunScript(hog, RunOptions{})
		return err
	})

	assert.ErrorIs(t, err, vmerr.ErrMemoryLimitExceeded)
	assert.ErrorIs(t, <-queued, vmerr.ErrReferenceInvalid)
	waitDone(t, env)
	assert.True(t, env.hitMemoryLimit.Load())

	_, err = h.Eval(testContext(t), "after.js", "1", RunOptions{})
	assert.ErrorIs(t, err, vmerr.ErrReferenceInvalid)
}

func TestHeapStatisticsTrackBuffers(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{MemoryLimitMB: 32})

	assert.Equal(t, 4.0, evalValue(t, h, "globalThis.kept = new Uint8Array(1 << 20); new Uint8Array(4).length"))
	assert.Equal(t, 3.0, evalValue(t, h, "new Int32Array([1, 2, 3])[2]"))
	assert.Equal(t, true, evalValue(t, h, "new ArrayBuffer(8) instanceof ArrayBuffer"))

	stats := h.Environment().HeapStatistics()
	assert.GreaterOrEqual(t, stats.UsedHeapSize, int64(1<<20))
	assert.Equal(t, int64(32<<20), stats.HeapSizeLimit)
	assert.GreaterOrEqual(t, stats.PeakHeapSize, stats.UsedHeapSize)
}

func TestHeapPrecheckRejectsTransfer(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{MemoryLimitMB: 8})

	big := transfer.NewBuffer(make([]byte, 16<<20))
	err := h.Run(testContext(t), func(x *Executor) error {
		_, err := transfer.CopyIntoCheckHeap(x, big, false)
		return err
	})

	var te *vmerr.TransferError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, vmerr.ErrMemoryLimitExceeded)
	assert.False(t, h.IsDisposed(), "a refused transfer leaves the isolate alive")
	assert.Equal(t, 1.0, evalValue(t, h, "1"))
}

func TestWeakCallbacksRunOnceAtTeardown(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})
	env := h.Environment()

	var calls atomic.Int32
	require.NoError(t, h.Run(testContext(t), func(x *Executor) error {
		x.AddWeakCallback(func() { calls.Add(1) })
		removed := x.AddWeakCallback(func() { calls.Add(100) })
		x.AddWeakCallback(func() { panic("callback failure") })
		x.AddWeakCallback(func() { calls.Add(1) })
		assert.True(t, x.RemoveWeakCallback(removed))
		assert.False(t, x.RemoveWeakCallback(removed))
		return nil
	}))

	require.NoError(t, h.Terminate())
	waitDone(t, env)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnhandledRejectionIsReported(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	_, err := h.Eval(testContext(t), "reject.js", "Promise.reject(new TypeError('boom')); 1", RunOptions{})
	var re *vmerr.RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "TypeError", re.Name)
	assert.Equal(t, "boom", re.Message)

	assert.Equal(t, 2.0, evalValue(t, h, "Promise.reject(1).catch(() => {}); 2"))
}

func TestPromiseResult(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})
	ctx := testContext(t)

	c, err := h.Eval(ctx, "p.js", "Promise.resolve(5).then(v => v * 2)", RunOptions{Promise: true})
	require.NoError(t, err)
	v, err := transfer.Export(c)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	_, err = h.Eval(ctx, "p.js", "Promise.reject(new RangeError('nope'))", RunOptions{Promise: true})
	var re *vmerr.RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "RangeError", re.Name)

	_, err = h.Eval(ctx, "p.js", "new Promise(() => {})", RunOptions{Promise: true})
	assert.ErrorIs(t, err, ErrPromisePending)
}

func TestRunTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	start := time.Now()
	_, err := h.Eval(testContext(t), "loop.js", "for (;;) {}", RunOptions{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, vmerr.ErrTimeout)
	assert.Equal(t, "Script execution timed out.", err.Error())
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.False(t, h.IsDisposed())
	assert.Equal(t, 1.0, evalValue(t, h, "1"), "the interrupt is cleared after a timeout")
}

func TestUrgentInterruptPreemptsScript(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	result := startLoop(t, h)
	ran := make(chan struct{})
	require.NoError(t, h.ScheduleInterrupt(Urgent(RunnableFunc(func(*Executor) { close(ran) }))))

	assert.ErrorIs(t, <-result, vmerr.ErrInterrupted)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("urgent interrupt never ran")
	}
	assert.False(t, h.IsDisposed())
}

func TestInterruptsRunAtSafePoints(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	var ran atomic.Bool
	err := h.Run(testContext(t), func(x *Executor) error {
		assert.NoError(t, h.ScheduleInterrupt(RunnableFunc(func(*Executor) { ran.Store(true) })))
		_, err := x.VM().RunString("console.log('safe point')")
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestEngineFatalDisposesOnlyThatIsolate(t *testing.T) {
	rt := newTestRuntime(t)
	bad := newTestIsolate(t, rt, Constraints{Name: "bad"})
	good := newTestIsolate(t, rt, Constraints{Name: "good"})
	env := bad.Environment()

	err := bad.Run(testContext(t), func(*Executor) error {
		panic("engine state corrupted")
	})
	assert.ErrorIs(t, err, vmerr.ErrEngineFatal)
	waitDone(t, env)

	assert.True(t, bad.IsDisposed())
	assert.Equal(t, 1.0, evalValue(t, good, "1"))
}

func TestCompileErrorReportsPosition(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	_, err := h.Eval(testContext(t), "broken.js", "let x = ;", RunOptions{})
	var ce *vmerr.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broken.js", ce.File)
	assert.Equal(t, 1, ce.Line)
}

func TestRuntimeErrorCarriesStack(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})

	_, err := h.Eval(testContext(t), "throw.js", "function f() { throw new Error('bad'); }\nf()", RunOptions{})
	var re *vmerr.RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Error", re.Name)
	assert.Equal(t, "bad", re.Message)
	assert.Contains(t, re.Stack, "throw.js")
}

func TestSnapshotPrimesIsolate(t *testing.T) {
	rt := newTestRuntime(t)

	snapshot, err := rt.CreateSnapshot(
		SnapshotScript{Filename: "a.js", Code: "globalThis.answer = 40"},
		SnapshotScript{Filename: "b.js", Code: "answer += 2"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "b.js"}, snapshot.Scripts())

	h := newTestIsolate(t, rt, Constraints{Snapshot: snapshot})
	assert.Equal(t, 42.0, evalValue(t, h, "answer"))

	_, err = rt.CreateSnapshot(SnapshotScript{Filename: "bad.js", Code: "throw new Error('no')"})
	var re *vmerr.RuntimeError
	assert.ErrorAs(t, err, &re)
}

func TestLoadSnapshotGlobs(t *testing.T) {
	rt := newTestRuntime(t)
	fsys := fstest.MapFS{
		"init/a.js":        {Data: []byte("globalThis.parts = ['a']")},
		"init/lib/b.js":    {Data: []byte("parts.push('b')")},
		"init/readme.md":   {Data: []byte("not a script")},
		"other/ignored.js": {Data: []byte("throw new Error('not loaded')")},
	}

	snapshot, err := rt.LoadSnapshot(fsys, "init/**/*.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"init/a.js", "init/lib/b.js"}, snapshot.Scripts())

	h := newTestIsolate(t, rt, Constraints{Snapshot: snapshot})
	assert.Equal(t, "a,b", evalValue(t, h, "parts.join()"))

	_, err = rt.LoadSnapshot(fsys, "missing/*.js")
	assert.Error(t, err)
}

func TestRuntimeCloseDisposesEverything(t *testing.T) {
	rt, err := New(Options{Workers: 2})
	require.NoError(t, err)

	h, err := rt.CreateEnvironment(Constraints{})
	require.NoError(t, err)
	env := h.Environment()
	assert.Len(t, rt.Environments(), 2)

	require.NoError(t, rt.Close(testContext(t)))
	waitDone(t, env)

	assert.True(t, h.IsDisposed())
	_, ok := rt.Lookup(h.ID())
	assert.False(t, ok)
	_, ok = rt.Lookup(rt.Root().ID())
	assert.False(t, ok, "lookups fail after shutdown")
	assert.Empty(t, rt.Environments())

	_, err = rt.CreateEnvironment(Constraints{})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	assert.NoError(t, rt.Close(testContext(t)))
}

func TestMemoryLimitIsClamped(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{MemoryLimitMB: 1})

	assert.Equal(t, int64(MinMemoryLimitMB<<20), h.Environment().HeapStatistics().HeapSizeLimit)
}

func TestDisposeWaitsForTeardown(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{})
	env := h.Environment()

	require.NoError(t, h.Dispose(testContext(t)))
	select {
	case <-env.Done():
	default:
		t.Fatal("Dispose returned before teardown")
	}
	assert.ErrorIs(t, h.Dispose(testContext(t)), vmerr.ErrReferenceInvalid)
}

func TestSnapshotScratchIsolateIsDiscarded(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	rt, err := New(Options{Workers: 2, Logger: zap.NewNop(), Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, rt.Close(ctx))
	})

	_, err = rt.CreateSnapshot(SnapshotScript{Filename: "a.js", Code: "globalThis.ready = true"})
	require.NoError(t, err)
	_, err = rt.CreateSnapshot(SnapshotScript{Filename: "bad.js", Code: "throw new Error('no')"})
	require.Error(t, err)

	assert.Len(t, rt.Environments(), 1, "only the root remains")
	assert.Zero(t, testutil.ToFloat64(metrics.IsolatesActive))
	assert.Zero(t, testutil.CollectAndCount(metrics.IsolatesDisposed))
}

func TestDiscardTearsDownUnregisteredIsolate(t *testing.T) {
	rt := newTestRuntime(t)
	env, err := newEnvironment(rt, Constraints{Name: "scratch", MemoryLimitMB: 8, Inspector: true}, false)
	require.NoError(t, err)

	session, err := env.GetInspectorSession()
	require.NoError(t, err)
	var swept atomic.Int32
	exec := env.Lock(nil)
	exec.AddWeakCallback(func() { swept.Add(1) })
	exec.Unlock()

	env.discard()

	select {
	case <-env.Done():
	default:
		t.Fatal("discard did not finish the teardown")
	}
	assert.EqualValues(t, 1, swept.Load())
	assert.True(t, env.Holder().IsDisposed())
	_, open := <-session.Messages()
	assert.False(t, open)
}

func TestCollectedHandlesReturnExternalMemory(t *testing.T) {
	rt := newTestRuntime(t)
	h := newTestIsolate(t, rt, Constraints{MemoryLimitMB: 8})
	env := h.Environment()
	handle := transfer.NewHandle(transfer.NewBuffer(make([]byte, 1<<20)))

	for i := 0; i < 16; i++ {
		require.NoError(t, h.Run(testContext(t), func(x *Executor) error {
			_, err := transfer.Materialize(x, handle)
			return err
		}), "receipt %d", i)

		assert.Eventually(t, func() bool {
			runtime.GC()
			return env.HeapStatistics().ExternalMemory == 0
		}, 5*time.Second, 10*time.Millisecond)
	}
	assert.False(t, h.IsDisposed())
}
