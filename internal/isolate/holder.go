package isolate

import (
	"context"
	"errors"
	"sync"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// Holder is the owning handle to an isolate. It lets go of the environment
// once the isolate is terminated; every later call fails with
// vmerr.ErrReferenceInvalid.
type Holder struct {
	id id.IsolateID

	mu  sync.RWMutex
	env *Environment
}

// ID returns the isolate id. It stays valid after disposal.
func (h *Holder) ID() id.IsolateID { return h.id }

// Environment returns the isolate, or nil once it was disposed.
func (h *Holder) Environment() *Environment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.env
}

// IsDisposed reports whether the holder let go of its isolate.
func (h *Holder) IsDisposed() bool {
	return h.Environment() == nil
}

func (h *Holder) release() {
	h.mu.Lock()
	h.env = nil
	h.mu.Unlock()
}

// Schedule queues r as a task. On a disposed isolate r is aborted and
// ErrReferenceInvalid returned.
func (h *Holder) Schedule(r Runnable) error {
	env := h.Environment()
	if env == nil {
		abort(r, vmerr.ErrReferenceInvalid)
		return vmerr.ErrReferenceInvalid
	}
	return env.scheduler.PushTask(r)
}

// ScheduleInterrupt queues r to run at the isolate's next safe point.
func (h *Holder) ScheduleInterrupt(r Runnable) error {
	env := h.Environment()
	if env == nil {
		abort(r, vmerr.ErrReferenceInvalid)
		return vmerr.ErrReferenceInvalid
	}
	return env.scheduler.PushInterrupt(r)
}

// Terminate disposes the isolate. A disposed holder reports
// ErrReferenceInvalid.
func (h *Holder) Terminate() error {
	env := h.Environment()
	if env == nil {
		return vmerr.ErrReferenceInvalid
	}
	return env.Terminate()
}

// Dispose terminates the isolate and waits until its teardown finished.
func (h *Holder) Dispose(ctx context.Context) error {
	env := h.Environment()
	if env == nil {
		return vmerr.ErrReferenceInvalid
	}
	if err := env.Terminate(); err != nil {
		return err
	}
	select {
	case <-env.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn as a task and waits for it. Failures fn's script left
// behind, like a breached memory limit or an unobserved rejection, are
// reported when fn itself succeeded.
func (h *Holder) Run(ctx context.Context, fn func(*Executor) error) error {
	_, err := Do(ctx, h, func(x *Executor) (struct{}, error) {
		return struct{}{}, fn(x)
	})
	return err
}

type result[T any] struct {
	value T
	err   error
}

// Do is Run for functions with a result.
func Do[T any](ctx context.Context, h *Holder, fn func(*Executor) (T, error)) (T, error) {
	done := make(chan result[T], 1)
	var once sync.Once
	reply := func(r result[T]) { once.Do(func() { done <- r }) }

	task := Task{
		OnRun: func(x *Executor) {
			v, err := fn(x)
			// A breached limit explains whatever fn reported.
			if epilogue := x.TaskEpilogue(); epilogue != nil && (err == nil || errors.Is(epilogue, vmerr.ErrMemoryLimitExceeded)) {
				err = epilogue
			}
			reply(result[T]{value: v, err: err})
		},
		OnAbort: func(err error) {
			reply(result[T]{err: err})
		},
	}

	var zero T
	if err := h.Schedule(task); err != nil {
		return zero, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Eval compiles and runs source, returning a copy of the result.
func (h *Holder) Eval(ctx context.Context, filename, source string, opts RunOptions) (transfer.ExternalCopy, error) {
	script, err := Compile(filename, source)
	if err != nil {
		return nil, err
	}
	return h.RunScript(ctx, script, opts)
}

// RunScript runs a compiled script and copies its result out.
func (h *Holder) RunScript(ctx context.Context, s *Script, opts RunOptions) (transfer.ExternalCopy, error) {
	return Do(ctx, h, func(x *Executor) (transfer.ExternalCopy, error) {
		v, err := x.RunScript(s, opts)
		if err != nil {
			return nil, err
		}
		return copyResult(x, v)
	})
}

// copyResult snapshots a script result. A function or an unawaited promise
// becomes undefined so a script ending in a declaration or a `.then` chain
// still succeeds.
func copyResult(x *Executor, v goja.Value) (transfer.ExternalCopy, error) {
	if isPromise(v) {
		return transfer.Undefined(), nil
	}
	c, err := transfer.Copy(x, v, transfer.Options{})
	if err != nil {
		if _, isFunc := goja.AssertFunction(v); isFunc {
			return transfer.Undefined(), nil
		}
		return nil, err
	}
	return c, nil
}

func isPromise(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, ok = obj.Export().(*goja.Promise)
	return ok
}
