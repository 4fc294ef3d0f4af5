// Package reference implements handles to live values inside another
// isolate.
//
// A Reference never copies the value it points at. Every operation through
// it is queued on the owning isolate, runs there under that isolate's
// executor, and has its arguments and result marshalled with package
// transfer. A Reference whose owner was disposed fails every operation with
// vmerr.ErrReferenceInvalid.
package reference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// ResultMode selects how a value read through a reference comes back.
type ResultMode int

const (
	// ResultAuto copies primitives and returns a new Reference for anything else.
	ResultAuto ResultMode = iota
	// ResultCopy copies the value out.
	ResultCopy
	// ResultReference always returns a new Reference.
	ResultReference
)

// Options tune Get and Apply.
type Options struct {
	// Timeout bounds the call in the owning isolate; zero disables it.
	Timeout time.Duration
	// Result selects how the result is returned.
	Result ResultMode
	// Promise waits for a promise result to settle and returns its value.
	Promise bool
}

// Reference points at a value that lives in its owner isolate.
type Reference struct {
	id      id.ReferenceID
	owner   *isolate.Holder
	slot    uint64
	weak    isolate.WeakID
	typeOf  string
	valid   atomic.Bool
	metrics *monitoring.Metrics
}

// Create pins v in the executor's isolate and returns a reference to it.
// The reference goes inert when the isolate is torn down.
func Create(x *isolate.Executor, v goja.Value) *Reference {
	env := x.Environment()
	r := &Reference{
		id:      id.NewReferenceID(),
		owner:   env.Holder(),
		slot:    x.Retain(v),
		typeOf:  transfer.TypeOf(v),
		metrics: env.Metrics(),
	}
	r.valid.Store(true)
	r.weak = x.AddWeakCallback(r.invalidate)
	return r
}

func (r *Reference) invalidate() {
	r.valid.Store(false)
}

// ID returns the reference id.
func (r *Reference) ID() id.ReferenceID { return r.id }

// Owner returns the holder of the isolate the value lives in.
func (r *Reference) Owner() *isolate.Holder { return r.owner }

// TypeOf returns the typeof of the referenced value, captured at creation.
func (r *Reference) TypeOf() string { return r.typeOf }

// IsValid reports whether the reference can still be used.
func (r *Reference) IsValid() bool {
	return r.valid.Load() && !r.owner.IsDisposed()
}

// Deref returns the referenced value. x must hold the owner isolate.
func (r *Reference) Deref(x *isolate.Executor) (goja.Value, error) {
	if x.Environment().Holder() != r.owner {
		return nil, transfer.NewError(transfer.ErrorTypeType, "Cannot dereference this from current isolate", "")
	}
	return r.deref(x)
}

func (r *Reference) deref(x *isolate.Executor) (goja.Value, error) {
	if !r.valid.Load() {
		return nil, vmerr.ErrReferenceInvalid
	}
	v, ok := x.Retained(r.slot)
	if !ok {
		return nil, vmerr.ErrReferenceInvalid
	}
	return v, nil
}

// DerefInto returns a transferable that materializes as the referenced value
// itself. It can only be transferred into the owner isolate.
func (r *Reference) DerefInto() transfer.Transferable {
	return derefInto{ref: r}
}

type derefInto struct {
	ref *Reference
}

func (d derefInto) TransferIn(dst transfer.Destination) (goja.Value, error) {
	x, ok := dst.(*isolate.Executor)
	if !ok || x.Environment().Holder() != d.ref.owner {
		return nil, transfer.NewError(transfer.ErrorTypeType, "Cannot dereference this into target isolate", "")
	}
	return d.ref.deref(x)
}

// Copy returns a copy of the referenced value.
func (r *Reference) Copy(ctx context.Context) (transfer.ExternalCopy, error) {
	t, err := r.wait(ctx, "copy", copyOp)
	if err != nil {
		return nil, err
	}
	return t.(transfer.ExternalCopy), nil
}

// Get reads property key of the referenced value.
func (r *Reference) Get(ctx context.Context, key string, opts Options) (transfer.Transferable, error) {
	return r.wait(ctx, "get", getOp(key, opts))
}

// Set assigns value to property key of the referenced value.
func (r *Reference) Set(ctx context.Context, key string, value transfer.Transferable) error {
	_, err := r.wait(ctx, "set", setOp(key, value))
	return err
}

// Apply calls the referenced function in its owner isolate with receiver
// recv and args. A nil receiver is undefined.
func (r *Reference) Apply(ctx context.Context, recv transfer.Transferable, args []transfer.Transferable, opts Options) (transfer.Transferable, error) {
	return r.wait(ctx, "apply", applyOp(recv, args, opts))
}

// Release unpins the value without waiting for the owner.
func (r *Reference) Release() {
	if !r.valid.CompareAndSwap(true, false) {
		return
	}
	_ = r.owner.Schedule(isolate.RunnableFunc(r.forget))
}

// Dispose unpins the value and waits until the owner has dropped it.
// Disposing an inert reference is a no-op.
func (r *Reference) Dispose(ctx context.Context) error {
	if !r.valid.CompareAndSwap(true, false) {
		return nil
	}
	err := r.owner.Run(ctx, func(x *isolate.Executor) error {
		r.forget(x)
		return nil
	})
	if errors.Is(err, vmerr.ErrReferenceInvalid) {
		return nil
	}
	return err
}

func (r *Reference) forget(x *isolate.Executor) {
	x.Forget(r.slot)
	x.RemoveWeakCallback(r.weak)
}

// completion receives the outcome of an operation. It is called exactly once.
type completion func(transfer.Transferable, error)

// operation runs in the owner isolate against the referenced value. It may
// complete later, from a promise reaction in the same isolate.
type operation func(x *isolate.Executor, v goja.Value, done completion)

// schedule queues op on the owner. done may run on any goroutine.
func (r *Reference) schedule(name string, op operation, done completion) {
	timer := monitoring.NewTimer(r.metrics, name)
	var once sync.Once
	finish := func(t transfer.Transferable, err error) {
		once.Do(func() {
			timer.Stop(vmerr.Kind(err))
			done(t, err)
		})
	}

	if !r.valid.Load() {
		finish(nil, vmerr.ErrReferenceInvalid)
		return
	}
	_ = r.owner.Schedule(isolate.Task{
		OnRun: func(x *isolate.Executor) {
			v, err := r.deref(x)
			if err != nil {
				finish(nil, err)
				return
			}
			op(x, v, finish)
		},
		OnAbort: func(err error) { finish(nil, err) },
	})
}

type outcome struct {
	t   transfer.Transferable
	err error
}

func (r *Reference) wait(ctx context.Context, name string, op operation) (transfer.Transferable, error) {
	ch := make(chan outcome, 1)
	r.schedule(name, op, func(t transfer.Transferable, err error) {
		ch <- outcome{t: t, err: err}
	})
	select {
	case out := <-ch:
		return out.t, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runSync runs op on the caller's goroutine. If the owner is another isolate
// the caller takes its executor, so two isolates calling each other
// synchronously at the same time deadlock.
func (r *Reference) runSync(caller *isolate.Executor, name string, op operation) (transfer.Transferable, error) {
	timer := monitoring.NewTimer(r.metrics, name+"_sync")
	env := r.owner.Environment()
	if env == nil || !r.valid.Load() {
		timer.Stop(vmerr.Kind(vmerr.ErrReferenceInvalid))
		return nil, vmerr.ErrReferenceInvalid
	}

	x := caller
	if caller.Environment() != env {
		x = env.Lock(caller)
		defer x.Unlock()
	}

	ch := make(chan outcome, 1)
	var once sync.Once
	if v, err := r.deref(x); err != nil {
		ch <- outcome{err: err}
	} else {
		op(x, v, func(t transfer.Transferable, err error) {
			once.Do(func() { ch <- outcome{t: t, err: err} })
		})
	}

	select {
	case out := <-ch:
		timer.Stop(vmerr.Kind(out.err))
		return out.t, out.err
	default:
		timer.Stop(vmerr.Kind(isolate.ErrPromisePending))
		return nil, isolate.ErrPromisePending
	}
}

func copyOp(x *isolate.Executor, v goja.Value, done completion) {
	done(transfer.Copy(x, v, transfer.Options{}))
}

func getOp(key string, opts Options) operation {
	return func(x *isolate.Executor, v goja.Value, done completion) {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			done(nil, transfer.NewError(transfer.ErrorTypeType, "Cannot read properties of "+v.String(), ""))
			return
		}
		obj := v.ToObject(x.VM())
		done(result(x, obj.Get(key), opts))
	}
}

func setOp(key string, value transfer.Transferable) operation {
	return func(x *isolate.Executor, v goja.Value, done completion) {
		obj, ok := v.(*goja.Object)
		if !ok {
			done(nil, transfer.NewError(transfer.ErrorTypeType, "Reference is not an object", ""))
			return
		}
		val, err := transfer.Materialize(x, value)
		if err != nil {
			done(nil, err)
			return
		}
		if err := obj.Set(key, val); err != nil {
			done(nil, vmerr.FromEngine(err))
			return
		}
		done(transfer.Undefined(), nil)
	}
}

func applyOp(recv transfer.Transferable, args []transfer.Transferable, opts Options) operation {
	return func(x *isolate.Executor, v goja.Value, done completion) {
		fn, ok := goja.AssertFunction(v)
		if !ok {
			done(nil, transfer.NewError(transfer.ErrorTypeType, "Reference is not a function", ""))
			return
		}

		this := goja.Undefined()
		if recv != nil {
			val, err := transfer.Materialize(x, recv)
			if err != nil {
				done(nil, err)
				return
			}
			this = val
		}
		values := make([]goja.Value, len(args))
		for i, arg := range args {
			val, err := transfer.Materialize(x, arg)
			if err != nil {
				done(nil, err)
				return
			}
			values[i] = val
		}

		res, err := isolate.RunWithTimeout(x, opts.Timeout, func() (goja.Value, error) {
			return fn(this, values...)
		})
		if err != nil {
			done(nil, err)
			return
		}
		if opts.Promise {
			if p, ok := asPromise(res); ok {
				await(x, p, opts, done)
				return
			}
		}
		done(result(x, res, opts))
	}
}

func asPromise(v goja.Value) (*goja.Object, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	_, ok = obj.Export().(*goja.Promise)
	return obj, ok
}

// await completes done once p settles. Attaching the reactions also marks
// a rejection as handled.
func await(x *isolate.Executor, p *goja.Object, opts Options, done completion) {
	env := x.Environment()
	then, ok := goja.AssertFunction(p.Get("then"))
	if !ok {
		done(nil, transfer.NewError(transfer.ErrorTypeType, "promise has no then method", ""))
		return
	}

	vm := x.VM()
	onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done(result(env.Current(), call.Argument(0), opts))
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done(nil, vmerr.FromValue(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := then(p, onFulfilled, onRejected); err != nil {
		done(nil, vmerr.FromEngine(err))
	}
}

// result turns a value read in the owner into something the caller can
// receive.
func result(x *isolate.Executor, v goja.Value, opts Options) (transfer.Transferable, error) {
	switch opts.Result {
	case ResultCopy:
		return transfer.Copy(x, v, transfer.Options{})
	case ResultReference:
		return Create(x, v), nil
	}
	if c := transfer.CopyIfPrimitive(x, v); c != nil {
		return c, nil
	}
	return Create(x, v), nil
}

// errorCopy keeps the script-visible type of err when it is rethrown in
// another isolate.
func errorCopy(err error) *transfer.Error {
	var copied *transfer.Error
	if errors.As(err, &copied) {
		return copied
	}
	var re *vmerr.RuntimeError
	if errors.As(err, &re) && re.Name != "" {
		return transfer.NewError(transfer.ErrorTypeOf(re.Name), re.Message, re.Stack)
	}
	return transfer.NewError(transfer.ErrorTypeError, err.Error(), "")
}
