package reference

import (
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// TransferIn creates a reference object in dst. Its promise-returning
// methods queue the operation on the owner and settle the promise from dst's
// own task queue; the Sync variants run to completion before returning.
func (r *Reference) TransferIn(dst transfer.Destination) (goja.Value, error) {
	x, ok := dst.(*isolate.Executor)
	if !ok {
		return nil, vmerr.NewTransferError("reference", "destination is not an isolate", nil)
	}
	b := &binding{ref: r, env: x.Environment()}
	obj := transfer.NewHandleObject(dst, r)

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"deref":        b.deref,
		"derefInto":    b.derefInto,
		"release":      b.release,
		"copy":         b.copy,
		"copySync":     b.copySync,
		"get":          b.get,
		"getSync":      b.getSync,
		"set":          b.set,
		"setSync":      b.setSync,
		"apply":        b.apply,
		"applySync":    b.applySync,
		"applyIgnored": b.applyIgnored,
	}
	for name, fn := range methods {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	if err := obj.Set("typeof", r.typeOf); err != nil {
		return nil, err
	}
	return obj, nil
}

// binding is a reference as seen from one caller isolate.
type binding struct {
	ref *Reference
	env *isolate.Environment
}

func (b *binding) current() *isolate.Executor {
	return b.env.Current()
}

func (b *binding) deref(goja.FunctionCall) goja.Value {
	x := b.current()
	v, err := b.ref.Deref(x)
	if err != nil {
		throw(x, err)
	}
	return v
}

func (b *binding) derefInto(goja.FunctionCall) goja.Value {
	return transfer.NewHandleObject(b.current(), b.ref.DerefInto())
}

func (b *binding) release(goja.FunctionCall) goja.Value {
	b.ref.Release()
	return goja.Undefined()
}

func (b *binding) copy(goja.FunctionCall) goja.Value {
	return b.async("copy", copyOp)
}

func (b *binding) copySync(goja.FunctionCall) goja.Value {
	return b.sync("copy", copyOp)
}

func (b *binding) get(call goja.FunctionCall) goja.Value {
	return b.async("get", getOp(call.Argument(0).String(), parseOptions(call.Argument(1))))
}

func (b *binding) getSync(call goja.FunctionCall) goja.Value {
	return b.sync("get", getOp(call.Argument(0).String(), parseOptions(call.Argument(1))))
}

func (b *binding) set(call goja.FunctionCall) goja.Value {
	return b.async("set", setOp(call.Argument(0).String(), b.marshal(call.Argument(1))))
}

func (b *binding) setSync(call goja.FunctionCall) goja.Value {
	return b.sync("set", setOp(call.Argument(0).String(), b.marshal(call.Argument(1))))
}

func (b *binding) apply(call goja.FunctionCall) goja.Value {
	return b.async("apply", b.applyArgs(call))
}

func (b *binding) applySync(call goja.FunctionCall) goja.Value {
	return b.sync("apply", b.applyArgs(call))
}

func (b *binding) applyIgnored(call goja.FunctionCall) goja.Value {
	b.ref.schedule("apply", b.applyArgs(call), func(transfer.Transferable, error) {})
	return goja.Undefined()
}

// applyArgs marshals receiver and arguments while still in the caller.
func (b *binding) applyArgs(call goja.FunctionCall) operation {
	var recv transfer.Transferable
	if this := call.Argument(0); !goja.IsUndefined(this) {
		recv = b.marshal(this)
	}

	var args []transfer.Transferable
	if list, ok := call.Argument(1).(*goja.Object); ok {
		n := list.Get("length").ToInteger()
		args = make([]transfer.Transferable, 0, n)
		for i := int64(0); i < n; i++ {
			args = append(args, b.marshal(list.Get(strconv.FormatInt(i, 10))))
		}
	}
	return applyOp(recv, args, parseOptions(call.Argument(2)))
}

func (b *binding) marshal(v goja.Value) transfer.Transferable {
	x := b.current()
	t, err := transfer.TransferOut(x, v)
	if err != nil {
		throw(x, err)
	}
	return t
}

// async runs op in the owner and settles the returned promise from the
// caller's own queue.
func (b *binding) async(name string, op operation) goja.Value {
	vm := b.current().VM()
	promise, resolve, reject := vm.NewPromise()

	b.ref.schedule(name, op, func(t transfer.Transferable, err error) {
		_ = b.env.Holder().Schedule(isolate.RunnableFunc(func(x *isolate.Executor) {
			var v goja.Value
			if err == nil {
				v, err = transfer.Materialize(x, t)
			}
			if err != nil {
				reject(errorValue(x, err))
				return
			}
			resolve(v)
		}))
	})
	return vm.ToValue(promise)
}

func (b *binding) sync(name string, op operation) goja.Value {
	x := b.current()
	t, err := b.ref.runSync(x, name, op)
	if err == nil {
		var v goja.Value
		if v, err = transfer.Materialize(x, t); err == nil {
			return v
		}
	}
	throw(x, err)
	return nil
}

func throw(x *isolate.Executor, err error) {
	transfer.Throw(x, errorCopy(err))
}

func errorValue(x *isolate.Executor, err error) goja.Value {
	v, merr := transfer.Materialize(x, errorCopy(err))
	if merr != nil {
		return x.VM().ToValue(err.Error())
	}
	return v
}

// parseOptions reads {timeout, result: {copy, reference, promise}}.
func parseOptions(v goja.Value) Options {
	var opts Options
	obj, ok := v.(*goja.Object)
	if !ok {
		return opts
	}
	if t := obj.Get("timeout"); t != nil && !goja.IsUndefined(t) {
		if ms := t.ToFloat(); ms > 0 && !math.IsInf(ms, 0) {
			opts.Timeout = time.Duration(ms * float64(time.Millisecond))
		}
	}
	res, ok := obj.Get("result").(*goja.Object)
	if !ok {
		return opts
	}
	switch {
	case flag(res, "copy"):
		opts.Result = ResultCopy
	case flag(res, "reference"):
		opts.Result = ResultReference
	}
	opts.Promise = flag(res, "promise")
	return opts
}

func flag(obj *goja.Object, name string) bool {
	v := obj.Get(name)
	return v != nil && v.ToBoolean()
}
