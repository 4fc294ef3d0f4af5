package transfer

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// ErrCopyDisposed is returned when a released copy handle is used.
var ErrCopyDisposed = errors.New("Copy is disposed")

// handleBox carries a Transferable inside a script object. It exposes no
// fields or methods to script code.
type handleBox struct {
	t Transferable
}

// NewHandleObject creates an object in dst that stands for t. Passing the
// object to TransferOut yields t again.
func NewHandleObject(dst Destination, t Transferable) *goja.Object {
	vm := dst.VM()
	obj := vm.NewObject()
	_ = obj.DefineDataPropertySymbol(dst.HandleSymbol(), vm.ToValue(&handleBox{t: t}), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	return obj
}

func handleOf(src Source, obj *goja.Object) Transferable {
	v := obj.GetSymbol(src.HandleSymbol())
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	if box, ok := v.Export().(*handleBox); ok {
		return box.t
	}
	return nil
}

func isHandle(src Source, obj *goja.Object) bool {
	return handleOf(src, obj) != nil
}

// Throw raises err as a script exception in vm. Copied errors are rebuilt
// with their original type; anything else becomes a plain Error.
func Throw(dst Destination, err error) {
	var copied *Error
	if !errors.As(err, &copied) {
		copied = NewError(ErrorTypeError, err.Error(), "")
	}
	v, cerr := copied.copyInto(dst, false)
	if cerr != nil {
		panic(dst.VM().NewGoError(err))
	}
	panic(v)
}

// Handle is a shareable reference to an ExternalCopy. Materialized in an
// isolate it becomes an object whose copy and copyInto methods produce fresh
// values from the same snapshot.
type Handle struct {
	copy ExternalCopy
}

// NewHandle wraps c.
func NewHandle(c ExternalCopy) *Handle {
	return &Handle{copy: c}
}

// Copy returns the wrapped snapshot.
func (h *Handle) Copy() ExternalCopy { return h.copy }

// TransferIn creates the handle object in dst and charges the snapshot's size
// to dst's external memory until the object is released or collected.
func (h *Handle) TransferIn(dst Destination) (goja.Value, error) {
	obj := NewHandleObject(dst, h)
	c := &externalCharge{dst: dst, size: int64(h.copy.Size())}
	dst.AdjustExternalMemory(c.size)
	runtime.AddCleanup(obj, (*externalCharge).release, c)

	live := func() {
		if c.released.Load() {
			Throw(dst, ErrCopyDisposed)
		}
	}

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"copy": func(call goja.FunctionCall) goja.Value {
			live()
			v, err := CopyIntoCheckHeap(dst, h.copy, boolOption(call.Argument(0), "transferIn"))
			if err != nil {
				Throw(dst, err)
			}
			return v
		},
		"copyInto": func(call goja.FunctionCall) goja.Value {
			live()
			into := &copyIntoTransferable{copy: h.copy, transferIn: boolOption(call.Argument(0), "transferIn")}
			return NewHandleObject(dst, into)
		},
		"release": func(goja.FunctionCall) goja.Value {
			c.release()
			return goja.Undefined()
		},
	}
	for name, fn := range methods {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	if err := obj.Set("size", c.size); err != nil {
		return nil, err
	}
	if err := obj.Set("kind", h.copy.Kind().String()); err != nil {
		return nil, err
	}
	return obj, nil
}

// externalCharge is the external memory a handle object holds in its
// isolate. It is returned once, by release() or when the object is collected.
type externalCharge struct {
	dst      Destination
	size     int64
	released atomic.Bool
}

func (c *externalCharge) release() {
	if c.released.CompareAndSwap(false, true) {
		c.dst.AdjustExternalMemory(-c.size)
	}
}

// copyIntoTransferable materializes its snapshot directly when transferred,
// instead of creating another handle object.
type copyIntoTransferable struct {
	copy       ExternalCopy
	transferIn bool
}

func (c *copyIntoTransferable) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, c.copy, c.transferIn)
}

// CopyIntoTransferable returns a transferable that materializes c as a plain
// value, the host-side counterpart of the copyInto method on handle objects.
func CopyIntoTransferable(c ExternalCopy, transferIn bool) Transferable {
	return &copyIntoTransferable{copy: c, transferIn: transferIn}
}

func boolOption(options goja.Value, name string) bool {
	obj, ok := options.(*goja.Object)
	if !ok {
		return false
	}
	v := obj.Get(name)
	return v != nil && v.ToBoolean()
}

// Materialize is the host entry point for putting a Transferable into an
// isolate; it reports TransferError for failures that did not already carry
// a classification.
func Materialize(dst Destination, t Transferable) (goja.Value, error) {
	v, err := t.TransferIn(dst)
	if err != nil {
		var te *vmerr.TransferError
		if errors.As(err, &te) || errors.Is(err, vmerr.ErrReferenceInvalid) {
			return nil, err
		}
		return nil, vmerr.NewTransferError("value", err.Error(), err)
	}
	return v, nil
}
