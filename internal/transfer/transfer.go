// Package transfer moves values between isolates that must never share a
// heap pointer.
//
// A value leaving an isolate is turned into an ExternalCopy: an
// engine-independent snapshot that any goroutine may hold. Materializing the
// snapshot in another isolate produces an equivalent, unrelated value. The
// set of snapshot shapes is closed: primitives, strings, dates, errors,
// array buffers, typed views and serialized object graphs.
//
// Anything that can be materialized in an isolate, including references and
// copy handles that live in other packages, implements Transferable.
package transfer

import (
	"fmt"
	"math/big"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// Source is the isolate a value is copied out of. Its methods may only be
// called by the goroutine that currently holds that isolate's executor.
type Source interface {
	VM() *goja.Runtime
	Intrinsics() *Intrinsics
	HandleSymbol() *goja.Symbol
	// ReleaseArrayBuffer stops accounting a buffer whose bytes were moved out.
	ReleaseArrayBuffer(data []byte)
	// MaxCopySize bounds the encoded size of a snapshot taken from this
	// isolate. Zero applies DefaultMaxCopySize.
	MaxCopySize() int
}

// Destination is the isolate a copy is materialized in. Like Source, it is
// only usable under that isolate's executor.
type Destination interface {
	VM() *goja.Runtime
	Intrinsics() *Intrinsics
	HandleSymbol() *goja.Symbol
	// CheckHeap rejects an allocation of expected bytes that would push the
	// isolate past its memory limit.
	CheckHeap(expected int) error
	// NewArrayBuffer wraps data as an accounted ArrayBuffer.
	NewArrayBuffer(data []byte) goja.ArrayBuffer
	AdjustExternalMemory(delta int64)
}

// Transferable is anything that can be materialized in a destination isolate.
type Transferable interface {
	TransferIn(dst Destination) (goja.Value, error)
}

// Kind identifies the strategy an ExternalCopy uses.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindBigInt
	KindString
	KindDate
	KindError
	KindArrayBuffer
	KindView
	KindSerialized
)

var kindNames = [...]string{
	KindUndefined:   "undefined",
	KindNull:        "null",
	KindBoolean:     "boolean",
	KindNumber:      "number",
	KindBigInt:      "bigint",
	KindString:      "string",
	KindDate:        "Date",
	KindError:       "Error",
	KindArrayBuffer: "ArrayBuffer",
	KindView:        "ArrayBufferView",
	KindSerialized:  "object",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ExternalCopy is a snapshot of a value that lives outside every isolate.
// The implementations in this package are the only ones.
type ExternalCopy interface {
	Transferable
	Kind() Kind
	// Size is the number of bytes the snapshot holds.
	Size() int
	// WorstCaseHeapSize bounds what materializing the snapshot adds to the
	// destination heap.
	WorstCaseHeapSize() int

	copyInto(dst Destination, transferIn bool) (goja.Value, error)
}

// Options controls Copy.
type Options struct {
	// TransferOut detaches array buffers from the source instead of
	// duplicating their bytes.
	TransferOut bool
}

// Copy snapshots v, choosing the strategy from its concrete kind.
func Copy(src Source, v goja.Value, opts Options) (ExternalCopy, error) {
	if c := CopyIfPrimitiveOrError(src, v); c != nil {
		return c, nil
	}

	switch v.(type) {
	case *goja.Symbol:
		return nil, vmerr.NewTransferError("symbol", "", nil)
	case *goja.Object:
	default:
		return nil, vmerr.NewTransferError(fmt.Sprintf("%T", v), "unsupported value", nil)
	}

	obj := v.(*goja.Object)
	if _, ok := goja.AssertFunction(obj); ok {
		return nil, vmerr.NewTransferError("function", "", nil)
	}
	if isHandle(src, obj) {
		return nil, vmerr.NewTransferError("handle", "pass the handle itself instead of copying it", nil)
	}

	if tagOf(obj) == "ArrayBuffer" {
		if ab, ok := obj.Export().(goja.ArrayBuffer); ok {
			return copyArrayBuffer(src, ab, opts.TransferOut)
		}
	}
	if kind, ok := viewKindOf(obj); ok {
		return copyView(src, obj, kind, opts.TransferOut)
	}
	return serialize(src, obj)
}

// CopyIfPrimitive snapshots primitives, strings and dates. It returns nil for
// every other value.
func CopyIfPrimitive(src Source, v goja.Value) ExternalCopy {
	if v == nil || goja.IsUndefined(v) {
		return undefinedCopy
	}
	if goja.IsNull(v) {
		return nullCopy
	}

	switch x := v.(type) {
	case *goja.Symbol:
		return nil
	case *goja.Object:
		if x.ClassName() == "Date" {
			return copyDate(src, x)
		}
		return nil
	}

	switch x := v.Export().(type) {
	case bool:
		return Bool(x)
	case int64:
		return Number(float64(x))
	case float64:
		return Number(x)
	case string:
		return NewString(x)
	case *big.Int:
		return BigInt(x)
	}
	return nil
}

// CopyIfPrimitiveOrError extends CopyIfPrimitive with error objects.
func CopyIfPrimitiveOrError(src Source, v goja.Value) ExternalCopy {
	if c := CopyIfPrimitive(src, v); c != nil {
		return c
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		return copyError(obj)
	}
	return nil
}

// CopyInto materializes c in dst without checking the destination heap.
// With transferIn the snapshot may be consumed and cannot be used again.
func CopyInto(dst Destination, c ExternalCopy, transferIn bool) (goja.Value, error) {
	return c.copyInto(dst, transferIn)
}

// CopyIntoCheckHeap materializes c after verifying that its worst case size
// fits in the destination's remaining heap. It is the entry point for every
// materialization into an isolate other than the one the copy came from.
func CopyIntoCheckHeap(dst Destination, c ExternalCopy, transferIn bool) (goja.Value, error) {
	if err := dst.CheckHeap(c.WorstCaseHeapSize()); err != nil {
		return nil, vmerr.NewTransferError(c.Kind().String(), "destination isolate would exceed its memory limit", err)
	}
	return c.copyInto(dst, transferIn)
}

// TransferOut turns a script value into something another isolate can
// receive: handle objects yield the transferable they wrap, anything else is
// copied.
func TransferOut(src Source, v goja.Value) (Transferable, error) {
	if obj, ok := v.(*goja.Object); ok {
		if t := handleOf(src, obj); t != nil {
			return t, nil
		}
	}
	return Copy(src, v, Options{})
}

func tagOf(obj *goja.Object) string {
	tag := obj.GetSymbol(goja.SymToStringTag)
	if tag == nil || goja.IsUndefined(tag) {
		return ""
	}
	return tag.String()
}

// TypeOf returns what the script typeof operator yields for v.
func TypeOf(v goja.Value) string {
	switch x := v.(type) {
	case nil:
		return "undefined"
	case *goja.Symbol:
		return "symbol"
	case *goja.Object:
		if _, ok := goja.AssertFunction(x); ok {
			return "function"
		}
		return "object"
	}
	if goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "object"
	}
	switch v.Export().(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case *big.Int:
		return "bigint"
	default:
		return "number"
	}
}
