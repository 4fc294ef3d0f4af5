package transfer

import (
	"bytes"
	"sync"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// Buffer is a copy of an ArrayBuffer's bytes. A buffer created by a
// transferring copy owns the source's memory outright; materializing it with
// transferIn hands that memory to the destination and consumes the copy.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	size     int
	consumed bool
}

// NewBuffer returns a buffer copy that takes ownership of data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, size: len(data)}
}

func copyArrayBuffer(src Source, ab goja.ArrayBuffer, transferOut bool) (*Buffer, error) {
	if ab.Detached() {
		return nil, vmerr.NewTransferError("ArrayBuffer", "array buffer is detached", nil)
	}
	data := ab.Bytes()
	if !transferOut {
		return NewBuffer(bytes.Clone(data)), nil
	}
	if !ab.Detach() {
		return nil, vmerr.NewTransferError("ArrayBuffer", "array buffer could not be detached", nil)
	}
	src.ReleaseArrayBuffer(data)
	return NewBuffer(data), nil
}

func (b *Buffer) Kind() Kind { return KindArrayBuffer }

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) WorstCaseHeapSize() int { return b.size }

// Bytes returns a copy of the bytes, or nil once the buffer was transferred in.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumed {
		return nil
	}
	return bytes.Clone(b.data)
}

func (b *Buffer) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, b, false)
}

func (b *Buffer) copyInto(dst Destination, transferIn bool) (goja.Value, error) {
	data, err := b.take(transferIn)
	if err != nil {
		return nil, err
	}
	return dst.VM().ToValue(dst.NewArrayBuffer(data)), nil
}

func (b *Buffer) take(transferIn bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumed {
		return nil, vmerr.NewTransferError("ArrayBuffer", "array buffer was already transferred", nil)
	}
	if !transferIn {
		return bytes.Clone(b.data), nil
	}
	data := b.data
	b.data = nil
	b.consumed = true
	return data, nil
}

// ViewKind is the element type of an ArrayBuffer view.
type ViewKind int

const (
	ViewUint8 ViewKind = iota
	ViewUint8Clamped
	ViewInt8
	ViewUint16
	ViewInt16
	ViewUint32
	ViewInt32
	ViewFloat32
	ViewFloat64
	ViewBigInt64
	ViewBigUint64
	ViewDataView
)

var viewKinds = [...]struct {
	name        string
	elementSize int
}{
	ViewUint8:        {"Uint8Array", 1},
	ViewUint8Clamped: {"Uint8ClampedArray", 1},
	ViewInt8:         {"Int8Array", 1},
	ViewUint16:       {"Uint16Array", 2},
	ViewInt16:        {"Int16Array", 2},
	ViewUint32:       {"Uint32Array", 4},
	ViewInt32:        {"Int32Array", 4},
	ViewFloat32:      {"Float32Array", 4},
	ViewFloat64:      {"Float64Array", 8},
	ViewBigInt64:     {"BigInt64Array", 8},
	ViewBigUint64:    {"BigUint64Array", 8},
	ViewDataView:     {"DataView", 1},
}

func (k ViewKind) String() string {
	if k < 0 || int(k) >= len(viewKinds) {
		return "ArrayBufferView"
	}
	return viewKinds[k].name
}

// ElementSize is the byte width of one element.
func (k ViewKind) ElementSize() int {
	if k < 0 || int(k) >= len(viewKinds) {
		return 1
	}
	return viewKinds[k].elementSize
}

// ViewKindOf parses a constructor name such as "Float64Array".
func ViewKindOf(name string) (ViewKind, bool) {
	for k, info := range viewKinds {
		if info.name == name {
			return ViewKind(k), true
		}
	}
	return 0, false
}

func viewKindOf(obj *goja.Object) (ViewKind, bool) {
	tag := tagOf(obj)
	if tag == "" {
		if obj.ClassName() != "DataView" {
			return 0, false
		}
		tag = "DataView"
	}
	return ViewKindOf(tag)
}

// View is a copy of a typed array or DataView: the element kind plus a
// snapshot of the bytes the view covered.
type View struct {
	kind   ViewKind
	buffer *Buffer
}

// NewView builds a view copy over buffer.
func NewView(kind ViewKind, buffer *Buffer) *View {
	return &View{kind: kind, buffer: buffer}
}

func copyView(src Source, obj *goja.Object, kind ViewKind, transferOut bool) (*View, error) {
	fail := func(reason string) (*View, error) {
		return nil, vmerr.NewTransferError(kind.String(), reason, nil)
	}

	backing, ok := obj.Get("buffer").(*goja.Object)
	if !ok {
		return fail("view has no backing array buffer")
	}
	ab, ok := backing.Export().(goja.ArrayBuffer)
	if !ok {
		return fail("view has no backing array buffer")
	}
	if ab.Detached() {
		return fail("backing array buffer is detached")
	}

	data := ab.Bytes()
	offset := obj.Get("byteOffset").ToInteger()
	length := obj.Get("byteLength").ToInteger()
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return fail("view is out of bounds")
	}

	if transferOut && offset == 0 && length == int64(len(data)) {
		if !ab.Detach() {
			return fail("backing array buffer could not be detached")
		}
		src.ReleaseArrayBuffer(data)
		return NewView(kind, NewBuffer(data)), nil
	}
	return NewView(kind, NewBuffer(bytes.Clone(data[offset:offset+length]))), nil
}

func (v *View) Kind() Kind { return KindView }

// ViewKind returns the element kind.
func (v *View) ViewKind() ViewKind { return v.kind }

// Buffer returns the snapshot of the viewed bytes.
func (v *View) Buffer() *Buffer { return v.buffer }

func (v *View) Size() int { return v.buffer.Size() }

func (v *View) WorstCaseHeapSize() int { return v.buffer.WorstCaseHeapSize() + primitiveHeapSize }

func (v *View) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, v, false)
}

func (v *View) copyInto(dst Destination, transferIn bool) (goja.Value, error) {
	ctor, ok := dst.Intrinsics().ViewConstructor(v.kind)
	if !ok {
		return nil, vmerr.NewTransferError(v.kind.String(), "not supported by the destination isolate", nil)
	}
	buffer, err := v.buffer.copyInto(dst, transferIn)
	if err != nil {
		return nil, err
	}
	return construct(dst.VM(), ctor, buffer)
}
