package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/dop251/goja"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// Record tags of the structured clone format. Every record starts with a
// protowire tag whose field number is one of these; the payload layout is
// fixed per tag.
const (
	tagVersion protowire.Number = iota + 1
	tagUndefined
	tagNull
	tagBool
	tagNumber
	tagBigInt
	tagString
	tagDate
	tagRegExp
	tagError
	tagArrayBuffer
	tagView
	tagArray
	tagObject
	tagMap
	tagSet
	tagRef
	tagSparseArray
)

const (
	serialVersion = 1
	maxDepth      = 1000
	// maxArrayLength is the largest length a script array can have.
	maxArrayLength = 1<<32 - 1
)

// DefaultMaxCopySize bounds snapshots taken from a source without a limit of
// its own.
const DefaultMaxCopySize = 1 << 30

var errCorrupt = errors.New("serialized value is corrupt")

// Serialized is a copy of an arbitrary object graph, encoded as a structured
// clone. It preserves shared and cyclic references within the graph.
type Serialized struct {
	data []byte
}

func (s *Serialized) Kind() Kind { return KindSerialized }

func (s *Serialized) Size() int { return len(s.data) }

func (s *Serialized) WorstCaseHeapSize() int { return len(s.data) }

// Bytes returns the encoded form.
func (s *Serialized) Bytes() []byte { return bytes.Clone(s.data) }

func (s *Serialized) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, s, false)
}

func (s *Serialized) copyInto(dst Destination, _ bool) (goja.Value, error) {
	d := &decoder{dst: dst, vm: dst.VM(), in: dst.Intrinsics(), buf: s.data}
	if err := d.header(); err != nil {
		return nil, err
	}
	v, err := d.value()
	if err != nil {
		return nil, fmt.Errorf("deserialize: %w", err)
	}
	return v, nil
}

// ============================================================================
// Encoding
// ============================================================================

type encoder struct {
	src   Source
	buf   []byte
	ids   map[*goja.Object]uint64
	depth int
	limit int
}

func serialize(src Source, obj *goja.Object) (*Serialized, error) {
	limit := src.MaxCopySize()
	if limit <= 0 {
		limit = DefaultMaxCopySize
	}
	e := &encoder{src: src, ids: make(map[*goja.Object]uint64), limit: limit}
	e.buf = protowire.AppendTag(e.buf, tagVersion, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, serialVersion)
	if err := e.value(obj); err != nil {
		return nil, err
	}
	if err := e.checkSize(); err != nil {
		return nil, err
	}
	return &Serialized{data: e.buf}, nil
}

func (e *encoder) checkSize() error {
	if len(e.buf) > e.limit {
		return vmerr.NewTransferError("object", fmt.Sprintf("copy exceeds %d bytes", e.limit), vmerr.ErrMemoryLimitExceeded)
	}
	return nil
}

func (e *encoder) tag(num protowire.Number, typ protowire.Type) {
	e.buf = protowire.AppendTag(e.buf, num, typ)
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	e.tag(num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) float(num protowire.Number, f float64) {
	e.tag(num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(f))
}

func (e *encoder) text(num protowire.Number, s string) {
	e.tag(num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *encoder) value(v goja.Value) error {
	if err := e.checkSize(); err != nil {
		return err
	}
	if v == nil || goja.IsUndefined(v) {
		e.varint(tagUndefined, 0)
		return nil
	}
	if goja.IsNull(v) {
		e.varint(tagNull, 0)
		return nil
	}

	switch x := v.(type) {
	case *goja.Symbol:
		return vmerr.NewTransferError("symbol", "", nil)
	case *goja.Object:
		return e.object(x)
	}

	switch x := v.Export().(type) {
	case bool:
		var b uint64
		if x {
			b = 1
		}
		e.varint(tagBool, b)
	case int64:
		e.float(tagNumber, float64(x))
	case float64:
		e.float(tagNumber, x)
	case string:
		e.text(tagString, x)
	case *big.Int:
		e.text(tagBigInt, x.String())
	default:
		return vmerr.NewTransferError(fmt.Sprintf("%T", x), "unsupported value", nil)
	}
	return nil
}

func (e *encoder) object(obj *goja.Object) error {
	if id, ok := e.ids[obj]; ok {
		e.varint(tagRef, id)
		return nil
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return vmerr.NewTransferError("function", "", nil)
	}
	if isHandle(e.src, obj) {
		return vmerr.NewTransferError("handle", "handles cannot be nested inside a copied value", nil)
	}

	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return vmerr.NewTransferError("object", "value is nested too deeply", nil)
	}
	e.ids[obj] = uint64(len(e.ids))

	switch obj.ClassName() {
	case "Date":
		e.float(tagDate, copyDate(e.src, obj).(*Date).millis)
		return nil
	case "Error":
		c := copyError(obj)
		e.varint(tagError, uint64(c.errorType))
		e.buf = protowire.AppendString(e.buf, c.Message())
		e.buf = protowire.AppendString(e.buf, c.Stack())
		return nil
	case "RegExp":
		e.text(tagRegExp, stringProperty(obj, "source"))
		e.buf = protowire.AppendString(e.buf, stringProperty(obj, "flags"))
		return nil
	case "Array":
		return e.array(obj)
	}

	switch tag := tagOf(obj); tag {
	case "ArrayBuffer":
		ab, ok := obj.Export().(goja.ArrayBuffer)
		if !ok || ab.Detached() {
			return vmerr.NewTransferError("ArrayBuffer", "array buffer is detached", nil)
		}
		e.tag(tagArrayBuffer, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, ab.Bytes())
		return nil
	case "Map", "Set":
		return e.collection(obj, tag)
	case "Promise", "WeakMap", "WeakSet", "WeakRef", "Generator", "AsyncGenerator":
		return vmerr.NewTransferError(tag, "", nil)
	}

	if kind, ok := viewKindOf(obj); ok {
		view, err := copyView(e.src, obj, kind, false)
		if err != nil {
			return err
		}
		e.varint(tagView, uint64(kind))
		e.buf = protowire.AppendBytes(e.buf, view.buffer.data)
		return nil
	}

	keys := obj.Keys()
	e.varint(tagObject, uint64(len(keys)))
	for _, key := range keys {
		e.buf = protowire.AppendString(e.buf, key)
		if err := e.value(obj.Get(key)); err != nil {
			return err
		}
	}
	return nil
}

// array writes a dense array element by element. An array with holes is
// written as its length plus the indices it actually has, so the encoding is
// bounded by what the script allocated rather than by its length.
func (e *encoder) array(obj *goja.Object) error {
	length := obj.Get("length").ToInteger()
	var indices []int64
	for _, key := range obj.Keys() {
		if i, ok := arrayIndex(key); ok && i < length {
			indices = append(indices, i)
		}
	}

	if int64(len(indices)) == length {
		e.varint(tagArray, uint64(length))
		for _, i := range indices {
			if err := e.value(obj.Get(strconv.FormatInt(i, 10))); err != nil {
				return err
			}
		}
		return nil
	}

	e.varint(tagSparseArray, uint64(length))
	e.buf = protowire.AppendVarint(e.buf, uint64(len(indices)))
	for _, i := range indices {
		e.buf = protowire.AppendVarint(e.buf, uint64(i))
		if err := e.value(obj.Get(strconv.FormatInt(i, 10))); err != nil {
			return err
		}
	}
	return nil
}

// arrayIndex parses a canonical array index key.
func arrayIndex(key string) (int64, bool) {
	i, err := strconv.ParseUint(key, 10, 32)
	if err != nil || i >= maxArrayLength || strconv.FormatUint(i, 10) != key {
		return 0, false
	}
	return int64(i), true
}

func (e *encoder) collection(obj *goja.Object, tag string) error {
	list, err := e.src.Intrinsics().entries(goja.Undefined(), obj)
	if err != nil {
		return vmerr.NewTransferError(tag, err.Error(), err)
	}
	items := list.ToObject(e.src.VM())
	n := items.Get("length").ToInteger()

	if tag == "Set" {
		e.varint(tagSet, uint64(n))
		for i := int64(0); i < n; i++ {
			if err := e.value(items.Get(strconv.FormatInt(i, 10))); err != nil {
				return err
			}
		}
		return nil
	}

	e.varint(tagMap, uint64(n))
	for i := int64(0); i < n; i++ {
		pair := items.Get(strconv.FormatInt(i, 10)).ToObject(e.src.VM())
		if err := e.value(pair.Get("0")); err != nil {
			return err
		}
		if err := e.value(pair.Get("1")); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Decoding
// ============================================================================

type decoder struct {
	dst   Destination
	vm    *goja.Runtime
	in    *Intrinsics
	buf   []byte
	objs  []goja.Value
	depth int
}

type reader struct {
	buf []byte
}

func (r *reader) tag() (protowire.Number, error) {
	num, _, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		return 0, errCorrupt
	}
	r.buf = r.buf[n:]
	return num, nil
}

func (r *reader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		return 0, errCorrupt
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) float() (float64, error) {
	v, n := protowire.ConsumeFixed64(r.buf)
	if n < 0 {
		return 0, errCorrupt
	}
	r.buf = r.buf[n:]
	return math.Float64frombits(v), nil
}

func (r *reader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		return nil, errCorrupt
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

// count reads a container length and rejects lengths the remaining input
// cannot possibly hold.
func (r *reader) count() (int, error) {
	n, err := r.varint()
	if err != nil {
		return 0, err
	}
	if n > uint64(len(r.buf)) {
		return 0, errCorrupt
	}
	return int(n), nil
}

func (d *decoder) header() error {
	r := &reader{buf: d.buf}
	num, err := r.tag()
	if err != nil {
		return err
	}
	version, err := r.varint()
	if err != nil {
		return err
	}
	if num != tagVersion || version != serialVersion {
		return fmt.Errorf("%w: unsupported version %d", errCorrupt, version)
	}
	d.buf = r.buf
	return nil
}

func (d *decoder) register(v goja.Value) {
	d.objs = append(d.objs, v)
}

func (d *decoder) value() (goja.Value, error) {
	r := &reader{buf: d.buf}
	defer func() { d.buf = r.buf }()
	return d.read(r)
}

func (d *decoder) read(r *reader) (goja.Value, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth+1 {
		return nil, errCorrupt
	}

	num, err := r.tag()
	if err != nil {
		return nil, err
	}
	vm := d.vm

	switch num {
	case tagUndefined, tagNull, tagBool:
		v, err := r.varint()
		if err != nil {
			return nil, err
		}
		switch num {
		case tagUndefined:
			return goja.Undefined(), nil
		case tagNull:
			return goja.Null(), nil
		}
		return vm.ToValue(v != 0), nil

	case tagNumber:
		f, err := r.float()
		if err != nil {
			return nil, err
		}
		return vm.ToValue(f), nil

	case tagBigInt:
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, errCorrupt
		}
		return vm.ToValue(i), nil

	case tagString:
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		return vm.ToValue(s), nil

	case tagDate:
		f, err := r.float()
		if err != nil {
			return nil, err
		}
		date, err := construct(vm, d.in.Date, vm.ToValue(f))
		if err != nil {
			return nil, err
		}
		d.register(date)
		return date, nil

	case tagRegExp:
		source, err := r.string()
		if err != nil {
			return nil, err
		}
		flags, err := r.string()
		if err != nil {
			return nil, err
		}
		re, err := construct(vm, d.in.RegExp, vm.ToValue(source), vm.ToValue(flags))
		if err != nil {
			return nil, err
		}
		d.register(re)
		return re, nil

	case tagError:
		t, err := r.varint()
		if err != nil {
			return nil, err
		}
		message, err := r.string()
		if err != nil {
			return nil, err
		}
		stack, err := r.string()
		if err != nil {
			return nil, err
		}
		v, err := NewError(ErrorType(t), message, stack).copyInto(d.dst, false)
		if err != nil {
			return nil, err
		}
		d.register(v)
		return v, nil

	case tagArrayBuffer:
		data, err := r.bytes()
		if err != nil {
			return nil, err
		}
		v := vm.ToValue(d.dst.NewArrayBuffer(bytes.Clone(data)))
		d.register(v)
		return v, nil

	case tagView:
		k, err := r.varint()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes()
		if err != nil {
			return nil, err
		}
		v, err := NewView(ViewKind(k), NewBuffer(bytes.Clone(data))).copyInto(d.dst, true)
		if err != nil {
			return nil, err
		}
		d.register(v)
		return v, nil

	case tagArray:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		arr := vm.NewArray()
		d.register(arr)
		for i := 0; i < n; i++ {
			item, err := d.read(r)
			if err != nil {
				return nil, err
			}
			if err := arr.Set(strconv.Itoa(i), item); err != nil {
				return nil, err
			}
		}
		if err := arr.Set("length", n); err != nil {
			return nil, err
		}
		return arr, nil

	case tagSparseArray:
		length, err := r.varint()
		if err != nil {
			return nil, err
		}
		n, err := r.count()
		if err != nil || length > maxArrayLength {
			return nil, errCorrupt
		}
		arr := vm.NewArray()
		d.register(arr)
		for i := 0; i < n; i++ {
			index, err := r.varint()
			if err != nil || index >= length {
				return nil, errCorrupt
			}
			item, err := d.read(r)
			if err != nil {
				return nil, err
			}
			if err := arr.Set(strconv.FormatUint(index, 10), item); err != nil {
				return nil, err
			}
		}
		if err := arr.Set("length", length); err != nil {
			return nil, err
		}
		return arr, nil

	case tagObject:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		obj := vm.NewObject()
		d.register(obj)
		for i := 0; i < n; i++ {
			key, err := r.string()
			if err != nil {
				return nil, err
			}
			item, err := d.read(r)
			if err != nil {
				return nil, err
			}
			if err := obj.DefineDataProperty(key, item, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
				return nil, err
			}
		}
		return obj, nil

	case tagMap, tagSet:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		ctor := d.in.Map
		if num == tagSet {
			ctor = d.in.Set
		}
		coll, err := vm.New(ctor)
		if err != nil {
			return nil, err
		}
		d.register(coll)
		for i := 0; i < n; i++ {
			key, err := d.read(r)
			if err != nil {
				return nil, err
			}
			if num == tagSet {
				if _, err := d.in.setAdd(coll, key); err != nil {
					return nil, err
				}
				continue
			}
			val, err := d.read(r)
			if err != nil {
				return nil, err
			}
			if _, err := d.in.mapSet(coll, key, val); err != nil {
				return nil, err
			}
		}
		return coll, nil

	case tagRef:
		id, err := r.varint()
		if err != nil {
			return nil, err
		}
		if id >= uint64(len(d.objs)) {
			return nil, errCorrupt
		}
		return d.objs[id], nil
	}

	return nil, fmt.Errorf("%w: unknown record %d", errCorrupt, num)
}
