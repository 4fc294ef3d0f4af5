package transfer

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// MapEntry is one key/value pair of an exported Map.
type MapEntry struct {
	Key   any
	Value any
}

// ViewValue is an exported typed array or DataView.
type ViewValue struct {
	Kind  ViewKind
	Bytes []byte
}

// FromGo snapshots a host value so it can be materialized in any isolate.
//
// Supported values are nil, booleans, numbers, *big.Int, strings,
// time.Time, []byte, errors, *ViewValue, slices and string-keyed maps of
// those. Anything else is a TransferError.
func FromGo(v any) (ExternalCopy, error) {
	switch x := v.(type) {
	case nil:
		return nullCopy, nil
	case ExternalCopy:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return NewString(x), nil
	case *big.Int:
		return BigInt(x), nil
	case time.Time:
		return NewDate(x), nil
	case []byte:
		return NewBuffer(bytes.Clone(x)), nil
	case *ViewValue:
		return NewView(x.Kind, NewBuffer(bytes.Clone(x.Bytes))), nil
	case error:
		return NewError(ErrorTypeError, x.Error(), ""), nil
	}
	if f, ok := goNumber(reflect.ValueOf(v)); ok {
		return Number(f), nil
	}

	e := &goEncoder{seen: make(map[uintptr]bool)}
	e.buf = protowire.AppendTag(e.buf, tagVersion, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, serialVersion)
	if err := e.value(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return &Serialized{data: e.buf}, nil
}

func goNumber(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

type goEncoder struct {
	buf   []byte
	seen  map[uintptr]bool
	depth int
}

func (e *goEncoder) value(rv reflect.Value) error {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return vmerr.NewTransferError("object", "value is nested too deeply", nil)
	}

	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			e.buf = protowire.AppendTag(e.buf, tagNull, protowire.VarintType)
			e.buf = protowire.AppendVarint(e.buf, 0)
			return nil
		}
		if rv.Kind() == reflect.Pointer && rv.Type() != reflect.TypeOf((*big.Int)(nil)) && rv.Type() != reflect.TypeOf((*ViewValue)(nil)) {
			rv = rv.Elem()
			continue
		}
		if rv.Kind() == reflect.Interface {
			rv = rv.Elem()
			continue
		}
		break
	}
	if !rv.IsValid() {
		e.buf = protowire.AppendTag(e.buf, tagNull, protowire.VarintType)
		e.buf = protowire.AppendVarint(e.buf, 0)
		return nil
	}

	switch x := rv.Interface().(type) {
	case bool:
		var b uint64
		if x {
			b = 1
		}
		e.buf = protowire.AppendTag(e.buf, tagBool, protowire.VarintType)
		e.buf = protowire.AppendVarint(e.buf, b)
		return nil
	case string:
		e.text(tagString, x)
		return nil
	case *big.Int:
		e.text(tagBigInt, x.String())
		return nil
	case time.Time:
		e.float(tagDate, float64(x.UnixMilli()))
		return nil
	case []byte:
		e.buf = protowire.AppendTag(e.buf, tagArrayBuffer, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, x)
		return nil
	case *ViewValue:
		e.buf = protowire.AppendTag(e.buf, tagView, protowire.VarintType)
		e.buf = protowire.AppendVarint(e.buf, uint64(x.Kind))
		e.buf = protowire.AppendBytes(e.buf, x.Bytes)
		return nil
	case error:
		e.buf = protowire.AppendTag(e.buf, tagError, protowire.VarintType)
		e.buf = protowire.AppendVarint(e.buf, uint64(ErrorTypeError))
		e.buf = protowire.AppendString(e.buf, x.Error())
		e.buf = protowire.AppendString(e.buf, "")
		return nil
	}
	if f, ok := goNumber(rv); ok {
		e.float(tagNumber, f)
		return nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return e.value(reflect.ValueOf(rv.Bool()))
	case reflect.String:
		e.text(tagString, rv.String())
		return nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if e.seen[rv.Pointer()] && rv.Len() > 0 {
				return vmerr.NewTransferError("slice", "cyclic host values are not supported", nil)
			}
			e.seen[rv.Pointer()] = true
			defer delete(e.seen, rv.Pointer())
		}
		e.buf = protowire.AppendTag(e.buf, tagArray, protowire.VarintType)
		e.buf = protowire.AppendVarint(e.buf, uint64(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			if err := e.value(rv.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return vmerr.NewTransferError(rv.Type().String(), "map keys must be strings", nil)
		}
		if e.seen[rv.Pointer()] {
			return vmerr.NewTransferError("map", "cyclic host values are not supported", nil)
		}
		e.seen[rv.Pointer()] = true
		defer delete(e.seen, rv.Pointer())

		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		e.buf = protowire.AppendTag(e.buf, tagObject, protowire.VarintType)
		e.buf = protowire.AppendVarint(e.buf, uint64(len(keys)))
		for _, k := range keys {
			e.buf = protowire.AppendString(e.buf, k)
			if err := e.value(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))); err != nil {
				return err
			}
		}
		return nil
	}
	return vmerr.NewTransferError(rv.Type().String(), "unsupported host value", nil)
}

func (e *goEncoder) text(num protowire.Number, s string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *goEncoder) float(num protowire.Number, f float64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(f))
}

// Export converts a snapshot into plain host values: nil for undefined and
// null, bool, float64, *big.Int, string, time.Time, []byte, *Error,
// *ViewValue, []any, map[string]any and []MapEntry for Maps. Shared
// references inside a serialized graph stay shared; cycles through arrays
// and objects are preserved.
func Export(c ExternalCopy) (any, error) {
	switch x := c.(type) {
	case *Primitive:
		return x.Value(), nil
	case *String:
		return x.Value(), nil
	case *Date:
		return x.Time(), nil
	case *Error:
		return x, nil
	case *Buffer:
		return x.Bytes(), nil
	case *View:
		return &ViewValue{Kind: x.kind, Bytes: x.buffer.Bytes()}, nil
	case *Serialized:
		d := &goDecoder{r: &reader{buf: x.data}}
		num, err := d.r.tag()
		if err != nil {
			return nil, err
		}
		version, err := d.r.varint()
		if err != nil {
			return nil, err
		}
		if num != tagVersion || version != serialVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, version)
		}
		return d.read()
	}
	return nil, vmerr.NewTransferError(c.Kind().String(), "cannot be exported", nil)
}

// maxExportLength bounds the Go slice made for an array with holes.
const maxExportLength = 1 << 24

type goDecoder struct {
	r     *reader
	objs  []any
	depth int
}

func (d *goDecoder) read() (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth+1 {
		return nil, errCorrupt
	}

	r := d.r
	num, err := r.tag()
	if err != nil {
		return nil, err
	}

	switch num {
	case tagUndefined, tagNull:
		_, err := r.varint()
		return nil, err
	case tagBool:
		v, err := r.varint()
		return v != 0, err
	case tagNumber:
		return r.float()
	case tagBigInt:
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, errCorrupt
		}
		return i, nil
	case tagString:
		return r.string()
	case tagDate:
		f, err := r.float()
		if err != nil {
			return nil, err
		}
		t := (&Date{millis: f}).Time()
		d.objs = append(d.objs, t)
		return t, nil
	case tagRegExp:
		source, err := r.string()
		if err != nil {
			return nil, err
		}
		flags, err := r.string()
		if err != nil {
			return nil, err
		}
		s := "/" + source + "/" + flags
		d.objs = append(d.objs, s)
		return s, nil
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
		e := NewError(ErrorType(t), message, stack)
		d.objs = append(d.objs, e)
		return e, nil
	case tagArrayBuffer:
		data, err := r.bytes()
		if err != nil {
			return nil, err
		}
		b := bytes.Clone(data)
		d.objs = append(d.objs, b)
		return b, nil
	case tagView:
		k, err := r.varint()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes()
		if err != nil {
			return nil, err
		}
		v := &ViewValue{Kind: ViewKind(k), Bytes: bytes.Clone(data)}
		d.objs = append(d.objs, v)
		return v, nil
	case tagArray, tagSet:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		items := make([]any, n)
		d.objs = append(d.objs, items)
		for i := range items {
			if items[i], err = d.read(); err != nil {
				return nil, err
			}
		}
		return items, nil
	case tagSparseArray:
		length, err := r.varint()
		if err != nil {
			return nil, err
		}
		if length > maxExportLength {
			return nil, vmerr.NewTransferError("array", fmt.Sprintf("length %d is too large to export", length), nil)
		}
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		items := make([]any, length)
		d.objs = append(d.objs, items)
		for i := 0; i < n; i++ {
			index, err := r.varint()
			if err != nil || index >= length {
				return nil, errCorrupt
			}
			if items[index], err = d.read(); err != nil {
				return nil, err
			}
		}
		return items, nil
	case tagObject:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		d.objs = append(d.objs, obj)
		for i := 0; i < n; i++ {
			key, err := r.string()
			if err != nil {
				return nil, err
			}
			if obj[key], err = d.read(); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case tagMap:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		entries := make([]MapEntry, n)
		d.objs = append(d.objs, entries)
		for i := range entries {
			if entries[i].Key, err = d.read(); err != nil {
				return nil, err
			}
			if entries[i].Value, err = d.read(); err != nil {
				return nil, err
			}
		}
		return entries, nil
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
