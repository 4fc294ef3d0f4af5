package transfer

import (
	"fmt"

	"github.com/dop251/goja"
)

// Intrinsics holds the built-in constructors and methods of one isolate as
// they were before any script ran, so copies behave the same even when
// script code replaces globals.
type Intrinsics struct {
	Date     goja.Value
	RegExp   goja.Value
	Map      goja.Value
	Set      goja.Value
	DataView goja.Value

	errors map[ErrorType]goja.Value
	views  map[ViewKind]goja.Value

	getTime func(this goja.Value) (goja.Value, error)
	entries goja.Callable
	mapSet  goja.Callable
	setAdd  goja.Callable
}

var intrinsicsProgram = goja.MustCompile("intrinsics.js", `(function () {
	"use strict";
	const from = Array.from;
	return {
		Date: Date,
		RegExp: RegExp,
		Map: Map,
		Set: Set,
		DataView: DataView,
		Error: Error,
		RangeError: RangeError,
		ReferenceError: ReferenceError,
		SyntaxError: SyntaxError,
		TypeError: TypeError,
		Uint8Array: Uint8Array,
		Uint8ClampedArray: Uint8ClampedArray,
		Int8Array: Int8Array,
		Uint16Array: Uint16Array,
		Int16Array: Int16Array,
		Uint32Array: Uint32Array,
		Int32Array: Int32Array,
		Float32Array: Float32Array,
		Float64Array: Float64Array,
		BigInt64Array: typeof BigInt64Array === "function" ? BigInt64Array : undefined,
		BigUint64Array: typeof BigUint64Array === "function" ? BigUint64Array : undefined,
		getTime: Date.prototype.getTime,
		entries: function (collection) { return from(collection); },
		mapSet: Map.prototype.set,
		setAdd: Set.prototype.add,
	};
})()`, true)

// NewIntrinsics captures the built-ins of vm. It must run before any
// untrusted code does.
func NewIntrinsics(vm *goja.Runtime) (*Intrinsics, error) {
	v, err := vm.RunProgram(intrinsicsProgram)
	if err != nil {
		return nil, fmt.Errorf("capture intrinsics: %w", err)
	}
	obj := v.ToObject(vm)

	in := &Intrinsics{
		Date:     obj.Get("Date"),
		RegExp:   obj.Get("RegExp"),
		Map:      obj.Get("Map"),
		Set:      obj.Get("Set"),
		DataView: obj.Get("DataView"),
		errors:   make(map[ErrorType]goja.Value, len(errorTypeNames)),
		views:    make(map[ViewKind]goja.Value, len(viewKinds)),
	}
	for t, name := range errorTypeNames {
		in.errors[t] = obj.Get(name)
	}
	for k, info := range viewKinds {
		if ctor := obj.Get(info.name); ctor != nil && !goja.IsUndefined(ctor) {
			in.views[ViewKind(k)] = ctor
		}
	}

	callables := map[string]*goja.Callable{
		"entries": &in.entries,
		"mapSet":  &in.mapSet,
		"setAdd":  &in.setAdd,
	}
	for name, dst := range callables {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, fmt.Errorf("capture intrinsics: %s is not callable", name)
		}
		*dst = fn
	}
	getTime, ok := goja.AssertFunction(obj.Get("getTime"))
	if !ok {
		return nil, fmt.Errorf("capture intrinsics: getTime is not callable")
	}
	in.getTime = func(this goja.Value) (goja.Value, error) { return getTime(this) }

	return in, nil
}

// ErrorConstructor returns the native constructor for t.
func (in *Intrinsics) ErrorConstructor(t ErrorType) goja.Value {
	if ctor, ok := in.errors[t]; ok {
		return ctor
	}
	return in.errors[ErrorTypeError]
}

// ViewConstructor returns the native constructor for k, if the engine has one.
func (in *Intrinsics) ViewConstructor(k ViewKind) (goja.Value, bool) {
	ctor, ok := in.views[k]
	return ctor, ok
}

func construct(vm *goja.Runtime, ctor goja.Value, args ...goja.Value) (goja.Value, error) {
	obj, err := vm.New(ctor, args...)
	if err != nil {
		return nil, err
	}
	return obj, nil
}
