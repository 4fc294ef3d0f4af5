package isolate

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// maxArrayBufferLength caps a single script allocation.
const maxArrayBufferLength = 1 << 32

// HeapStatistics is a sample of an isolate's accounted memory.
type HeapStatistics struct {
	UsedHeapSize   int64 `json:"used_heap_size"`
	ExternalMemory int64 `json:"external_memory"`
	TotalHeapSize  int64 `json:"total_heap_size"`
	HeapSizeLimit  int64 `json:"heap_size_limit"`
	PeakHeapSize   int64 `json:"peak_heap_size"`
	TrackedBuffers int   `json:"tracked_buffers"`
	Collections    int64 `json:"collections"`
}

// heapLedger accounts the memory an isolate owns outside the engine's
// object graph: array buffer backing stores and external adjustments.
// Buffers leave the ledger when the Go collector reclaims them or when they
// are transferred to another isolate.
type heapLedger struct {
	limit    int64
	buffers  atomic.Int64
	external atomic.Int64
	peak     atomic.Int64

	mu   sync.Mutex
	live map[weak.Pointer[byte]]*allocation

	// owner is weak so pending cleanups never keep an isolate alive.
	owner weak.Pointer[Environment]
}

type allocation struct {
	ledger *heapLedger
	key    weak.Pointer[byte]
	size   int64
	freed  atomic.Bool
}

func newHeapLedger(owner *Environment, limit int64) *heapLedger {
	return &heapLedger{
		limit: limit,
		live:  make(map[weak.Pointer[byte]]*allocation),
		owner: weak.Make(owner),
	}
}

func (l *heapLedger) used() int64 {
	return l.buffers.Load() + l.external.Load()
}

func (l *heapLedger) wouldExceed(n int64) bool {
	return l.limit > 0 && l.used()+n > l.limit
}

func (l *heapLedger) track(data []byte) {
	if len(data) == 0 {
		return
	}
	ptr := &data[0]
	a := &allocation{ledger: l, key: weak.Make(ptr), size: int64(len(data))}

	l.mu.Lock()
	l.live[a.key] = a
	l.mu.Unlock()

	l.notePeak(l.buffers.Add(a.size) + l.external.Load())
	runtime.AddCleanup(ptr, (*allocation).collected, a)
}

func (l *heapLedger) release(data []byte) {
	if len(data) == 0 {
		return
	}
	key := weak.Make(&data[0])

	l.mu.Lock()
	a, ok := l.live[key]
	if ok {
		delete(l.live, key)
	}
	l.mu.Unlock()

	if ok && a.freed.CompareAndSwap(false, true) {
		l.buffers.Add(-a.size)
	}
}

func (l *heapLedger) adjustExternal(delta int64) {
	l.notePeak(l.external.Add(delta) + l.buffers.Load())
}

func (l *heapLedger) notePeak(used int64) {
	for {
		peak := l.peak.Load()
		if used <= peak || l.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

func (l *heapLedger) trackedBuffers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// collected runs on the collector's cleanup goroutine once a buffer is
// unreachable.
func (a *allocation) collected() {
	if !a.freed.CompareAndSwap(false, true) {
		return
	}
	l := a.ledger
	l.mu.Lock()
	if l.live[a.key] == a {
		delete(l.live, a.key)
	}
	l.mu.Unlock()
	l.buffers.Add(-a.size)

	if env := l.owner.Value(); env != nil {
		env.gcEpilogue()
	}
}

// HeapStatistics samples the isolate's accounted memory. It is safe to call
// from any goroutine.
func (e *Environment) HeapStatistics() HeapStatistics {
	buffers, external := e.heap.buffers.Load(), e.heap.external.Load()
	return HeapStatistics{
		UsedHeapSize:   buffers,
		ExternalMemory: external,
		TotalHeapSize:  buffers + external,
		HeapSizeLimit:  e.heap.limit,
		PeakHeapSize:   e.heap.peak.Load(),
		TrackedBuffers: e.heap.trackedBuffers(),
		Collections:    e.collections.Load(),
	}
}

func (e *Environment) checkHeap(expected int64) error {
	if e.heap.wouldExceed(expected) {
		e.metrics.IncHeapPrecheckRejects()
		return vmerr.ErrMemoryLimitExceeded
	}
	return nil
}

// gcEpilogue samples the heap after the collector reclaimed tracked memory.
func (e *Environment) gcEpilogue() {
	e.collections.Add(1)
	e.sampleHeap()
}

// sampleHeap enforces the ceiling and asks for a collection once usage
// passes 80 percent of it. It may run on any goroutine.
func (e *Environment) sampleHeap() {
	limit := e.heap.limit
	if limit <= 0 || e.root {
		return
	}
	used := e.heap.used()
	if used > limit {
		e.memoryLimitHit(used)
		return
	}
	if used*5/4 > limit && e.lowMemoryPending.CompareAndSwap(false, true) {
		if err := e.scheduler.PushInterrupt(RunnableFunc(e.lowMemory)); err != nil {
			e.lowMemoryPending.Store(false)
		}
	}
}

func (e *Environment) lowMemory(*Executor) {
	defer e.lowMemoryPending.Store(false)
	if e.gcLimiter != nil && !e.gcLimiter.Allow() {
		return
	}
	runtime.GC()
	e.metrics.IncLowMemoryCollections()
	e.logger.Debug("collected garbage near memory limit",
		zap.Int64("used", e.heap.used()),
		zap.Int64("limit", e.heap.limit),
	)
}

func (e *Environment) memoryLimitHit(used int64) {
	if !e.hitMemoryLimit.CompareAndSwap(false, true) {
		return
	}
	e.metrics.IncMemoryLimitHits()
	e.logger.Warn("isolate exceeded its memory limit",
		zap.Int64("used", used),
		zap.Int64("limit", e.heap.limit),
	)
	if err := e.Terminate(); err != nil {
		e.logger.Error("terminate after memory limit", zap.Error(err))
	}
}

// reclaim gives the collector one chance to free tracked buffers before an
// allocation of n bytes is refused.
func (e *Environment) reclaim(n int64) bool {
	if n > e.heap.limit-e.heap.external.Load() {
		return false
	}
	runtime.GC()
	for i := 0; i < 10 && e.heap.wouldExceed(n); i++ {
		time.Sleep(time.Millisecond)
	}
	return !e.heap.wouldExceed(n)
}

func (e *Environment) allocate(exec *Executor, n int64) (goja.ArrayBuffer, error) {
	if e.heap.wouldExceed(n) && !e.reclaim(n) {
		e.memoryLimitHit(e.heap.used() + n)
		return goja.ArrayBuffer{}, vmerr.ErrMemoryLimitExceeded
	}
	return exec.NewArrayBuffer(make([]byte, n)), nil
}

// allocFunc backs the ArrayBuffer and typed array constructors of the
// isolate. It is a safe point for interrupts.
func (e *Environment) allocFunc(call goja.FunctionCall) goja.Value {
	exec := e.Current()
	length := call.Argument(0)

	var n float64
	if !goja.IsUndefined(length) {
		n = length.ToFloat()
		if math.IsNaN(n) {
			n = 0
		}
		n = math.Trunc(n)
	}
	if n < 0 || n > maxArrayBufferLength {
		transfer.Throw(exec, transfer.NewError(transfer.ErrorTypeRange, "Invalid array buffer length", ""))
	}

	ab, err := e.allocate(exec, int64(n))
	if err != nil {
		transfer.Throw(exec, transfer.NewError(transfer.ErrorTypeRange, "Array buffer allocation failed", ""))
	}
	exec.ServiceInterrupts()
	return e.vm.ToValue(ab)
}

// allocatorProgram routes ArrayBuffer and typed array construction through
// a host allocator so the isolate's ledger sees every backing store.
var allocatorProgram = goja.MustCompile("allocator.js", `(function (alloc) {
	"use strict";
	const define = Object.defineProperty;
	const construct = Reflect.construct;
	const NativeArrayBuffer = ArrayBuffer;

	const ArrayBufferShim = function (length) {
		if (new.target === undefined) {
			throw new TypeError("Constructor ArrayBuffer requires 'new'");
		}
		const buffer = alloc(length);
		if (new.target !== ArrayBufferShim) {
			Object.setPrototypeOf(buffer, new.target.prototype);
		}
		return buffer;
	};
	for (const key of Reflect.ownKeys(NativeArrayBuffer)) {
		if (key !== "prototype" && key !== "length" && key !== "name") {
			define(ArrayBufferShim, key, Object.getOwnPropertyDescriptor(NativeArrayBuffer, key));
		}
	}
	define(ArrayBufferShim, "name", {value: "ArrayBuffer"});
	define(ArrayBufferShim, "prototype", {value: NativeArrayBuffer.prototype, writable: false});
	define(NativeArrayBuffer.prototype, "constructor", {value: ArrayBufferShim, writable: true, configurable: true});
	define(globalThis, "ArrayBuffer", {value: ArrayBufferShim, writable: true, configurable: true});

	const names = [
		"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array",
		"Int32Array", "Uint32Array", "Float32Array", "Float64Array",
		"BigInt64Array", "BigUint64Array",
	];
	for (const name of names) {
		const Native = globalThis[name];
		if (typeof Native !== "function") {
			continue;
		}
		const size = Native.BYTES_PER_ELEMENT;
		const Shim = function (...args) {
			if (new.target === undefined) {
				throw new TypeError("Constructor " + name + " requires 'new'");
			}
			const first = args[0];
			if (typeof first !== "object" || first === null) {
				const length = first === undefined ? 0 : Number(first);
				if (Number.isInteger(length) && length >= 0) {
					return construct(Native, [new ArrayBufferShim(length * size)], new.target);
				}
				return construct(Native, args, new.target);
			}
			if (first instanceof NativeArrayBuffer) {
				return construct(Native, args, new.target);
			}
			const source = typeof first.length === "number" ? first : Array.from(first);
			const view = construct(Native, [new ArrayBufferShim(source.length * size)], new.target);
			view.set(source);
			return view;
		};
		define(Shim, "name", {value: name});
		define(Shim, "length", {value: 3});
		define(Shim, "prototype", {value: Native.prototype, writable: false});
		define(Shim, "BYTES_PER_ELEMENT", {value: size});
		Object.setPrototypeOf(Shim, Object.getPrototypeOf(Native));
		define(Native.prototype, "constructor", {value: Shim, writable: true, configurable: true});
		define(globalThis, name, {value: Shim, writable: true, configurable: true});
	}
})`, true)

func (e *Environment) installAllocator() error {
	v, err := e.vm.RunProgram(allocatorProgram)
	if err != nil {
		return err
	}
	install, ok := goja.AssertFunction(v)
	if !ok {
		return vmerr.ErrEngineFatal
	}
	_, err = install(goja.Undefined(), e.vm.ToValue(e.allocFunc))
	return err
}
