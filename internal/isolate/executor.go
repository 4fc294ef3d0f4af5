package isolate

import (
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
)

// Executor is proof that the calling goroutine owns an isolate. Every engine
// call goes through one; it is only valid between Lock and Unlock.
//
// Executor implements transfer.Source and transfer.Destination for its
// isolate.
type Executor struct {
	env      *Environment
	last     *Executor
	restore  *Executor
	unlocked bool
}

// Lock acquires exclusive use of e's engine and publishes the returned
// executor as e's current one. last is the executor the caller already holds
// in another isolate, if any.
func (e *Environment) Lock(last *Executor) *Executor {
	e.engineMu.Lock()
	exec := &Executor{env: e, last: last}
	exec.restore = e.current.Swap(exec)
	return exec
}

// Unlock releases the engine and restores the previously published executor.
func (x *Executor) Unlock() {
	if x.unlocked {
		return
	}
	x.unlocked = true
	x.env.current.Store(x.restore)
	x.env.engineMu.Unlock()
}

// Current returns the executor that holds e right now, or nil.
func (e *Environment) Current() *Executor {
	return e.current.Load()
}

// Environment returns the isolate this executor owns.
func (x *Executor) Environment() *Environment { return x.env }

// Last returns the executor the owner held when it took this one.
func (x *Executor) Last() *Executor { return x.last }

// IsDefaultThread reports whether this executor runs on the root host loop.
func (x *Executor) IsDefaultThread() bool { return x.env.root }

// VM returns the engine runtime.
func (x *Executor) VM() *goja.Runtime { return x.env.vm }

func (x *Executor) Intrinsics() *transfer.Intrinsics { return x.env.intrinsics }

func (x *Executor) HandleSymbol() *goja.Symbol { return x.env.handleSymbol }

// CheckHeap rejects an allocation of expected bytes that would exceed the
// isolate's memory limit.
func (x *Executor) CheckHeap(expected int) error {
	return x.env.checkHeap(int64(expected))
}

// NewArrayBuffer wraps data in an ArrayBuffer charged to this isolate.
func (x *Executor) NewArrayBuffer(data []byte) goja.ArrayBuffer {
	x.env.heap.track(data)
	x.env.sampleHeap()
	return x.env.vm.NewArrayBuffer(data)
}

func (x *Executor) AdjustExternalMemory(delta int64) {
	x.env.heap.adjustExternal(delta)
	if delta > 0 {
		x.env.sampleHeap()
	}
}

func (x *Executor) ReleaseArrayBuffer(data []byte) {
	x.env.heap.release(data)
}

// MaxCopySize is the isolate's memory limit. The root isolate is unbounded.
func (x *Executor) MaxCopySize() int {
	if x.env.root {
		return 0
	}
	return int(x.env.heap.limit)
}

// AddWeakCallback registers fn to run exactly once when the isolate is torn
// down. It returns an id for RemoveWeakCallback.
func (x *Executor) AddWeakCallback(fn func()) WeakID {
	return x.env.weak.add(fn)
}

// RemoveWeakCallback cancels a registration. It reports whether the
// registration was still live.
func (x *Executor) RemoveWeakCallback(id WeakID) bool {
	return x.env.weak.remove(id)
}

// Retain stores v in the isolate's object table and returns its slot.
func (x *Executor) Retain(v goja.Value) uint64 {
	return x.env.objects.put(v)
}

// Retained returns the value stored in slot.
func (x *Executor) Retained(slot uint64) (goja.Value, bool) {
	return x.env.objects.get(slot)
}

// Forget drops slot from the object table.
func (x *Executor) Forget(slot uint64) {
	x.env.objects.remove(slot)
}

// ServiceInterrupts runs queued interrupts now. Host functions call it at
// safe points so interrupts are not starved by long-running scripts.
func (x *Executor) ServiceInterrupts() {
	x.env.serviceInterrupts(x)
}

// TaskEpilogue reports failures that script code did not surface itself: a
// breached memory limit first, then an unobserved promise rejection.
func (x *Executor) TaskEpilogue() error {
	return x.env.taskEpilogue()
}

var (
	_ transfer.Source      = (*Executor)(nil)
	_ transfer.Destination = (*Executor)(nil)
)
