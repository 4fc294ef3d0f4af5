package isolate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/transfer"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/workerpool"
)

// Constraints configure a child isolate.
type Constraints struct {
	// Name is a label for logs and the API.
	Name string
	// MemoryLimitMB is the heap ceiling; zero selects the runtime default.
	MemoryLimitMB int
	// Snapshot scripts run before the isolate accepts work.
	Snapshot *Snapshot
	// Inspector enables the inspector agent at creation.
	Inspector bool
	// MaxCallStackSize bounds script recursion; zero keeps the engine default.
	MaxCallStackSize int
}

// Environment owns one engine runtime: its scheduler, memory ledger,
// rejection tracking, weak callbacks and inspector.
//
// Fields below the executor marker are only touched by the goroutine that
// holds the isolate's executor.
type Environment struct {
	id      id.IsolateID
	name    string
	root    bool
	created time.Time

	rt        *Runtime
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	gcLimiter *rate.Limiter

	vm           *goja.Runtime
	intrinsics   *transfer.Intrinsics
	handleSymbol *goja.Symbol
	scheduler    *Scheduler
	affinity     workerpool.Affinity
	holder       *Holder
	// registered is set once the isolate is visible through the registry.
	registered bool

	engineMu sync.Mutex
	current  atomic.Pointer[Executor]

	heap             *heapLedger
	collections      atomic.Int64
	hitMemoryLimit   atomic.Bool
	lowMemoryPending atomic.Bool
	fatal            atomic.Bool

	inspectorMu sync.Mutex
	inspector   *InspectorAgent

	cpuTime  atomic.Int64
	wallTime atomic.Int64
	done     chan struct{}

	// executor only
	rejections     map[*goja.Promise]goja.Value
	rejectionOrder []*goja.Promise
	weak           weakTable
	objects        objectTable
	servicing      bool
	torndown       bool
}

func newEnvironment(rt *Runtime, c Constraints, root bool) (*Environment, error) {
	isolateID := id.RootIsolate
	if !root {
		isolateID = id.NewIsolateID()
	}

	vm := goja.New()
	if c.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(c.MaxCallStackSize)
	}

	e := &Environment{
		id:         isolateID,
		name:       c.Name,
		root:       root,
		created:    time.Now(),
		rt:         rt,
		logger:     logging.ForIsolate(rt.logger, string(isolateID), c.Name),
		metrics:    rt.metrics,
		gcLimiter:  rt.gcLimiter,
		vm:         vm,
		rejections: make(map[*goja.Promise]goja.Value),
		done:       make(chan struct{}),
	}

	var limit int64
	if !root {
		limit = int64(c.MemoryLimitMB) << 20
	}
	e.heap = newHeapLedger(e, limit)

	intrinsics, err := transfer.NewIntrinsics(vm)
	if err != nil {
		return nil, err
	}
	e.intrinsics = intrinsics
	e.handleSymbol = goja.NewSymbol("isolate.handle")
	vm.SetPromiseRejectionTracker(e.trackRejection)

	if err := e.setupGlobals(); err != nil {
		return nil, fmt.Errorf("setup globals: %w", err)
	}
	if err := e.installAllocator(); err != nil {
		return nil, fmt.Errorf("install allocator: %w", err)
	}

	dispatch := rt.wakeRoot
	if !root {
		e.affinity = rt.pool.NewAffinity()
		dispatch = func() error { return rt.pool.Schedule(e.affinity, e.asyncEntry) }
	}
	e.scheduler = newScheduler(vm, root, dispatch)
	e.holder = &Holder{id: isolateID, env: e}

	if c.Snapshot != nil {
		if err := e.restore(c.Snapshot); err != nil {
			e.discard()
			return nil, err
		}
	}
	if c.Inspector {
		e.EnableInspector()
	}
	return e, nil
}

// discard tears down an isolate that never reached the registry. Nothing can
// have been queued on it, so the teardown runs on the calling goroutine.
func (e *Environment) discard() {
	e.scheduler.halt(vmerr.ErrReferenceInvalid)
	e.holder.release()
	exec := e.Lock(nil)
	defer exec.Unlock()
	e.teardown(exec)
}

func (e *Environment) restore(s *Snapshot) error {
	exec := e.Lock(nil)
	defer exec.Unlock()

	for _, script := range s.scripts {
		if _, err := e.vm.RunProgram(script.program); err != nil {
			return fmt.Errorf("snapshot %s: %w", script.name, vmerr.FromEngine(err))
		}
	}
	if err := e.taskEpilogue(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// ID returns the isolate id.
func (e *Environment) ID() id.IsolateID { return e.id }

// Name returns the label given at creation.
func (e *Environment) Name() string { return e.name }

// IsRoot reports whether e wraps the host's own context.
func (e *Environment) IsRoot() bool { return e.root }

// Created returns the creation time.
func (e *Environment) Created() time.Time { return e.created }

// Holder returns the holder created with e.
func (e *Environment) Holder() *Holder { return e.holder }

// Logger returns the isolate's logger.
func (e *Environment) Logger() *zap.Logger { return e.logger }

// Metrics returns the collectors the isolate reports to; it may be nil.
func (e *Environment) Metrics() *monitoring.Metrics { return e.metrics }

// Scheduler returns e's scheduler.
func (e *Environment) Scheduler() *Scheduler { return e.scheduler }

// Terminated reports whether Terminate was called.
func (e *Environment) Terminated() bool { return e.scheduler.Halted() }

// Done is closed once the isolate has been torn down.
func (e *Environment) Done() <-chan struct{} { return e.done }

// CPUTime is the total time spent running runnables.
func (e *Environment) CPUTime() time.Duration { return time.Duration(e.cpuTime.Load()) }

// WallTime is the total time a worker held the isolate.
func (e *Environment) WallTime() time.Duration { return time.Duration(e.wallTime.Load()) }

// Terminate stops the isolate for good. Running script is interrupted, the
// holder lets go, and queued work fails with ReferenceInvalid once the
// teardown runs. The root isolate cannot be terminated.
func (e *Environment) Terminate() error {
	if e.root {
		return vmerr.ErrRootIsolate
	}
	cause := e.terminationCause()
	if !e.scheduler.halt(cause) {
		return nil
	}
	e.holder.release()
	e.logger.Info("terminating isolate", zap.String("cause", vmerr.Kind(cause)))

	if err := e.scheduler.wake(); err != nil {
		e.logger.Error("schedule teardown", zap.Error(err))
	}
	return nil
}

func (e *Environment) terminationCause() error {
	switch {
	case e.hitMemoryLimit.Load():
		return vmerr.ErrMemoryLimitExceeded
	case e.fatal.Load():
		return vmerr.ErrEngineFatal
	default:
		return vmerr.ErrReferenceInvalid
	}
}

func (e *Environment) disposeReason() string {
	switch {
	case e.root:
		return "shutdown"
	case e.hitMemoryLimit.Load():
		return "memory_limit"
	case e.fatal.Load():
		return "fatal"
	default:
		return "terminated"
	}
}

// asyncEntry is one worker dispatch: drain interrupts, then tasks, then
// either go back to waiting or reschedule if work raced in.
func (e *Environment) asyncEntry() {
	exec := e.Lock(nil)
	defer exec.Unlock()

	start := time.Now()
	defer func() { e.wallTime.Add(int64(time.Since(start))) }()

	if e.scheduler.Halted() {
		e.teardown(exec)
		return
	}

	e.runInterrupts(exec, e.scheduler.TakeInterrupts())
	tasks := e.scheduler.TakeTasks()
	for i, task := range tasks {
		if e.scheduler.Halted() {
			e.abortAll("task", tasks[i:])
			break
		}
		e.runOne(exec, "task", task)
		e.serviceInterrupts(exec)
	}

	if e.scheduler.Halted() {
		e.teardown(exec)
		return
	}
	if !e.scheduler.DoneRunning() {
		if err := e.scheduler.wakeUp(); err != nil {
			e.logger.Error("reschedule isolate", zap.Error(err))
		}
	}
}

// drain runs everything queued on the root isolate.
func (e *Environment) drain() {
	exec := e.Lock(nil)
	defer exec.Unlock()

	for {
		interrupts := e.scheduler.TakeInterrupts()
		tasks := e.scheduler.TakeTasks()
		if len(interrupts) == 0 && len(tasks) == 0 {
			return
		}
		e.runInterrupts(exec, interrupts)
		for _, task := range tasks {
			e.runOne(exec, "task", task)
			e.serviceInterrupts(exec)
		}
	}
}

func (e *Environment) runInterrupts(exec *Executor, interrupts []Runnable) {
	for i, r := range interrupts {
		if e.scheduler.Halted() {
			e.abortAll("interrupt", interrupts[i:])
			return
		}
		e.runOne(exec, "interrupt", r)
	}
}

func (e *Environment) serviceInterrupts(exec *Executor) {
	if e.servicing || !e.scheduler.HasInterrupts() {
		return
	}
	e.servicing = true
	defer func() { e.servicing = false }()

	for {
		interrupts := e.scheduler.TakeInterrupts()
		if len(interrupts) == 0 {
			return
		}
		e.runInterrupts(exec, interrupts)
	}
}

func (e *Environment) abortAll(kind string, runnables []Runnable) {
	for _, r := range runnables {
		abort(r, vmerr.ErrReferenceInvalid)
		e.metrics.RecordTask(kind, "aborted", 0)
	}
}

// runOne runs r and contains any panic escaping it. A panic means engine
// state can no longer be trusted, so the isolate is disposed.
func (e *Environment) runOne(exec *Executor, kind string, r Runnable) {
	start := time.Now()
	status := "ok"
	defer func() {
		if p := recover(); p != nil {
			status = "fatal"
			e.engineFatal(p)
			abort(r, vmerr.ErrEngineFatal)
		}
		d := time.Since(start)
		e.cpuTime.Add(int64(d))
		e.metrics.RecordTask(kind, status, d)
		e.scheduler.settle()
	}()
	r.Run(exec)
}

func (e *Environment) engineFatal(p any) {
	e.logger.Error("fatal engine error", zap.Any("panic", p), zap.Stack("stack"))
	if e.root {
		return
	}
	e.fatal.Store(true)
	if err := e.Terminate(); err != nil {
		e.logger.Error("terminate after fatal error", zap.Error(err))
	}
}

func (e *Environment) teardown(exec *Executor) {
	if e.torndown {
		return
	}
	e.torndown = true

	e.abortAll("task", e.scheduler.close())
	if err := e.weak.sweep(); err != nil {
		e.logger.Warn("weak callbacks failed", zap.Error(err))
	}
	e.objects.clear()
	e.closeInspector()
	e.rejections = nil
	e.rejectionOrder = nil
	e.rt.registry.remove(e)

	reason := e.disposeReason()
	if !e.root && e.registered {
		e.metrics.IsolateDisposed(reason)
	}
	e.logger.Info("isolate disposed",
		zap.String("reason", reason),
		zap.Duration("cpu_time", e.CPUTime()),
		zap.Duration("wall_time", e.WallTime()),
		zap.Int64("peak_heap", e.heap.peak.Load()),
	)
	close(e.done)
}

func (e *Environment) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		e.rejections[p] = p.Result()
		e.rejectionOrder = append(e.rejectionOrder, p)
	case goja.PromiseRejectionHandle:
		delete(e.rejections, p)
	}
}

func (e *Environment) taskEpilogue() error {
	if e.hitMemoryLimit.Load() {
		return vmerr.ErrMemoryLimitExceeded
	}
	order := e.rejectionOrder
	e.rejectionOrder = nil
	defer clear(e.rejections)

	for i := len(order) - 1; i >= 0; i-- {
		if reason, ok := e.rejections[order[i]]; ok {
			return vmerr.FromValue(reason)
		}
	}
	return nil
}
