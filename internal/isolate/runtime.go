package isolate

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/workerpool"
)

// ErrRuntimeClosed is returned by a Runtime after Close.
var ErrRuntimeClosed = errors.New("isolate runtime is shut down")

const (
	// MinMemoryLimitMB is the smallest heap ceiling a child may have.
	MinMemoryLimitMB = 8
	// DefaultMemoryLimitMB is used when neither the runtime nor the
	// constraints name a ceiling.
	DefaultMemoryLimitMB = 128
	// DefaultGCInterval spaces out low-memory collections process-wide.
	DefaultGCInterval = 100 * time.Millisecond
)

// Options configure a Runtime.
type Options struct {
	// Workers sizes the pool that runs child isolates.
	Workers int
	// DefaultMemoryLimitMB applies to children created without a ceiling.
	DefaultMemoryLimitMB int
	// MaxCallStackSize applies to children created without their own bound.
	MaxCallStackSize int
	// GCInterval is the minimum spacing of low-memory collections.
	GCInterval time.Duration
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
}

// Validate clamps options to usable values.
func (o *Options) Validate() {
	if o.Workers <= 0 {
		o.Workers = goruntime.GOMAXPROCS(0)
	}
	if o.DefaultMemoryLimitMB <= 0 {
		o.DefaultMemoryLimitMB = DefaultMemoryLimitMB
	}
	if o.DefaultMemoryLimitMB < MinMemoryLimitMB {
		o.DefaultMemoryLimitMB = MinMemoryLimitMB
	}
	if o.GCInterval <= 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Runtime is the process-wide state: the worker pool, the registry of live
// isolates and the root isolate with its host loop.
type Runtime struct {
	opts      Options
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	gcLimiter *rate.Limiter

	pool     *workerpool.Pool
	registry *registry
	root     *Environment

	rootWake  chan struct{}
	stopLoop  chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts a runtime: its pool, its root isolate and the host loop that
// runs the root.
func New(opts Options) (*Runtime, error) {
	opts.Validate()

	rt := &Runtime{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		gcLimiter: rate.NewLimiter(rate.Every(opts.GCInterval), 1),
		registry:  newRegistry(),
		rootWake:  make(chan struct{}, 1),
		stopLoop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	root, err := newEnvironment(rt, Constraints{Name: "root"}, true)
	if err != nil {
		return nil, fmt.Errorf("create root isolate: %w", err)
	}
	rt.root = root
	rt.registry.add(root)
	rt.pool = workerpool.New(opts.Workers)

	go rt.hostLoop()

	rt.logger.Info("isolate runtime started",
		zap.Int("workers", opts.Workers),
		zap.Int("default_memory_limit_mb", opts.DefaultMemoryLimitMB),
	)
	return rt, nil
}

// hostLoop owns the root isolate. It stays on one OS thread, the same way
// the root isolate is bound to the host's main thread.
func (rt *Runtime) hostLoop() {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()
	defer close(rt.loopDone)

	for {
		select {
		case <-rt.stopLoop:
			return
		case <-rt.rootWake:
			rt.root.drain()
		}
	}
}

func (rt *Runtime) wakeRoot() error {
	select {
	case <-rt.stopLoop:
		return ErrRuntimeClosed
	default:
	}
	select {
	case rt.rootWake <- struct{}{}:
	default:
	}
	return nil
}

// Root returns the holder of the root isolate.
func (rt *Runtime) Root() *Holder { return rt.root.holder }

// Pool returns the worker pool running child isolates.
func (rt *Runtime) Pool() *workerpool.Pool { return rt.pool }

// CreateEnvironment starts a child isolate.
func (rt *Runtime) CreateEnvironment(c Constraints) (*Holder, error) {
	if rt.registry.closed() {
		return nil, ErrRuntimeClosed
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = rt.opts.DefaultMemoryLimitMB
	}
	if c.MemoryLimitMB < MinMemoryLimitMB {
		c.MemoryLimitMB = MinMemoryLimitMB
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = rt.opts.MaxCallStackSize
	}

	env, err := newEnvironment(rt, c, false)
	if err != nil {
		return nil, err
	}
	env.registered = true
	if !rt.registry.add(env) {
		env.registered = false
		env.discard()
		return nil, ErrRuntimeClosed
	}

	rt.metrics.IsolateCreated()
	env.logger.Info("isolate created", zap.Int("memory_limit_mb", c.MemoryLimitMB))
	return env.holder, nil
}

// Lookup finds a live isolate by id.
func (rt *Runtime) Lookup(isolateID id.IsolateID) (*Environment, bool) {
	return rt.registry.lookup(isolateID)
}

// LookupVM finds the isolate that owns vm.
func (rt *Runtime) LookupVM(vm *goja.Runtime) (*Environment, bool) {
	return rt.registry.lookupVM(vm)
}

// Environments lists live isolates, oldest first. The root is included.
func (rt *Runtime) Environments() []*Environment {
	return rt.registry.list()
}

// Close terminates every child isolate, waits for their teardown, drains the
// pool and stops the host loop. It is safe to call more than once.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.closeOnce.Do(func() {
		rt.closeErr = rt.shutdown(ctx)
	})
	return rt.closeErr
}

func (rt *Runtime) shutdown(ctx context.Context) error {
	var errs error
	children := rt.registry.close()
	for _, env := range children {
		errs = multierr.Append(errs, env.Terminate())
	}
	for _, env := range children {
		select {
		case <-env.Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("isolate %s teardown: %w", env.id, ctx.Err()))
		}
	}

	rt.pool.Close()
	close(rt.stopLoop)
	<-rt.loopDone

	exec := rt.root.Lock(nil)
	rt.root.teardown(exec)
	exec.Unlock()

	rt.logger.Info("isolate runtime stopped", zap.Int("disposed", len(children)))
	return errs
}
