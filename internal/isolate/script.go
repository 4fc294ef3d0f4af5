package isolate

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// ErrPromisePending is returned when a script asked to be awaited produced a
// promise that did not settle before the script returned.
var ErrPromisePending = errors.New("promise did not settle")

// Script is compiled source that can run in any isolate.
type Script struct {
	name    string
	source  string
	program *goja.Program
}

// Compile parses source. Syntax errors come back as *vmerr.CompileError.
func Compile(filename, source string) (*Script, error) {
	program, err := goja.Compile(filename, source, false)
	if err != nil {
		return nil, vmerr.FromEngine(err)
	}
	return &Script{name: filename, source: source, program: program}, nil
}

// Name returns the file name the script was compiled with.
func (s *Script) Name() string { return s.name }

// Source returns the script text.
func (s *Script) Source() string { return s.source }

// RunOptions tune a single script run.
type RunOptions struct {
	// Timeout interrupts the script once it elapses; zero disables it.
	Timeout time.Duration
	// Promise awaits a promise result and reports its settled value.
	Promise bool
}

// RunScript runs s in the executor's isolate.
func (x *Executor) RunScript(s *Script, opts RunOptions) (goja.Value, error) {
	v, err := RunWithTimeout(x, opts.Timeout, func() (goja.Value, error) {
		return x.env.vm.RunProgram(s.program)
	})
	if err != nil || !opts.Promise {
		return v, err
	}
	return x.env.settled(v)
}

// settled unwraps a promise result. Microtasks have already run by the time
// a script returns, so a promise that is still pending never settles within
// this run.
func (e *Environment) settled(v goja.Value) (goja.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v, nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		delete(e.rejections, p)
		return nil, vmerr.FromValue(p.Result())
	default:
		return nil, ErrPromisePending
	}
}

// RunWithTimeout calls fn and preempts the isolate's script if it is still
// running after timeout. A fired deadline surfaces as vmerr.ErrTimeout; a
// termination that races it wins.
func RunWithTimeout(x *Executor, timeout time.Duration, fn func() (goja.Value, error)) (goja.Value, error) {
	// The engine drops an interrupt once it fired, so a halted isolate must
	// refuse new runs itself.
	if err := x.env.scheduler.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		v, err := fn()
		return v, vmerr.FromEngine(err)
	}

	s := x.env.scheduler
	var (
		mu       sync.Mutex
		finished bool
		fired    bool
	)
	timer := time.AfterFunc(timeout, func() {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			fired = s.preempt(vmerr.ErrTimeout)
		}
	})

	v, err := fn()
	timer.Stop()

	mu.Lock()
	finished = true
	didFire := fired
	mu.Unlock()

	if didFire {
		s.settle()
	}
	return v, vmerr.FromEngine(err)
}

// SnapshotScript is one source file of a snapshot.
type SnapshotScript struct {
	Filename string
	Code     string
}

// Snapshot is a validated list of scripts that prime a new isolate before
// it accepts work.
type Snapshot struct {
	scripts []*Script
}

// Scripts returns the snapshot's file names in run order.
func (s *Snapshot) Scripts() []string {
	names := make([]string, len(s.scripts))
	for i, script := range s.scripts {
		names[i] = script.name
	}
	return names
}

// CreateSnapshot compiles scripts and runs them once in a scratch isolate so
// a broken snapshot fails here rather than in every isolate created from it.
func (rt *Runtime) CreateSnapshot(scripts ...SnapshotScript) (*Snapshot, error) {
	snapshot := &Snapshot{scripts: make([]*Script, 0, len(scripts))}
	for _, src := range scripts {
		script, err := Compile(src.Filename, src.Code)
		if err != nil {
			return nil, err
		}
		snapshot.scripts = append(snapshot.scripts, script)
	}

	scratch, err := newEnvironment(rt, Constraints{
		Name:          "snapshot",
		MemoryLimitMB: rt.opts.DefaultMemoryLimitMB,
		Snapshot:      snapshot,
	}, false)
	if err != nil {
		return nil, err
	}
	scratch.discard()
	return snapshot, nil
}

// LoadSnapshot builds a snapshot from every file in fsys matching pattern,
// in lexical order. Patterns use doublestar syntax, so "init/**/*.js" walks
// subdirectories.
func (rt *Runtime) LoadSnapshot(fsys fs.FS, pattern string) (*Snapshot, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("snapshot pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("snapshot pattern %q matched no files", pattern)
	}
	sort.Strings(matches)

	scripts := make([]SnapshotScript, 0, len(matches))
	for _, name := range matches {
		code, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read snapshot script: %w", err)
		}
		scripts = append(scripts, SnapshotScript{Filename: name, Code: string(code)})
	}
	return rt.CreateSnapshot(scripts...)
}
