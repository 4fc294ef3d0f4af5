package isolate

import (
	"sync"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

// Status is the run state of a scheduler.
type Status int32

const (
	// Waiting means no dispatch is queued or running for the isolate.
	Waiting Status = iota
	// Running means exactly one dispatch owns the isolate.
	Running
)

func (s Status) String() string {
	if s == Running {
		return "running"
	}
	return "waiting"
}

// engine is the part of the script engine the scheduler drives directly.
type engine interface {
	Interrupt(v any)
	ClearInterrupt()
}

// Scheduler queues work for one isolate and decides when the isolate is
// handed to a worker. All state is guarded by one mutex, and nothing blocks
// while it is held.
type Scheduler struct {
	mu         sync.Mutex
	status     Status
	tasks      []Runnable
	interrupts []Runnable
	closed     bool
	root       bool

	// halted is set once by Terminate. From then on the engine interrupt is
	// never cleared.
	halted    bool
	cause     error
	preempted bool
	engine    engine

	// dispatch hands the isolate to a worker; it must not block.
	dispatch func() error
}

func newScheduler(e engine, root bool, dispatch func() error) *Scheduler {
	s := &Scheduler{engine: e, root: root, dispatch: dispatch}
	if root {
		s.status = Running
	}
	return s
}

// Status reports the current run state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PushTask appends r and, if the isolate was waiting, schedules exactly one
// dispatch for it.
func (s *Scheduler) PushTask(r Runnable) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		abort(r, vmerr.ErrReferenceInvalid)
		return vmerr.ErrReferenceInvalid
	}
	s.tasks = append(s.tasks, r)
	wake := s.claim()
	s.mu.Unlock()

	if wake {
		return s.wakeUp()
	}
	return nil
}

// PushInterrupt appends r to the interrupt queue. A waiting isolate is woken;
// a running one services the queue at its next safe point, and urgent
// interrupts additionally stop the script it is running.
func (s *Scheduler) PushInterrupt(r Runnable) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		abort(r, vmerr.ErrReferenceInvalid)
		return vmerr.ErrReferenceInvalid
	}
	s.interrupts = append(s.interrupts, r)
	wake := s.claim()
	if !wake && isUrgent(r) {
		s.preemptLocked(vmerr.ErrInterrupted)
	}
	s.mu.Unlock()

	if wake {
		return s.wakeUp()
	}
	return nil
}

// claim flips a waiting scheduler to running and reports whether the caller
// must dispatch. The root is always running and is woken on every push.
func (s *Scheduler) claim() bool {
	if s.root {
		return true
	}
	if s.status == Waiting {
		s.status = Running
		return true
	}
	return false
}

// wake dispatches a waiting isolate with an empty queue, so that a pending
// termination is observed.
func (s *Scheduler) wake() error {
	s.mu.Lock()
	wake := !s.closed && s.claim()
	s.mu.Unlock()
	if wake {
		return s.wakeUp()
	}
	return nil
}

func (s *Scheduler) wakeUp() error {
	err := s.dispatch()
	if err == nil {
		return nil
	}

	// Nothing will ever run the queue; fail what it holds.
	s.mu.Lock()
	pending := s.drainLocked()
	if !s.root {
		s.status = Waiting
	}
	s.mu.Unlock()
	for _, r := range pending {
		abort(r, vmerr.ErrReferenceInvalid)
	}
	return err
}

// TakeTasks returns the queued tasks and leaves a fresh queue behind.
func (s *Scheduler) TakeTasks() []Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks
	s.tasks = nil
	return tasks
}

// TakeInterrupts returns the queued interrupts and leaves a fresh queue behind.
func (s *Scheduler) TakeInterrupts() []Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	interrupts := s.interrupts
	s.interrupts = nil
	return interrupts
}

// HasInterrupts reports whether interrupts are waiting to be serviced.
func (s *Scheduler) HasInterrupts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interrupts) > 0
}

// DoneRunning flips the scheduler back to Waiting if both queues are empty.
// It returns false when work raced in, and the caller must dispatch again.
func (s *Scheduler) DoneRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) > 0 || len(s.interrupts) > 0 {
		return false
	}
	if !s.root {
		s.status = Waiting
	}
	return true
}

// halt marks the isolate terminated and interrupts the engine with cause.
// It reports false if the isolate was already halted.
func (s *Scheduler) halt(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	s.halted = true
	s.cause = cause
	s.engine.Interrupt(cause)
	return true
}

// Halted reports whether the isolate was terminated.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Err returns the cause the isolate was halted with, or nil.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// preempt interrupts the running script with cause unless the isolate is
// halted.
func (s *Scheduler) preempt(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preemptLocked(cause)
}

func (s *Scheduler) preemptLocked(cause error) bool {
	if s.halted {
		return false
	}
	s.engine.Interrupt(cause)
	s.preempted = true
	return true
}

// settle withdraws a preemption that may not have fired yet. A halted
// isolate keeps its interrupt.
func (s *Scheduler) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preempted && !s.halted {
		s.engine.ClearInterrupt()
	}
	s.preempted = false
}

// close rejects all further pushes and returns whatever is still queued.
func (s *Scheduler) close() []Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.drainLocked()
}

func (s *Scheduler) drainLocked() []Runnable {
	pending := make([]Runnable, 0, len(s.interrupts)+len(s.tasks))
	pending = append(pending, s.interrupts...)
	pending = append(pending, s.tasks...)
	s.interrupts = nil
	s.tasks = nil
	return pending
}
