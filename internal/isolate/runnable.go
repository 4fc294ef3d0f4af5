package isolate

// Runnable is one unit of deferred work queued against an isolate. Run is
// called with the executor of the isolate it was queued on.
type Runnable interface {
	Run(exec *Executor)
}

// Aborter is implemented by runnables that must learn when they will never
// run, for example because their isolate was disposed first.
type Aborter interface {
	Abort(err error)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(exec *Executor)

func (f RunnableFunc) Run(exec *Executor) { f(exec) }

// Task is a Runnable with an abort path.
type Task struct {
	OnRun   func(exec *Executor)
	OnAbort func(err error)
}

func (t Task) Run(exec *Executor) {
	if t.OnRun != nil {
		t.OnRun(exec)
	}
}

func (t Task) Abort(err error) {
	if t.OnAbort != nil {
		t.OnAbort(err)
	}
}

type urgent struct {
	Runnable
}

// Urgent marks an interrupt that preempts running script code. The script
// that was running fails with vmerr.ErrInterrupted before r runs.
func Urgent(r Runnable) Runnable {
	return urgent{Runnable: r}
}

func (u urgent) Abort(err error) { abort(u.Runnable, err) }

func isUrgent(r Runnable) bool {
	_, ok := r.(urgent)
	return ok
}

func abort(r Runnable, err error) {
	if a, ok := r.(Aborter); ok {
		a.Abort(err)
	}
}
