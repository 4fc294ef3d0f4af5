/*
Package isolate runs independent script engines side by side in one process.

Each isolate is an Environment around its own goja runtime. Isolates never
share script values; they exchange snapshots from package transfer and
references from package reference.

# Scheduling

Work reaches an isolate through its Scheduler as tasks (FIFO) or interrupts
(serviced first, and at safe points while script code runs). A child isolate
is handed to a shared worker pool one dispatch at a time; the root isolate
runs on a dedicated host loop. Whoever runs an isolate holds its Executor,
and every engine call goes through one.

# Lifecycle

	rt, _ := isolate.New(isolate.Options{Logger: logger})
	h, _ := rt.CreateEnvironment(isolate.Constraints{MemoryLimitMB: 64})
	result, err := h.Eval(ctx, "main.js", "1 + 1", isolate.RunOptions{Timeout: time.Second})
	_ = h.Dispose(ctx)

Terminate is irrevocable. The holder lets go of its environment at once,
queued work fails with vmerr.ErrReferenceInvalid, weak callbacks run once
and the isolate leaves the registry.

# Memory

goja keeps no heap statistics of its own, so an isolate's ledger counts the
array buffers its scripts allocate, the buffers transfers materialize and the
external memory copy handles hold. Crossing the limit terminates the isolate
with vmerr.ErrMemoryLimitExceeded.

The limit is therefore a ceiling on buffers and handles only. Strings, plain
objects and closures a script allocates are not charged, so a script that
builds large strings or object graphs can grow past its limit; bound such
work with a timeout. Snapshots copied out of an isolate are capped at the
isolate's limit.
*/
package isolate
