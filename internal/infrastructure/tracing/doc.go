/*
Package tracing records request and script-run spans as structured log lines.

Spans carry a trace id and a span id, propagated through the X-Trace-ID and
X-Span-ID headers and through context. The HTTP middleware opens one span per
request; handlers open child spans around work queued on an isolate, so a
slow evaluation can be told apart from a slow request.

	tracer := tracing.New("isolates", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "isolate.eval")
	span.SetTag("isolate", isolateID)
	result, err := h.Eval(ctx, name, source, opts)
	span.SetError(err)
	tracer.Finish(span)

Finished spans go through a buffered channel of 1000 to a collector
goroutine; when the buffer is full spans are dropped with a warning.
*/
package tracing
