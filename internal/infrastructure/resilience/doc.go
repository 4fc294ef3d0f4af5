/*
Package resilience provides a circuit breaker.

The host API wraps isolate creation in a breaker so that a runtime which keeps
failing to build isolates, for example because a snapshot script throws,
answers quickly instead of compiling and running the snapshot on every
request.

	breaker := resilience.New("isolate-create", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	h, err := resilience.Do(breaker, func() (*isolate.Holder, error) {
		return rt.CreateEnvironment(c)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                             |
	                                         [failure]
	                                             v
	                                           Open

Every transition starts a new generation; outcomes of calls admitted in an
older generation are ignored.
*/
package resilience
