// Package condition provides boolean condition flags that goroutines can
// wait on, and derived flags that combine several sources.
//
// A Flag is a settable boolean. Any number of goroutines may block in Wait
// until it becomes set; all of them are released together when it does.
//
// Or builds a derived flag that is set exactly when at least one of its
// sources is set. Derived flags register as observers on their sources, so a
// single source may feed any number of derived flags at the same time:
//
//	closeRequested := condition.NewFlag()
//	connected := condition.NewFlag()
//
//	either := condition.Or(connected, closeRequested)
//	defer either.Detach()
//
//	if either.Wait(10 * time.Second) {
//	    // connected or close requested
//	}
//
// # Timeouts
//
// Wait takes a time.Duration. NoTimeout (any negative value) blocks until the
// flag is set. A zero timeout checks the current state without blocking.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package condition
