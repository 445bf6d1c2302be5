package session

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// PollMode selects how Request waits for the response.
type PollMode int

const (
	// PollBlocking parks the goroutine until a response or the timeout.
	PollBlocking PollMode = iota

	// PollBusy spins on a non-blocking receive until a response or the timeout.
	// It costs a core for the duration of the wait in exchange for the
	// lowest wake-up latency.
	PollBusy
)

// String returns the mode name.
func (m PollMode) String() string {
	if m == PollBusy {
		return "busy"
	}
	return "blocking"
}

// PlatformPollMode returns the discipline that performs best on the running
// platform: busy polling on Windows, blocking elsewhere. Resolve it once at
// start-up and pass it to Request.
func PlatformPollMode() PollMode {
	if runtime.GOOS == "windows" {
		return PollBusy
	}
	return PollBlocking
}

// ParsePollMode resolves "auto", "true" (busy) or "false" (blocking).
func ParsePollMode(s string) (PollMode, error) {
	switch s {
	case "", "auto":
		return PlatformPollMode(), nil
	case "true", "busy":
		return PollBusy, nil
	case "false", "blocking":
		return PollBlocking, nil
	default:
		return PollBlocking, fmt.Errorf("session: unknown poll mode %q", s)
	}
}

// Writer is the write path Request uses. *Session satisfies it.
type Writer interface {
	WriteTimeout(data []byte, timeout time.Duration) error
}

// RequestOptions controls a single exchange.
type RequestOptions struct {
	// Timeout bounds both the wait for a connection and the wait for the
	// response. Zero is an already expired deadline: the request succeeds
	// only if the session is connected and a response is already queued
	// once the write returns. Pass condition.NoTimeout to wait indefinitely.
	Timeout time.Duration

	// Poll selects the retrieval discipline.
	Poll PollMode

	// Yield makes the busy loop call runtime.Gosched between checks.
	Yield bool
}

// Request writes payload and returns the next value from responses.
//
// responses must be fed by the caller's Handler and have at most one
// outstanding Request at a time; nothing here matches a response to its
// request. Both disciplines give the same outcome for the same timing: a
// response queued by the deadline is returned, even if the deadline has
// passed by the time it is looked at.
func Request[T any](w Writer, responses <-chan T, payload []byte, opts RequestOptions) (T, error) {
	var zero T

	if err := w.WriteTimeout(payload, opts.Timeout); err != nil {
		return zero, err
	}

	if opts.Poll == PollBusy {
		return busyReceive(responses, opts.Timeout, opts.Yield)
	}
	return blockingReceive(responses, opts.Timeout)
}

// tryReceive takes a queued response without blocking.
func tryReceive[T any](responses <-chan T) (v T, ok bool, err error) {
	select {
	case v, open := <-responses:
		if !open {
			return v, true, ErrClosed
		}
		return v, true, nil
	default:
		return v, false, nil
	}
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s", ErrResponseTimeout, timeout)
}

func blockingReceive[T any](responses <-chan T, timeout time.Duration) (T, error) {
	// select picks randomly among ready cases, so a queued response is
	// taken before the deadline can compete with it.
	if v, ok, err := tryReceive(responses); ok {
		return v, err
	}

	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case v, open := <-responses:
		if !open {
			return v, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		if v, ok, err := tryReceive(responses); ok {
			return v, err
		}
		var zero T
		return zero, timeoutError(timeout)
	}
}

func busyReceive[T any](responses <-chan T, timeout time.Duration, yield bool) (T, error) {
	start := time.Now()
	for {
		if v, ok, err := tryReceive(responses); ok {
			return v, err
		}

		if timeout >= 0 && time.Since(start) >= timeout {
			// Last look, matching the blocking path at its deadline.
			if v, ok, err := tryReceive(responses); ok {
				return v, err
			}
			var zero T
			return zero, timeoutError(timeout)
		}
		if yield {
			runtime.Gosched()
		}
	}
}
