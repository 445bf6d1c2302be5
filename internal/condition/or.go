package condition

import (
	"context"
	"sync"
	"time"
)

// Source is anything an OrFlag can combine: a Flag or another OrFlag.
type Source interface {
	IsSet() bool
	Subscribe(o Observer) (unsubscribe func())
}

// Signal is the read-only view of a condition: it can be observed and
// waited on but not set or cleared.
type Signal interface {
	Source
	Wait(timeout time.Duration) bool
	WaitContext(ctx context.Context) bool
	Done() <-chan struct{}
}

var (
	_ Signal = (*Flag)(nil)
	_ Signal = (*OrFlag)(nil)
)

// OrFlag is set exactly when at least one of its sources is set.
//
// It observes its sources until Detach is called. Callers that build an
// OrFlag for a single wait should Detach it afterwards so the sources do not
// accumulate observers.
type OrFlag struct {
	flag    *Flag
	sources []Source

	// mu serialises recomputation so the last notification always applies
	// the latest source states.
	mu     sync.Mutex
	unsubs []func()
}

// Or returns a flag that tracks the logical OR of sources.
//
// The initial state is computed from the current source states after the
// observers are installed, so transitions racing with construction are not
// lost. Or panics if no sources are given.
func Or(sources ...Source) *OrFlag {
	if len(sources) == 0 {
		panic("condition: Or requires at least one source")
	}

	o := &OrFlag{
		flag:    NewFlag(),
		sources: append([]Source(nil), sources...),
	}
	for _, src := range o.sources {
		o.unsubs = append(o.unsubs, src.Subscribe(o))
	}
	o.NotifyChanged()
	return o
}

// NotifyChanged recomputes the derived state. It implements Observer.
func (o *OrFlag) NotifyChanged() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, src := range o.sources {
		if src.IsSet() {
			o.flag.Set()
			return
		}
	}
	o.flag.Clear()
}

// Detach stops observing the sources. The flag keeps its last state.
func (o *OrFlag) Detach() {
	for _, unsub := range o.unsubs {
		unsub()
	}
}

// IsSet reports whether any source was set at the last recomputation.
func (o *OrFlag) IsSet() bool { return o.flag.IsSet() }

// Wait blocks until the derived flag is set or the timeout elapses.
func (o *OrFlag) Wait(timeout time.Duration) bool { return o.flag.Wait(timeout) }

// WaitContext blocks until the derived flag is set or ctx is done.
func (o *OrFlag) WaitContext(ctx context.Context) bool { return o.flag.WaitContext(ctx) }

// Done returns a channel closed once the derived flag is set.
func (o *OrFlag) Done() <-chan struct{} { return o.flag.Done() }

// Subscribe registers an observer on the derived flag.
func (o *OrFlag) Subscribe(obs Observer) func() { return o.flag.Subscribe(obs) }
