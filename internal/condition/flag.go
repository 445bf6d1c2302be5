package condition

import (
	"context"
	"sync"
	"time"
)

// NoTimeout makes Wait block until the flag is set.
const NoTimeout time.Duration = -1

// Observer is notified after a Flag changes state.
//
// NotifyChanged is called without any Flag lock held, from the goroutine
// that called Set or Clear. It must not block.
type Observer interface {
	NotifyChanged()
}

// Flag is a boolean condition that goroutines can wait on.
//
// The zero value is not usable; create flags with NewFlag.
type Flag struct {
	mu  sync.Mutex
	set bool

	// ch is closed while the flag is set and replaced when it is cleared.
	ch chan struct{}

	observers map[uint64]Observer
	nextID    uint64
}

// NewFlag returns a cleared flag.
func NewFlag() *Flag {
	return &Flag{
		ch:        make(chan struct{}),
		observers: make(map[uint64]Observer),
	}
}

// Set sets the flag and releases every waiter.
// Observers are notified only when the state actually changes.
func (f *Flag) Set() {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return
	}
	f.set = true
	close(f.ch)
	observers := f.snapshotLocked()
	f.mu.Unlock()

	notify(observers)
}

// Clear clears the flag. Goroutines that wait afterwards block again.
func (f *Flag) Clear() {
	f.mu.Lock()
	if !f.set {
		f.mu.Unlock()
		return
	}
	f.set = false
	f.ch = make(chan struct{})
	observers := f.snapshotLocked()
	f.mu.Unlock()

	notify(observers)
}

// IsSet reports whether the flag is currently set.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Done returns a channel that is closed once the flag is set.
//
// The channel reflects the state at the time of the call: if the flag is
// cleared and set again later, a new channel must be obtained.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// Wait blocks until the flag is set or the timeout elapses, and reports
// whether the flag was set. See NoTimeout for the timeout conventions.
func (f *Flag) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		return f.WaitContext(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.WaitContext(ctx)
}

// WaitContext blocks until the flag is set or ctx is done, and reports
// whether the flag was set.
func (f *Flag) WaitContext(ctx context.Context) bool {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return true
	}
	ch := f.ch
	f.mu.Unlock()

	select {
	case <-ch:
		// A set that is cleared again before we run still counts.
		return true
	case <-ctx.Done():
		return f.IsSet()
	}
}

// Subscribe registers an observer for state changes and returns a function
// that removes it. The returned function is safe to call more than once.
func (f *Flag) Subscribe(o Observer) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.observers[id] = o
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.observers, id)
			f.mu.Unlock()
		})
	}
}

// snapshotLocked copies the observer set. Caller must hold f.mu.
func (f *Flag) snapshotLocked() []Observer {
	if len(f.observers) == 0 {
		return nil
	}
	out := make([]Observer, 0, len(f.observers))
	for _, o := range f.observers {
		out = append(out, o)
	}
	return out
}

func notify(observers []Observer) {
	for _, o := range observers {
		o.NotifyChanged()
	}
}
