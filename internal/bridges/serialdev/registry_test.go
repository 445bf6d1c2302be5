package serialdev

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/internal/session"
)

func newIdleSession(t *testing.T, deviceID string) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		DeviceID:  deviceID,
		Params:    serialport.DefaultParams(9600),
		Discovery: serialport.NewDiscoveryWithLister(newFakeLister().list, newFakeOpener()),
		Opener:    newFakeOpener(),
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return s
}

func TestRegistry_LoadOrCreate(t *testing.T) {
	r := NewRegistry()
	s1 := newIdleSession(t, "COM9")

	got, loaded, err := r.LoadOrCreate("COM9", func() (*session.Session, error) { return s1, nil })
	if err != nil || loaded || got != s1 {
		t.Fatalf("first LoadOrCreate = (%p, %v, %v)", got, loaded, err)
	}

	called := false
	got, loaded, err = r.LoadOrCreate("COM9", func() (*session.Session, error) {
		called = true
		return newIdleSession(t, "COM9"), nil
	})
	if err != nil || !loaded || got != s1 {
		t.Errorf("second LoadOrCreate = (%p, %v, %v), want existing", got, loaded, err)
	}
	if called {
		t.Error("create called for a registered device")
	}
}

func TestRegistry_LoadOrCreateError(t *testing.T) {
	r := NewRegistry()
	wantErr := errors.New("boom")

	_, _, err := r.LoadOrCreate("COM9", func() (*session.Session, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
	if r.Len() != 0 {
		t.Error("failed create registered a session")
	}
}

func TestRegistry_RemoveOnlySameSession(t *testing.T) {
	r := NewRegistry()
	old := newIdleSession(t, "COM9")
	cur := newIdleSession(t, "COM9")

	r.LoadOrCreate("COM9", func() (*session.Session, error) { return cur, nil }) //nolint:errcheck // cannot fail

	if r.Remove("COM9", old) {
		t.Error("Remove() with a stale session succeeded")
	}
	if _, ok := r.Get("COM9"); !ok {
		t.Fatal("stale Remove evicted the current session")
	}
	if !r.Remove("COM9", cur) {
		t.Error("Remove() with the current session failed")
	}
	if _, ok := r.Get("COM9"); ok {
		t.Error("session still registered")
	}
}

func TestRegistry_IDsAndCounts(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"COM9", "/dev/ttyUSB0", "COM3"} {
		s := newIdleSession(t, id)
		r.LoadOrCreate(id, func() (*session.Session, error) { return s, nil }) //nolint:errcheck // cannot fail
	}

	if got := r.IDs(); !slices.Equal(got, []string{"/dev/ttyUSB0", "COM3", "COM9"}) {
		t.Errorf("IDs() = %v", got)
	}
	if open, connected := r.Counts(); open != 3 || connected != 0 {
		t.Errorf("Counts() = %d, %d, want 3, 0", open, connected)
	}

	snap := r.Snapshot()
	delete(snap, "COM9")
	if r.Len() != 3 {
		t.Error("Snapshot() shares the registry map")
	}
}

func TestRegistry_ConcurrentLoadOrCreate(t *testing.T) {
	r := NewRegistry()
	var created int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.LoadOrCreate("COM9", func() (*session.Session, error) { //nolint:errcheck // cannot fail
				mu.Lock()
				created++
				mu.Unlock()
				return newIdleSession(t, "COM9"), nil
			})
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("create called %d times, want 1", created)
	}
}
