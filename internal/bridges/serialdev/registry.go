package serialdev

import (
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-serial/internal/session"
)

// Registry maps device identifiers to their sessions.
//
// It is mutated by the bridge's command handlers and by a session's own
// close callback. A session is only ever removed by the pointer that was
// registered, so a late callback from a closed session cannot evict the
// session that replaced it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Get returns the session for a device.
func (r *Registry) Get(deviceID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// LoadOrCreate returns the registered session for deviceID, or calls create
// and registers its result. create runs under the registry lock, so two
// concurrent connects for one device build exactly one session. loaded is
// true when the session already existed.
func (r *Registry) LoadOrCreate(deviceID string, create func() (*session.Session, error)) (s *session.Session, loaded bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[deviceID]; ok {
		return s, true, nil
	}
	s, err = create()
	if err != nil {
		return nil, false, err
	}
	r.sessions[deviceID] = s
	return s, false, nil
}

// Remove unregisters s if it is still the session for deviceID.
func (r *Registry) Remove(deviceID string, s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[deviceID]; ok && cur == s {
		delete(r.sessions, deviceID)
		return true
	}
	return false
}

// Snapshot returns a copy of the registered sessions.
func (r *Registry) Snapshot() map[string]*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*session.Session, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s
	}
	return out
}

// IDs returns the registered device identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Counts returns the number of registered sessions and how many of them
// are currently connected.
func (r *Registry) Counts() (open, connected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		open++
		if s.Connected().IsSet() {
			connected++
		}
	}
	return open, connected
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
