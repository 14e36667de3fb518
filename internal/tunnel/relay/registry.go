// Package relay implements the device-facing side of the reverse
// tunnel: a registry of named device sessions and the proxy entry
// point that routes external requests into them.
package relay

import "sync"

// DeviceRegistry enforces the "at most one session per name" invariant:
// registering a name that is already present displaces the prior
// session rather than rejecting the new one.
type DeviceRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDeviceRegistry constructs an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{sessions: make(map[string]*Session)}
}

// Register inserts sess under name, returning the session it displaced
// (if any) so the caller can notify and close it.
func (r *DeviceRegistry) Register(name string, sess *Session) (displaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.sessions[name]
	r.sessions[name] = sess
	return displaced
}

// Lookup returns the current session for name, if any.
func (r *DeviceRegistry) Lookup(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Remove deletes name from the registry, but only if sess is still the
// currently registered session (a session that has already been
// displaced must not remove its displacer).
func (r *DeviceRegistry) Remove(name string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[name]; ok && cur == sess {
		delete(r.sessions, name)
	}
}

// Names returns every currently registered device name.
func (r *DeviceRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	return out
}
