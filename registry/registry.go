// Package registry implements the gateway's session directory (spec
// §4.E): a session_id -> *session.Session map shared by every I/O
// worker, guarded by a single mutex for structural edits only. Fanout
// (broadcast/unicast) releases the mutex between individual sends so a
// slow peer cannot stall delivery to the rest, and a write failure on
// one peer never aborts delivery to others.
package registry

import (
	"net"
	"sync"

	"github.com/coregx/wsgateway/session"
)

// Registry is the concurrent-safe set of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*session.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[uint64]*session.Session)}
}

// Insert adds s under its ID. Called by the connect worker once the
// handshake completes and the session has transitioned to OPEN.
func (r *Registry) Insert(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops id from the registry, a no-op if absent. Called once a
// session reaches CLOSED and its descriptor has been torn down.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Lookup returns the session for id, or nil if not present.
func (r *Registry) Lookup(id uint64) *session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len reports the number of registered sessions. Registered here
// includes sessions in any non-terminal state; a session is removed
// only once it reaches CLOSED.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns every registered session, for administrative enumeration
// (the REPL's `users`/`online`/`clients` command). Order is unspecified.
func (r *Registry) List() []*session.Session {
	return r.snapshot()
}

// Find returns the first session whose PeerAddr's IP matches host and
// whose ID matches id, or nil. The REPL addresses sessions by `<ip>
// <sock>` the way the original implementation's per-client list did;
// Session has no socket field of its own (spec's "cyclic back-pointers
// eliminated" redesign drops the transport handle from Session), so id
// stands in for the original's raw socket descriptor.
func (r *Registry) Find(host string, id uint64) *session.Session {
	for _, s := range r.snapshot() {
		if s.ID != id {
			continue
		}
		if tcpAddr, ok := s.PeerAddr.(*net.TCPAddr); ok {
			if tcpAddr.IP.String() == host {
				return s
			}
			continue
		}
		if s.PeerAddr.String() == host {
			return s
		}
	}
	return nil
}

// snapshot copies the current id->session pairs under the read lock and
// returns immediately, so every multicast operation below only ever
// holds the mutex for the duration of the copy, never across sends.
func (r *Registry) snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Unicast delivers framed to the session with id, if present. It
// reports whether a matching session was found; framed must already be
// wire-encoded, since it is handed to session.Enqueue as is.
func (r *Registry) Unicast(id uint64, framed []byte) bool {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	s.Enqueue(framed)
	return true
}

// Broadcast delivers framed to every session except excluding.
func (r *Registry) Broadcast(excluding uint64, framed []byte) {
	for _, s := range r.snapshot() {
		if s.ID == excluding {
			continue
		}
		s.Enqueue(framed)
	}
}

// BroadcastAll delivers framed to every registered session.
func (r *Registry) BroadcastAll(framed []byte) {
	for _, s := range r.snapshot() {
		s.Enqueue(framed)
	}
}

// CloseAll queues a close frame on every session and marks each CLOSING,
// used for orderly shutdown (spec §7's SIGINT handling).
func (r *Registry) CloseAll(code session.CloseCode) {
	for _, s := range r.snapshot() {
		s.InitiateClose(code)
	}
}
