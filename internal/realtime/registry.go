// Package realtime is the notification channel between the dispatcher and
// connected driver and rider clients.
package realtime

import "sync"

// Event is the frame exchanged with clients.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

const (
	EventRideRequest     = "rideRequest"
	EventBookingUpdate   = "bookingUpdate"
	EventLocationUpdated = "locationUpdated"
	EventActiveStatus    = "activeStatusUpdated"
	EventError           = "error"
)

// Session is one live connection to a client.
type Session interface {
	ID() string
	Send(ev Event) error
	Close() error
}

// Registry maps user ids to their current session.
type Registry interface {
	Register(userID string, s Session)
	Lookup(userID string) (Session, bool)
	Remove(s Session)
}

// MemoryRegistry keeps one session per user. Registering a new session for a
// user closes the one it replaces.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byUser map[string]Session
	owners map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byUser: make(map[string]Session), owners: make(map[string]string)}
}

func (r *MemoryRegistry) Register(userID string, s Session) {
	r.mu.Lock()
	old, replaced := r.byUser[userID]
	if replaced {
		delete(r.owners, old.ID())
	}
	r.byUser[userID] = s
	r.owners[s.ID()] = userID
	r.mu.Unlock()

	if replaced && old.ID() != s.ID() {
		_ = old.Close()
	}
}

func (r *MemoryRegistry) Lookup(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// Remove drops s if it is still the current session of its user.
func (r *MemoryRegistry) Remove(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.owners[s.ID()]
	if !ok {
		return
	}
	delete(r.owners, s.ID())
	if cur, ok := r.byUser[userID]; ok && cur.ID() == s.ID() {
		delete(r.byUser, userID)
	}
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Sessions returns a snapshot of every registered session.
func (r *MemoryRegistry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		out = append(out, s)
	}
	return out
}
