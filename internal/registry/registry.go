// Package registry tracks which live sessions are subscribed to which address
// identities and fans events out to them.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/mailcroc/mailcroc/internal/address"
)

// Session is a live client connection that can receive events.
type Session interface {
	// ID uniquely identifies the session for its lifetime.
	ID() string

	// Send delivers an event to the client. It must not block on network I/O.
	Send(event string, payload any) error
}

// Registry maps identity keys (exact and canonical address forms) to the
// sessions subscribed under them. The zero value is not usable; call New.
type Registry struct {
	logger *slog.Logger

	mu sync.Mutex
	// rooms maps an identity key to the sessions registered under it.
	rooms map[string]map[string]Session
	// subs maps a session ID to the exact addresses it joined.
	subs map[string]map[string]struct{}
}

// New creates an empty Registry. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		rooms:  make(map[string]map[string]Session),
		subs:   make(map[string]map[string]struct{}),
	}
}

// Join subscribes s to raw under both its exact and canonical keys.
// Joining the same address twice has no additional effect.
func (r *Registry) Join(s Session, raw string) {
	mustSession(s)
	exact := address.Exact(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if r.subs[id] == nil {
		r.subs[id] = make(map[string]struct{})
	}
	r.subs[id][exact] = struct{}{}

	for _, key := range address.Keys(exact) {
		room := r.rooms[key]
		if room == nil {
			room = make(map[string]Session)
			r.rooms[key] = room
		}
		room[id] = s
	}
}

// Leave unsubscribes s from raw. When raw is not an address s joined
// verbatim, every joined address with the same canonical form is left
// instead, so "ab@x" or "A.B+tag@x" releases a join of "a.b@x". A key shared
// with an address s still holds (e.g. "a.b@x" and "ab@x" share "ab@x") stays
// registered. Leaving an address that matches nothing is a no-op.
func (r *Registry) Leave(s Session, raw string) {
	mustSession(s)
	exact := address.Exact(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	subs, ok := r.subs[id]
	if !ok {
		return
	}

	var gone []string
	if _, ok := subs[exact]; ok {
		gone = append(gone, exact)
	} else {
		canonical := address.Normalize(exact)
		for other := range subs {
			if address.Normalize(other) == canonical {
				gone = append(gone, other)
			}
		}
	}
	if len(gone) == 0 {
		return
	}
	for _, addr := range gone {
		delete(subs, addr)
	}

	still := make(map[string]struct{})
	for other := range subs {
		for _, key := range address.Keys(other) {
			still[key] = struct{}{}
		}
	}
	for _, addr := range gone {
		for _, key := range address.Keys(addr) {
			if _, keep := still[key]; !keep {
				r.removeLocked(key, id)
			}
		}
	}
	if len(subs) == 0 {
		delete(r.subs, id)
	}
}

// Drop removes s from every key it was registered under. It is called when
// the underlying connection terminates.
func (r *Registry) Drop(s Session) {
	mustSession(s)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	for exact := range r.subs[id] {
		for _, key := range address.Keys(exact) {
			r.removeLocked(key, id)
		}
	}
	delete(r.subs, id)
}

// Emit sends payload to every session registered under key and returns how
// many sessions accepted it. No subscribers is not an error.
func (r *Registry) Emit(key, event string, payload any) int {
	return r.EmitAll([]string{key}, event, payload)
}

// EmitAll sends payload once to every distinct session registered under any
// of keys, regardless of how many of those keys it joined.
func (r *Registry) EmitAll(keys []string, event string, payload any) int {
	targets := r.collect(keys)

	delivered := 0
	for _, s := range targets {
		if err := s.Send(event, payload); err != nil {
			r.logger.Warn("failed to send event to session",
				"session", s.ID(),
				"event", event,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Keys returns the identity keys s is currently registered under, sorted.
func (r *Registry) Keys(s Session) []string {
	mustSession(s)

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for exact := range r.subs[s.ID()] {
		for _, key := range address.Keys(exact) {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Subscribers returns the number of sessions registered under key.
func (r *Registry) Subscribers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[key])
}

// Rooms returns the number of identity keys with at least one session.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// collect snapshots the distinct sessions under keys, in first-seen order.
func (r *Registry) collect(keys []string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var targets []Session
	for _, key := range keys {
		for id, s := range r.rooms[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, s)
		}
	}
	return targets
}

func (r *Registry) removeLocked(key, id string) {
	room := r.rooms[key]
	if room == nil {
		return
	}
	delete(room, id)
	if len(room) == 0 {
		delete(r.rooms, key)
	}
}

func mustSession(s Session) {
	if s == nil {
		panic("registry: nil session")
	}
}
