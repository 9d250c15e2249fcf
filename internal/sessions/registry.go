// Package sessions holds the gateway's table of live remote sessions.
//
// The Registry is the only owner of session transports: it dials them in
// Create, watches them for failure and closes them in Destroy. Every lookup
// refreshes the session's activity timestamp, so lifetime is activity based
// and enforced by the Reaper.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"k8s.io/utils/clock"
)

// ErrNotFound is returned for any operation on an unknown, expired or
// destroyed session id.
var ErrNotFound = errors.New("session not found")

// AuthenticationError is returned by Create when the transport could not be
// established (bad credentials, unreachable host, handshake timeout).
type AuthenticationError struct {
	ConnectionID string
	Err          error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authenticate to connection %s: %v", e.ConnectionID, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAuthFailed   EventType = "auth_failed"
	EventDisconnected EventType = "disconnected"
	EventDestroyed    EventType = "destroyed"
	EventReaped       EventType = "reaped"
)

// Event describes a session lifecycle change.
type Event struct {
	Type         EventType
	SessionID    string
	OwnerID      string
	ConnectionID string
	Kind         remote.Kind
	Detail       string
	Time         time.Time
}

// EventListener receives lifecycle events. Listeners run synchronously and
// must not call back into the Registry.
type EventListener func(Event)

// Registry owns the table of active sessions.
type Registry struct {
	backend remote.Backend
	clock   clock.PassiveClock

	mu       sync.RWMutex
	sessions map[string]*Session

	listenersMu sync.RWMutex
	listeners   []EventListener
}

// NewRegistry creates a Registry that dials transports with backend.
func NewRegistry(backend remote.Backend, clk clock.PassiveClock) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		backend:  backend,
		clock:    clk,
		sessions: make(map[string]*Session),
	}
}

// OnEvent registers a listener for lifecycle events.
func (r *Registry) OnEvent(l EventListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	ev.Time = r.clock.Now()
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Create dials the target described by creds and stores a new session. On
// failure nothing is stored and an *AuthenticationError is returned.
func (r *Registry) Create(ctx context.Context, owner, connectionID string, creds remote.Credentials) (*Session, error) {
	t, err := r.backend.Dial(ctx, creds)
	if err != nil {
		log.Printf("[session-mgr] connect %s (%s) for user %s failed: %v",
			logutil.SanitizeForLog(connectionID), creds.Kind, logutil.SanitizeForLog(owner), err)
		r.emit(Event{Type: EventAuthFailed, OwnerID: owner, ConnectionID: connectionID, Kind: creds.Kind, Detail: err.Error()})
		return nil, &AuthenticationError{ConnectionID: connectionID, Err: err}
	}

	id, err := newSessionID()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	s := newSession(id, owner, connectionID, t, r.clock)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go r.watch(s)

	log.Printf("[session-mgr] created %s session %s for connection %s (user %s)",
		s.Kind, id, logutil.SanitizeForLog(connectionID), logutil.SanitizeForLog(owner))
	r.emit(Event{Type: EventCreated, SessionID: id, OwnerID: owner, ConnectionID: connectionID, Kind: s.Kind})
	return s, nil
}

// watch marks the session disconnected when its transport dies. The entry
// stays in the table until destroyed or reaped.
func (r *Registry) watch(s *Session) {
	<-s.transport.Done()
	if !s.markDisconnected() {
		return
	}
	detail := "transport closed"
	if err := s.transport.Err(); err != nil {
		detail = err.Error()
	}
	log.Printf("[session-mgr] session %s disconnected: %s", s.ID, detail)
	r.emit(Event{Type: EventDisconnected, SessionID: s.ID, OwnerID: s.OwnerID, ConnectionID: s.ConnectionID, Kind: s.Kind, Detail: detail})
}

// Lookup returns the session and refreshes its activity timestamp.
func (r *Registry) Lookup(id string) (*Session, error) {
	return r.LookupOwned(id, "")
}

// LookupOwned is Lookup restricted to sessions of owner. Sessions of other
// owners are reported as ErrNotFound and their activity is left untouched.
// An empty owner matches every session.
func (r *Registry) LookupOwned(id, owner string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || (owner != "" && s.OwnerID != owner) {
		return nil, ErrNotFound
	}
	s.Touch()
	return s, nil
}

// Destroy closes every binding, the side channel and the transport of the
// session and removes it. Unknown ids are ignored.
func (r *Registry) Destroy(id string) {
	r.destroy(id, EventDestroyed)
}

func (r *Registry) destroy(id string, reason EventType) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.release(s, reason)
	return true
}

func (r *Registry) release(s *Session, reason EventType) {
	s.close()
	log.Printf("[session-mgr] session %s %s", s.ID, reason)
	r.emit(Event{Type: reason, SessionID: s.ID, OwnerID: s.OwnerID, ConnectionID: s.ConnectionID, Kind: s.Kind})
}

// List returns a snapshot of the sessions owned by owner, or of all sessions
// when owner is empty. It does not count as activity.
func (r *Registry) List(owner string) []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.sessions))
	for _, s := range r.sessions {
		if owner != "" && s.OwnerID != owner {
			continue
		}
		out = append(out, s.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of sessions in the table.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// reapIdle removes every session with no activity since cutoff and releases
// them. Selection and removal happen under one lock, so a session can be
// reaped at most once.
func (r *Registry) reapIdle(cutoff time.Time) []string {
	r.mu.Lock()
	var victims []*Session
	for id, s := range r.sessions {
		if s.idleSince(cutoff) {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, s := range victims {
		r.release(s, EventReaped)
		ids = append(ids, s.ID)
	}
	return ids
}

// CloseAll destroys every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.release(s, EventDestroyed)
	}
	if len(all) > 0 {
		log.Printf("[session-mgr] closed %d sessions", len(all))
	}
}

func newSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
