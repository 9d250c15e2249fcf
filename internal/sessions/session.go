package sessions

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Session is one authenticated remote transport connection.
//
// The transport is owned by the Registry. Relays and the channel manager
// borrow it through Transport() and must never close it themselves.
type Session struct {
	ID           string
	OwnerID      string
	ConnectionID string
	Kind         remote.Kind
	CreatedAt    time.Time

	transport remote.Transport
	clock     clock.PassiveClock

	mu           sync.Mutex
	connected    bool
	destroyed    bool
	lastActiveAt time.Time
	sideChannel  io.Closer
	bindings     map[string]binding

	// sideOps serializes requests on the side channel.
	sideOps sync.Mutex
}

type binding struct {
	kind   string
	closer io.Closer
}

// Status is a point-in-time view of a session for the status API.
type Status struct {
	ID              string    `json:"sessionId"`
	OwnerID         string    `json:"ownerUserId"`
	ConnectionID    string    `json:"targetConnectionId"`
	Kind            string    `json:"kind"`
	Connected       bool      `json:"isConnected"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
	SideChannelOpen bool      `json:"sideChannelOpen"`
	Bindings        []string  `json:"bindings"`
}

func newSession(id, owner, connectionID string, t remote.Transport, clk clock.PassiveClock) *Session {
	now := clk.Now()
	return &Session{
		ID:           id,
		OwnerID:      owner,
		ConnectionID: connectionID,
		Kind:         t.Kind(),
		CreatedAt:    now,
		transport:    t,
		clock:        clk,
		connected:    true,
		lastActiveAt: now,
		bindings:     make(map[string]binding),
	}
}

// Transport returns the session's live transport. Callers borrow it.
func (s *Session) Transport() remote.Transport { return s.transport }

// Connected reports whether the transport is still alive.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Touch records activity on the session, postponing idle expiry.
func (s *Session) Touch() {
	now := s.clock.Now()
	s.mu.Lock()
	if now.After(s.lastActiveAt) {
		s.lastActiveAt = now
	}
	s.mu.Unlock()
}

// LastActiveAt returns the time of the last recorded activity.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// SideChannel returns the cached side channel, or nil if none is open.
func (s *Session) SideChannel() io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sideChannel
}

// AttachSideChannel caches c as the session's side channel. It fails with
// ErrNotFound if the session was destroyed in the meantime; the caller then
// still owns c and must close it.
func (s *Session) AttachSideChannel(c io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrNotFound
	}
	if s.sideChannel != nil && s.sideChannel != c {
		log.Printf("[session-mgr] session %s: replacing side channel", s.ID)
		s.sideChannel.Close()
	}
	s.sideChannel = c
	return nil
}

// DropSideChannel closes and forgets c if it is still the cached channel,
// so the next file operation opens a fresh one.
func (s *Session) DropSideChannel(c io.Closer) {
	s.mu.Lock()
	if s.sideChannel != c {
		s.mu.Unlock()
		return
	}
	s.sideChannel = nil
	s.mu.Unlock()
	c.Close()
}

// LockSideChannel acquires the per-session side-channel lock. The returned
// function releases it.
func (s *Session) LockSideChannel() func() {
	s.sideOps.Lock()
	return s.sideOps.Unlock
}

// Bind attaches a relay to the session. The closer is invoked when the
// session is destroyed. The returned function detaches the relay without
// closing it and is safe to call more than once.
func (s *Session) Bind(kind string, c io.Closer) (unbind func(), err error) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.bindings[id] = binding{kind: kind, closer: c}
	s.mu.Unlock()

	log.Printf("[session-mgr] session %s: %s relay bound (%s)", s.ID, kind, id)
	return func() {
		s.mu.Lock()
		_, ok := s.bindings[id]
		delete(s.bindings, id)
		s.mu.Unlock()
		if ok {
			log.Printf("[session-mgr] session %s: %s relay unbound (%s)", s.ID, kind, id)
		}
	}, nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.bindings))
	for _, b := range s.bindings {
		kinds = append(kinds, b.kind)
	}
	return Status{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		ConnectionID:    s.ConnectionID,
		Kind:            string(s.Kind),
		Connected:       s.connected,
		CreatedAt:       s.CreatedAt,
		LastActiveAt:    s.lastActiveAt,
		SideChannelOpen: s.sideChannel != nil,
		Bindings:        kinds,
	}
}

// markDisconnected flips the session to disconnected. It reports whether the
// session was connected and not yet destroyed.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.connected && !s.destroyed
	s.connected = false
	return was
}

// idleSince reports whether the session has had no activity since cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt.Before(cutoff)
}

// close releases every resource held by the session exactly once.
func (s *Session) close() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.connected = false
	bindings := s.bindings
	s.bindings = make(map[string]binding)
	side := s.sideChannel
	s.sideChannel = nil
	s.mu.Unlock()

	for id, b := range bindings {
		if err := b.closer.Close(); err != nil {
			log.Printf("[session-mgr] session %s: close %s relay %s: %v", s.ID, b.kind, id, err)
		}
	}
	if side != nil {
		if err := side.Close(); err != nil {
			log.Printf("[session-mgr] session %s: close side channel: %v", s.ID, err)
		}
	}
	if err := s.transport.Close(); err != nil {
		log.Printf("[session-mgr] session %s: close transport: %v", s.ID, err)
	}
}
