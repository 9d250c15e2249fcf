package guac

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Subprotocol is the WebSocket subprotocol spoken by display clients.
const Subprotocol = "guacamole"

// Close codes sent to the client. They match the terminal relay.
const (
	CloseSessionNotFound websocket.StatusCode = 4004
	CloseUnsupported     websocket.StatusCode = 4400
	CloseBackendError    websocket.StatusCode = 4500
)

// Status codes carried by error instructions.
const (
	statusUnsupported     = "256"
	statusServerError     = "512"
	statusUpstreamTimeout = "515"
	statusNotFound        = "516"
	statusConflict        = "517"
)

// MaxMessageSize bounds one client WebSocket message.
const MaxMessageSize = 8 * 1024 * 1024

// internalOpcode marks tunnel-level instructions that never reach guacd.
const internalOpcode = ""

// SessionLookup resolves a session id owned by a user. *sessions.Registry
// implements it.
type SessionLookup interface {
	LookupOwned(id, owner string) (*sessions.Session, error)
}

// Relay bridges display clients to their session's guacd stream.
type Relay struct {
	Sessions SessionLookup

	UnstableThreshold time.Duration
	ReceiveTimeout    time.Duration
	Clock             clock.WithTicker

	// Dev exposes raw backend errors to clients.
	Dev bool

	// OnStateChange, if set, observes every tunnel transition.
	OnStateChange func(from, to State)
}

// NewRelay returns a Relay with default tunnel timings.
func NewRelay(lookup SessionLookup) *Relay {
	return &Relay{
		Sessions:          lookup,
		UnstableThreshold: DefaultUnstableThreshold,
		ReceiveTimeout:    DefaultReceiveTimeout,
		Clock:             clock.RealClock{},
	}
}

func writeInstruction(ctx context.Context, conn *websocket.Conn, b []byte) error {
	return conn.Write(ctx, websocket.MessageText, b)
}

// reject sends an error instruction and closes the connection.
func reject(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, msg, status string) {
	writeInstruction(ctx, conn, Encode("error", msg, status))
	conn.Close(code, msg)
}

// Serve relays conn to the display of session sessionID until either side
// goes away. Closing conn leaves the session and its guacd connection in
// place.
func (rl *Relay) Serve(ctx context.Context, conn *websocket.Conn, sessionID, owner string) {
	defer conn.CloseNow()
	conn.SetReadLimit(MaxMessageSize)

	s, err := rl.Sessions.LookupOwned(sessionID, owner)
	if err != nil {
		log.Printf("[guac] display connect to session %s rejected: %v", logutil.SanitizeForLog(sessionID), err)
		reject(ctx, conn, CloseSessionNotFound, "session not found", statusNotFound)
		return
	}

	opener, ok := s.Transport().(remote.DisplayOpener)
	if !ok {
		reject(ctx, conn, CloseUnsupported, "display is not available for "+string(s.Kind)+" sessions", statusUnsupported)
		return
	}
	stream, release, err := opener.OpenDisplay()
	if err != nil {
		if errors.Is(err, ErrDisplayBusy) {
			reject(ctx, conn, websocket.StatusPolicyViolation, err.Error(), statusConflict)
			return
		}
		log.Printf("[guac] session %s: open display: %v", s.ID, err)
		reject(ctx, conn, CloseBackendError, logutil.PublicMessage(err, rl.Dev), statusServerError)
		return
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tunnelID := uuid.NewString()
	var stateMu sync.Mutex
	prev := StateConnecting
	tunnel := NewTunnel(TunnelConfig{
		UnstableThreshold: rl.UnstableThreshold,
		ReceiveTimeout:    rl.ReceiveTimeout,
		Clock:             rl.Clock,
		OnInstructions: func(ins []Instruction) error {
			s.Touch()
			return writeInstruction(relayCtx, conn, EncodeAll(ins))
		},
		OnStateChange: func(st State) {
			stateMu.Lock()
			from := prev
			prev = st
			stateMu.Unlock()
			if rl.OnStateChange != nil {
				rl.OnStateChange(from, st)
			}
			if st == StateUnstable {
				log.Printf("[guac] session %s: tunnel %s unstable", s.ID, tunnelID)
			}
		},
		OnClose: func(err error) {
			if err == nil {
				// Disconnect runs from the registry's destroy path. The close
				// handshake waits on the peer, so it must not hold that path.
				go func() {
					defer cancel()
					conn.Close(websocket.StatusNormalClosure, "")
				}()
				return
			}
			defer cancel()
			wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
			defer wcancel()
			var fe *FramingError
			switch {
			case errors.Is(err, ErrReceiveTimeout):
				reject(wctx, conn, CloseBackendError, "upstream timeout", statusUpstreamTimeout)
			case errors.As(err, &fe):
				reject(wctx, conn, websocket.StatusPolicyViolation, "malformed display data", statusServerError)
			default:
				reject(wctx, conn, CloseBackendError, logutil.PublicMessage(err, rl.Dev), statusServerError)
			}
		},
	})

	unbind, err := s.Bind("display", closerFunc(func() error {
		tunnel.Disconnect()
		return nil
	}))
	if err != nil {
		release()
		reject(ctx, conn, CloseSessionNotFound, "session not found", statusNotFound)
		return
	}
	defer unbind()

	if err := writeInstruction(ctx, conn, Encode(internalOpcode, tunnelID)); err != nil {
		release()
		return
	}
	if err := tunnel.Open(stream, release); err != nil {
		return
	}
	defer tunnel.Disconnect()
	log.Printf("[guac] session %s: display relay %s started", s.ID, tunnelID)

	rl.pumpClient(relayCtx, conn, s, tunnel)

	log.Printf("[guac] session %s: display relay %s ended", s.ID, tunnelID)
}

// pumpClient forwards client instructions to the tunnel, answering internal
// pings itself.
func (rl *Relay) pumpClient(ctx context.Context, conn *websocket.Conn, s *sessions.Session, tunnel *Tunnel) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		// Each message carries whole instructions.
		var p Parser
		ins, err := p.Feed(data)
		if err == nil && p.Buffered() > 0 {
			err = &FramingError{Offset: len(data) - p.Buffered(), Reason: "incomplete instruction"}
		}
		if err != nil {
			log.Printf("[guac] session %s: dropping client: %v", s.ID, err)
			reject(ctx, conn, websocket.StatusPolicyViolation, "malformed instruction", statusServerError)
			return
		}
		s.Touch()

		forward := ins[:0]
		for _, i := range ins {
			if i.Opcode() != internalOpcode {
				forward = append(forward, i)
				continue
			}
			if i.Arg(0) == "ping" {
				if err := writeInstruction(ctx, conn, i.Bytes()); err != nil {
					return
				}
			}
		}
		if len(forward) == 0 {
			continue
		}
		if err := tunnel.Send(forward...); err != nil {
			return
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
