// Package sshterminal relays a session's interactive shell and host stats to
// browser clients over WebSocket.
//
// A relay binds one WebSocket connection to one registry session. The first
// client frame must be a connect message naming the session; after that the
// shell relay forwards input and resize messages to a fresh PTY shell on the
// session's transport and streams output back, while the stats relay pushes
// periodic host samples. Closing the WebSocket only detaches the relay. The
// session and its transport stay in the registry until destroyed or reaped.
//
// Message envelope (JSON text frames):
//
//	in:  {"type":"connect","data":{"targetConnectionId","sessionId","cols","rows"}}
//	     {"type":"input","data":"..."}
//	     {"type":"resize","cols":N,"rows":N}
//	out: {"type":"connected"} {"type":"output","data":"..."}
//	     {"type":"error","data":"..."} {"type":"disconnected"}
//	     {"type":"stats","data":{...}}
package sshterminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/coder/websocket"
	"k8s.io/utils/clock"
)

// Close codes sent to the client.
const (
	CloseSessionNotFound websocket.StatusCode = 4004
	CloseUnsupported     websocket.StatusCode = 4400
	CloseBackendError    websocket.StatusCode = 4500
)

// DefaultConnectTimeout bounds the wait for the connect message.
const DefaultConnectTimeout = 30 * time.Second

// DefaultStatsInterval is the sampling period of the stats relay.
const DefaultStatsInterval = 5 * time.Second

// Message is an inbound relay message.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Cols uint16          `json:"cols,omitempty"`
	Rows uint16          `json:"rows,omitempty"`
}

// ConnectData is the payload of a connect message.
type ConnectData struct {
	TargetConnectionID string `json:"targetConnectionId"`
	SessionID          string `json:"sessionId"`
	Cols               uint16 `json:"cols"`
	Rows               uint16 `json:"rows"`
}

type outMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// SessionLookup resolves a session id owned by a user. *sessions.Registry
// implements it.
type SessionLookup interface {
	LookupOwned(id, owner string) (*sessions.Session, error)
}

// Relay serves shell and stats relays against a session registry.
type Relay struct {
	Sessions SessionLookup

	// Dev exposes raw backend errors to clients.
	Dev bool

	ConnectTimeout time.Duration
	StatsInterval  time.Duration
	Clock          clock.WithTicker
}

// NewRelay returns a Relay with default timings.
func NewRelay(lookup SessionLookup) *Relay {
	return &Relay{
		Sessions:       lookup,
		ConnectTimeout: DefaultConnectTimeout,
		StatsInterval:  DefaultStatsInterval,
		Clock:          clock.RealClock{},
	}
}

func send(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	b, err := json.Marshal(outMessage{Type: typ, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// fail reports msg to the client and closes the connection with code.
func fail(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, msg string) {
	send(ctx, conn, "error", msg)
	conn.Close(code, msg)
}

// awaitConnect reads the connect message and resolves its session. On
// failure the client has already been told and the connection closed.
func (rl *Relay) awaitConnect(ctx context.Context, conn *websocket.Conn, owner, kind string) (*sessions.Session, ConnectData, bool) {
	timeout := rl.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cd ConnectData
	_, data, err := conn.Read(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			conn.Close(websocket.StatusPolicyViolation, "connect message expected")
		}
		return nil, cd, false
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "connect" {
		fail(ctx, conn, websocket.StatusPolicyViolation, "connect message expected")
		return nil, cd, false
	}
	if err := json.Unmarshal(msg.Data, &cd); err != nil || cd.SessionID == "" {
		fail(ctx, conn, websocket.StatusPolicyViolation, "sessionId is required")
		return nil, cd, false
	}

	s, err := rl.Sessions.LookupOwned(cd.SessionID, owner)
	if err == nil && cd.TargetConnectionID != "" && s.ConnectionID != cd.TargetConnectionID {
		err = sessions.ErrNotFound
	}
	if err != nil {
		log.Printf("[%s] connect to session %s rejected: %v", kind, logutil.SanitizeForLog(cd.SessionID), err)
		fail(ctx, conn, CloseSessionNotFound, "session not found")
		return nil, cd, false
	}
	if !s.Connected() {
		send(ctx, conn, "disconnected", nil)
		conn.Close(CloseBackendError, "session disconnected")
		return nil, cd, false
	}
	return s, cd, true
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// notifyDisconnected tells the client its session is gone. It runs from the
// registry's destroy path, so the write is bounded.
func notifyDisconnected(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	send(ctx, conn, "disconnected", nil)
}

// ServeShell runs a shell relay on conn until either side goes away.
func (rl *Relay) ServeShell(ctx context.Context, conn *websocket.Conn, owner string) {
	defer conn.CloseNow()
	conn.SetReadLimit(MaxReadLimit)

	s, cd, ok := rl.awaitConnect(ctx, conn, owner, "terminal")
	if !ok {
		return
	}

	opener, ok := s.Transport().(remote.ShellOpener)
	if !ok {
		fail(ctx, conn, CloseUnsupported, fmt.Sprintf("terminal is not available for %s sessions", s.Kind))
		return
	}

	cols, rows := clampGeometry(cd.Cols, cd.Rows)
	sh, err := opener.OpenShell(ctx, remote.PTY{Cols: cols, Rows: rows})
	if err != nil {
		log.Printf("[terminal] session %s: open shell: %v", s.ID, err)
		fail(ctx, conn, CloseBackendError, logutil.PublicMessage(err, rl.Dev))
		return
	}
	defer sh.Close()

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unbind, err := s.Bind("terminal", closerFunc(func() error {
		notifyDisconnected(conn)
		cancel()
		return sh.Close()
	}))
	if err != nil {
		fail(ctx, conn, CloseSessionNotFound, "session not found")
		return
	}
	defer unbind()

	if err := send(ctx, conn, "connected", nil); err != nil {
		return
	}
	log.Printf("[terminal] session %s: shell relay started (%dx%d)", s.ID, cols, rows)

	// Shell -> client
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		defer cancel()
		buf := make([]byte, 32*1024)
		var carry []byte
		for {
			n, err := sh.Read(buf)
			if n > 0 {
				s.Touch()
				chunk, rest := splitUTF8(append(carry, buf[:n]...))
				carry = append([]byte(nil), rest...)
				if len(chunk) > 0 {
					if werr := send(relayCtx, conn, "output", string(chunk)); werr != nil {
						return
					}
				}
			}
			if err != nil {
				if len(carry) > 0 {
					send(relayCtx, conn, "output", string(carry))
				}
				if relayCtx.Err() == nil {
					send(relayCtx, conn, "disconnected", nil)
				}
				return
			}
		}
	}()

	rl.pumpInput(relayCtx, conn, s, sh)
	cancel()
	sh.Close()
	<-outputDone

	log.Printf("[terminal] session %s: shell relay ended", s.ID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// pumpInput forwards client messages to the shell until ctx ends or the
// client disconnects.
func (rl *Relay) pumpInput(ctx context.Context, conn *websocket.Conn, s *sessions.Session, sh remote.Shell) {
	limiter := newLimiter()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			var input string
			if err := json.Unmarshal(msg.Data, &input); err != nil {
				continue
			}
			if len(input) > MaxInputMessageSize {
				log.Printf("[terminal] session %s: input message too large (%d bytes)", s.ID, len(input))
				continue
			}
			s.Touch()
			if _, err := sh.Write([]byte(input)); err != nil {
				send(ctx, conn, "error", logutil.PublicMessage(err, rl.Dev))
				return
			}
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := clampGeometry(msg.Cols, msg.Rows)
			if err := sh.Resize(cols, rows); err != nil {
				log.Printf("[terminal] session %s: resize: %v", s.ID, err)
			}
		}
	}
}
