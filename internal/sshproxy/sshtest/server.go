// Package sshtest runs an in-process SSH server for tests. It understands
// password auth, PTY shells, exec requests, window changes and the sftp
// subsystem (served from the local filesystem by pkg/sftp).
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultUser     = "root"
	DefaultPassword = "secret"
)

// Handler configures the behavior of the test server.
type Handler struct {
	// Password accepted for DefaultUser. Defaults to DefaultPassword.
	Password string

	// OnShell is called when a shell starts (after the PTY request).
	// The channel is closed when OnShell returns.
	OnShell func(ch ssh.Channel)

	// OnExec runs an exec request and returns its exit status.
	OnExec func(cmd string, ch ssh.Channel) uint32

	// OnWindowChange is called when a resize request is received.
	OnWindowChange func(cols, rows uint32)

	// IgnoreKeepalive leaves keepalive@openssh.com requests unanswered.
	IgnoreKeepalive bool
}

// Server is a running test SSH server.
type Server struct {
	Addr string
	// HostKey is the server's public host key.
	HostKey ssh.PublicKey

	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	password string
}

// Start starts a server on a loopback port. It is stopped by t.Cleanup.
func Start(t testing.TB, h Handler) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	password := h.Password
	if password == "" {
		password = DefaultPassword
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if conn.User() == DefaultUser && string(pw) == password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{Addr: listener.Addr().String(), HostKey: hostSigner.PublicKey(), listener: listener, password: password}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go handleConn(conn, cfg, h)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Credentials returns credentials that authenticate against the server.
func (s *Server) Credentials() remote.Credentials {
	host, portStr, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(portStr)
	return remote.Credentials{
		Kind:     remote.KindSSH,
		Host:     host,
		Port:     port,
		Username: DefaultUser,
		Password: s.password,
	}
}

// DropConnections closes every accepted connection, simulating a network
// failure, while leaving the listener running.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
}

func handleConn(netConn net.Conn, cfg *ssh.ServerConfig, h Handler) {
	defer netConn.Close()
	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()

	go func() {
		for req := range reqs {
			if req.Type == "keepalive@openssh.com" && h.IgnoreKeepalive {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests, h)
	}
}

func exitStatus(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	ch.Close()
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request, h Handler) {
	for req := range requests {
		switch req.Type {
		case "pty-req", "env":
			req.Reply(true, nil)
		case "window-change":
			var msg struct{ Cols, Rows, Width, Height uint32 }
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil && h.OnWindowChange != nil {
				h.OnWindowChange(msg.Cols, msg.Rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			go func() {
				if h.OnShell != nil {
					h.OnShell(ch)
				}
				exitStatus(ch, 0)
			}()
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				var status uint32 = 127
				if h.OnExec != nil {
					status = h.OnExec(msg.Command, ch)
				}
				exitStatus(ch, status)
			}()
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				server.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
