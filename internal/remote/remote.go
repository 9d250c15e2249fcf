// Package remote defines the backend capability layer shared by the session
// registry and the relays.
//
// Each remote protocol family is a Kind. A Backend knows how to dial one Kind
// and returns a Transport that the session registry owns exclusively. Relays
// and the channel manager borrow a Transport and discover what it can do
// through the capability interfaces (ShellOpener, SFTPOpener, StatsSampler,
// DisplayOpener) rather than switching on the concrete type.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pkg/sftp"
)

// Kind selects the backend for a connection.
type Kind string

const (
	KindSSH Kind = "ssh"
	KindRDP Kind = "rdp"
	KindVNC Kind = "vnc"
)

// ParseKind validates a protocol name from the connection directory.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSSH, KindRDP, KindVNC:
		return Kind(s), nil
	case "":
		return KindSSH, nil
	}
	return "", fmt.Errorf("unsupported protocol %q", s)
}

// IsDisplay reports whether the kind carries remote-desktop display traffic.
func (k Kind) IsDisplay() bool {
	return k == KindRDP || k == KindVNC
}

// ErrTransport marks network-level failures on an established transport.
var ErrTransport = errors.New("transport error")

// ErrUnsupported is returned when a transport lacks a requested capability.
var ErrUnsupported = errors.New("operation not supported by this connection type")

// Credentials is everything a backend needs to reach a target. It is
// produced by the connection directory and never persisted by the gateway.
type Credentials struct {
	Kind       Kind
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string

	// HostKeyFingerprint pins the SSH host key ("SHA256:..."). Empty accepts
	// any key.
	HostKeyFingerprint string

	// Display settings, used by display kinds only.
	Width  int
	Height int
	DPI    int
	// Extra holds protocol parameters forwarded to the display proxy
	// verbatim (e.g. "security", "ignore-cert").
	Extra map[string]string
}

// Address returns host:port with the kind's default port applied.
func (c Credentials) Address() string {
	port := c.Port
	if port == 0 {
		port = c.Kind.DefaultPort()
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// DefaultPort returns the well-known port of the kind.
func (k Kind) DefaultPort() int {
	switch k {
	case KindRDP:
		return 3389
	case KindVNC:
		return 5900
	}
	return 22
}

// Transport is a live connection to a remote target.
type Transport interface {
	Kind() Kind
	// Done is closed once the transport has stopped, for whatever reason.
	Done() <-chan struct{}
	// Err returns the reason the transport stopped, nil while it is alive or
	// after an orderly Close.
	Err() error
	Close() error
}

// Backend dials one kind of transport.
type Backend interface {
	Dial(ctx context.Context, creds Credentials) (Transport, error)
}

// Backends selects a Backend by Kind.
type Backends map[Kind]Backend

// Dial dispatches to the backend registered for creds.Kind.
func (b Backends) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	backend, ok := b[creds.Kind]
	if !ok {
		return nil, fmt.Errorf("no backend for %q connections: %w", creds.Kind, ErrUnsupported)
	}
	return backend.Dial(ctx, creds)
}

// PTY describes the initial terminal geometry.
type PTY struct {
	Term string
	Cols uint16
	Rows uint16
}

// Shell is an interactive remote shell with a pseudo-terminal.
type Shell interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// ShellOpener is implemented by transports that can start interactive shells.
type ShellOpener interface {
	OpenShell(ctx context.Context, pty PTY) (Shell, error)
}

// SFTPOpener is implemented by transports that can carry an SFTP subsystem.
type SFTPOpener interface {
	OpenSFTP(ctx context.Context) (*sftp.Client, error)
}

// Stats is one sample of remote host health.
type Stats struct {
	Load1       float64   `json:"load1"`
	Load5       float64   `json:"load5"`
	Load15      float64   `json:"load15"`
	MemTotal    uint64    `json:"memTotal"`
	MemAvail    uint64    `json:"memAvailable"`
	UptimeSecs  float64   `json:"uptimeSeconds"`
	CollectedAt time.Time `json:"collectedAt"`
}

// StatsSampler is implemented by transports that can report host stats.
type StatsSampler interface {
	SampleStats(ctx context.Context) (Stats, error)
}

// DisplayOpener is implemented by display transports. The returned stream
// carries the raw instruction protocol; only one caller may hold it at a
// time and it must be released with the returned function.
type DisplayOpener interface {
	OpenDisplay() (io.ReadWriter, func(), error)
}
