// Package sshproxy is the SSH backend of the gateway.
//
// Backend dials a target with a bounded handshake and returns a Transport
// that owns the *ssh.Client. Each Transport runs its own keepalive loop: a
// probe is sent every KeepaliveInterval and the transport is declared dead
// once KeepaliveMaxMissed consecutive probes go unanswered or a probe fails
// outright. A dead transport closes its Done channel; the session registry
// watches that channel and marks the session disconnected.
//
// On top of the raw connection a Transport offers the capabilities the
// relays need: interactive PTY shells (shell.go), an SFTP subsystem for the
// channel manager, and host stats sampled over exec sessions (exec.go).
package sshproxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshkeys"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"k8s.io/utils/clock"
)

const (
	// DefaultHandshakeTimeout bounds TCP dial plus SSH handshake.
	DefaultHandshakeTimeout = 60 * time.Second

	// DefaultKeepaliveInterval is how often we send keepalive requests.
	DefaultKeepaliveInterval = 30 * time.Second

	// DefaultKeepaliveMaxMissed is how many consecutive probes may go
	// unanswered before the transport is declared dead.
	DefaultKeepaliveMaxMissed = 3

	keepaliveRequest = "keepalive@openssh.com"
)

// Backend dials SSH transports.
type Backend struct {
	HandshakeTimeout   time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int

	// HostKeyCallback verifies target host keys of connections without a
	// pinned fingerprint. Defaults to accepting any key.
	HostKeyCallback ssh.HostKeyCallback

	// Limiter, if set, throttles dials per target address.
	Limiter *DialLimiter

	Clock clock.WithTicker
}

// NewBackend returns a Backend with the default timeouts.
func NewBackend() *Backend {
	return &Backend{
		HandshakeTimeout:   DefaultHandshakeTimeout,
		KeepaliveInterval:  DefaultKeepaliveInterval,
		KeepaliveMaxMissed: DefaultKeepaliveMaxMissed,
		HostKeyCallback:    ssh.InsecureIgnoreHostKey(),
		Clock:              clock.RealClock{},
	}
}

// Dial opens a TCP connection to the target, performs the SSH handshake and
// starts the keepalive loop. The whole handshake is bounded by
// HandshakeTimeout.
func (b *Backend) Dial(ctx context.Context, creds remote.Credentials) (remote.Transport, error) {
	if b.Limiter == nil {
		return b.dial(ctx, creds)
	}
	addr := creds.Address()
	if err := b.Limiter.Allow(addr); err != nil {
		return nil, err
	}
	t, err := b.dial(ctx, creds)
	if err != nil {
		b.Limiter.Failure(addr)
		return nil, err
	}
	b.Limiter.Success(addr)
	return t, nil
}

func (b *Backend) dial(ctx context.Context, creds remote.Credentials) (remote.Transport, error) {
	auth, err := authMethods(creds)
	if err != nil {
		return nil, err
	}

	timeout := b.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hostKeyCallback := b.HostKeyCallback
	if creds.HostKeyFingerprint != "" {
		hostKeyCallback = sshkeys.PinnedHostKeyCallback(creds.HostKeyFingerprint)
	}
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := creds.Address()
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// ssh.NewClientConn does not take a context; bound it with a deadline
	// and abort it if the caller goes away.
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stopped := stop()
	if err != nil {
		netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if !stopped {
		sshConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	t := newTransport(ssh.NewClient(sshConn, chans, reqs), addr)

	interval := b.KeepaliveInterval
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	maxMissed := b.KeepaliveMaxMissed
	if maxMissed <= 0 {
		maxMissed = DefaultKeepaliveMaxMissed
	}
	clk := b.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	go t.keepalive(clk.NewTicker(interval), maxMissed)

	log.Printf("SSH connected to %s as %s", addr, creds.Username)
	return t, nil
}

func authMethods(creds remote.Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no password or private key configured")
	}
	return methods, nil
}

// Transport is a live SSH connection owned by one session.
type Transport struct {
	client *ssh.Client
	addr   string

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newTransport(client *ssh.Client, addr string) *Transport {
	t := &Transport{
		client: client,
		addr:   addr,
		done:   make(chan struct{}),
	}
	go func() {
		err := client.Wait()
		t.shutdown(fmt.Errorf("%w: connection to %s closed: %v", remote.ErrTransport, addr, err))
	}()
	return t
}

func (t *Transport) Kind() remote.Kind { return remote.KindSSH }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Client returns the underlying SSH client.
func (t *Transport) Client() *ssh.Client { return t.client }

// Close closes the SSH connection. Safe to call more than once.
func (t *Transport) Close() error {
	return t.shutdown(nil)
}

func (t *Transport) shutdown(reason error) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = reason
		t.mu.Unlock()
		err = t.client.Close()
		close(t.done)
		if reason != nil {
			log.Printf("SSH transport to %s stopped: %v", t.addr, reason)
		}
	})
	return err
}

// OpenSFTP starts the SFTP subsystem on a new channel of the connection.
func (t *Transport) OpenSFTP(ctx context.Context) (*sftp.Client, error) {
	type result struct {
		client *sftp.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := sftp.NewClient(t.client)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("start sftp subsystem: %w", r.err)
		}
		return r.client, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("start sftp subsystem: %w", remote.ErrTransport)
	}
}

// keepalive sends periodic keepalive requests and shuts the transport down
// when the peer stops answering.
func (t *Transport) keepalive(ticker clock.Ticker, maxMissed int) {
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := runKeepalive(ctx, ticker.C(), maxMissed, func() error {
		_, _, err := t.client.SendRequest(keepaliveRequest, true, nil)
		return err
	})
	if err != nil {
		t.shutdown(err)
	}
}

// runKeepalive launches one probe per tick. A probe still outstanding when
// the next tick arrives counts as missed; maxMissed consecutive misses, or a
// probe that fails, end the loop with an ErrTransport-wrapped error. It
// returns nil when ctx is cancelled.
func runKeepalive(ctx context.Context, ticks <-chan time.Time, maxMissed int, probe func() error) error {
	results := make(chan error, 1)
	inFlight := false
	missed := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-results:
			inFlight = false
			if err != nil {
				return fmt.Errorf("%w: keepalive failed: %v", remote.ErrTransport, err)
			}
			missed = 0
		case <-ticks:
			if inFlight {
				missed++
				if missed >= maxMissed {
					return fmt.Errorf("%w: %d keepalive probes unanswered", remote.ErrTransport, missed)
				}
				continue
			}
			inFlight = true
			go func() { results <- probe() }()
		}
	}
}
