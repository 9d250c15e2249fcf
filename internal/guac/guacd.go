package guac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
)

const (
	DefaultGuacdAddr        = "127.0.0.1:4822"
	DefaultHandshakeTimeout = 60 * time.Second
)

// ErrDisplayBusy is returned by OpenDisplay while another relay holds the
// display stream.
var ErrDisplayBusy = errors.New("display already attached to another client")

// Backend dials display sessions through guacd.
type Backend struct {
	// Addr is the guacd host:port.
	Addr             string
	HandshakeTimeout time.Duration

	// Image lists the image mimetypes offered to guacd.
	Image []string
}

// NewBackend returns a Backend for the guacd at addr.
func NewBackend(addr string) *Backend {
	if addr == "" {
		addr = DefaultGuacdAddr
	}
	return &Backend{
		Addr:             addr,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Image:            []string{"image/png", "image/jpeg", "image/webp"},
	}
}

// Dial connects to guacd and performs the connection handshake for the
// target in creds. The returned transport holds the display connection for
// the life of the session.
func (b *Backend) Dial(ctx context.Context, creds remote.Credentials) (remote.Transport, error) {
	if !creds.Kind.IsDisplay() {
		return nil, fmt.Errorf("guacd backend: %s connections: %w", creds.Kind, remote.ErrUnsupported)
	}
	timeout := b.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", b.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial guacd %s: %w", b.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	t := &Transport{
		conn:   conn,
		kind:   creds.Kind,
		target: creds.Address(),
		done:   make(chan struct{}),
	}
	err = t.handshake(creds, b.Image)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("guacd handshake for %s: %w", t.target, ctxErr)
		}
		return nil, fmt.Errorf("guacd handshake for %s: %w", t.target, err)
	}
	conn.SetDeadline(time.Time{})

	go t.pump()
	log.Printf("[guac] %s display connected to %s (guacd connection %s)", creds.Kind, t.target, t.connectionID)
	return t, nil
}

// Transport is a guacd connection bound to one remote desktop.
type Transport struct {
	conn         net.Conn
	kind         remote.Kind
	target       string
	connectionID string

	parser  Parser
	pending []Instruction

	wmu sync.Mutex

	mu     sync.Mutex
	holder *io.PipeWriter

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (t *Transport) Kind() remote.Kind     { return t.kind }
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ConnectionID is the id guacd assigned in its ready instruction.
func (t *Transport) ConnectionID() string { return t.connectionID }

// Close tells guacd to disconnect and closes the connection.
func (t *Transport) Close() error {
	return t.shutdown(nil, true)
}

func (t *Transport) shutdown(reason error, graceful bool) error {
	var err error
	t.closeOnce.Do(func() {
		if graceful {
			t.conn.SetWriteDeadline(time.Now().Add(time.Second))
			t.write(Encode("disconnect"))
		}
		t.mu.Lock()
		t.err = reason
		holder := t.holder
		t.holder = nil
		t.mu.Unlock()

		if holder != nil {
			if reason == nil {
				reason = io.EOF
			}
			holder.CloseWithError(reason)
		}
		err = t.conn.Close()
		close(t.done)
		if t.err != nil {
			log.Printf("[guac] display transport to %s stopped: %v", t.target, t.err)
		}
	})
	return err
}

func (t *Transport) write(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

// readInstruction returns the next instruction from guacd.
func (t *Transport) readInstruction() (Instruction, error) {
	buf := make([]byte, 4096)
	for len(t.pending) == 0 {
		n, err := t.conn.Read(buf)
		if n > 0 {
			ins, perr := t.parser.Feed(buf[:n])
			t.pending = append(t.pending, ins...)
			if perr != nil {
				return Instruction{}, perr
			}
		}
		if err != nil && len(t.pending) == 0 {
			return Instruction{}, err
		}
	}
	ins := t.pending[0]
	t.pending = t.pending[1:]
	return ins, nil
}

func (t *Transport) expect(opcode string) (Instruction, error) {
	ins, err := t.readInstruction()
	if err != nil {
		return Instruction{}, err
	}
	if ins.Opcode() == "error" {
		return Instruction{}, fmt.Errorf("guacd error %s: %s", ins.Arg(1), ins.Arg(0))
	}
	if ins.Opcode() != opcode {
		return Instruction{}, fmt.Errorf("expected %q from guacd, got %q", opcode, ins.Opcode())
	}
	return ins, nil
}

// handshake runs select/args/size/audio/video/image/connect and waits for
// ready.
func (t *Transport) handshake(creds remote.Credentials, images []string) error {
	if err := t.write(Encode("select", string(creds.Kind))); err != nil {
		return err
	}
	args, err := t.expect("args")
	if err != nil {
		return err
	}

	width, height, dpi := creds.Width, creds.Height, creds.DPI
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 768
	}
	if dpi <= 0 {
		dpi = 96
	}

	imageArgs := make([]any, len(images))
	for n, m := range images {
		imageArgs[n] = m
	}
	var b []byte
	b = append(b, Encode("size", width, height, dpi)...)
	b = append(b, Encode("audio")...)
	b = append(b, Encode("video")...)
	b = append(b, Encode("image", imageArgs...)...)

	values := make([]any, args.NumArgs())
	for n, name := range args.Args() {
		values[n] = argValue(name, creds, width, height, dpi)
	}
	b = append(b, Encode("connect", values...)...)
	if err := t.write(b); err != nil {
		return err
	}

	ready, err := t.expect("ready")
	if err != nil {
		return err
	}
	t.connectionID = ready.Arg(0)
	return nil
}

// argValue answers one parameter named in guacd's args instruction.
func argValue(name string, creds remote.Credentials, width, height, dpi int) any {
	// The protocol version is echoed back as the first connect value.
	if strings.HasPrefix(name, "VERSION_") {
		return name
	}
	if v, ok := creds.Extra[name]; ok {
		return v
	}
	switch name {
	case "hostname":
		return creds.Host
	case "port":
		port := creds.Port
		if port == 0 {
			port = creds.Kind.DefaultPort()
		}
		return strconv.Itoa(port)
	case "username":
		return creds.Username
	case "password":
		return creds.Password
	case "width":
		return width
	case "height":
		return height
	case "dpi":
		return dpi
	}
	return nil
}

// OpenDisplay hands the display stream to one caller. Reads yield complete
// instructions from guacd; writes go to guacd unchanged. release detaches
// the caller without closing the guacd connection.
func (t *Transport) OpenDisplay() (io.ReadWriter, func(), error) {
	pr, pw := io.Pipe()

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("open display: %w", remote.ErrTransport)
	default:
	}
	if t.holder != nil {
		t.mu.Unlock()
		return nil, nil, ErrDisplayBusy
	}
	t.holder = pw
	t.mu.Unlock()

	release := sync.OnceFunc(func() {
		t.mu.Lock()
		if t.holder == pw {
			t.holder = nil
		}
		t.mu.Unlock()
		pr.Close()
	})
	return displayStream{Reader: pr, t: t}, release, nil
}

type displayStream struct {
	io.Reader
	t *Transport
}

func (d displayStream) Write(p []byte) (int, error) {
	if err := d.t.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// pump reads guacd for the life of the transport. Instructions go to the
// current holder; with no holder attached, sync instructions are answered
// here so guacd keeps the remote session alive.
func (t *Transport) pump() {
	for {
		ins, err := t.nextBatch()
		if err != nil {
			t.shutdown(fmt.Errorf("%w: guacd connection to %s: %v", remote.ErrTransport, t.target, err), false)
			return
		}

		t.mu.Lock()
		holder := t.holder
		t.mu.Unlock()

		if holder != nil {
			if _, err := holder.Write(EncodeAll(ins)); err != nil {
				t.mu.Lock()
				if t.holder == holder {
					t.holder = nil
				}
				t.mu.Unlock()
			}
		} else {
			for _, i := range ins {
				if i.Opcode() == "sync" {
					t.write(Encode("sync", i.Arg(0)))
				}
			}
		}

		for _, i := range ins {
			if i.Opcode() == "disconnect" {
				t.shutdown(fmt.Errorf("%w: guacd closed the display connection", remote.ErrTransport), false)
				return
			}
		}
	}
}

func (t *Transport) nextBatch() ([]Instruction, error) {
	if len(t.pending) > 0 {
		ins := t.pending
		t.pending = nil
		return ins, nil
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			ins, perr := t.parser.Feed(buf[:n])
			if perr != nil {
				return nil, perr
			}
			if len(ins) > 0 {
				return ins, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
