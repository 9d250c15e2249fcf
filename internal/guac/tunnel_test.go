package guac

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	testingclock "k8s.io/utils/clock/testing"
)

type pipeStream struct {
	io.Reader
	io.Writer
}

type tunnelEnv struct {
	tunnel   *Tunnel
	clk      *testingclock.FakeClock
	states   chan State
	received chan []Instruction
	closed   chan error
	released atomic.Int32

	// server side of the display stream
	toTunnel   *io.PipeWriter
	fromTunnel *io.PipeReader
}

func newTunnelEnv(t *testing.T) *tunnelEnv {
	t.Helper()
	env := &tunnelEnv{
		clk:      testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		states:   make(chan State, 32),
		received: make(chan []Instruction, 32),
		closed:   make(chan error, 4),
	}
	env.tunnel = NewTunnel(TunnelConfig{
		Clock: env.clk,
		OnInstructions: func(ins []Instruction) error {
			env.received <- ins
			return nil
		},
		OnStateChange: func(s State) { env.states <- s },
		OnClose:       func(err error) { env.closed <- err },
	})
	t.Cleanup(env.tunnel.Disconnect)
	return env
}

// open attaches a pipe-backed stream whose release closes the tunnel's ends.
func (env *tunnelEnv) open(t *testing.T) {
	t.Helper()
	tunnelR, toTunnel := io.Pipe()
	fromTunnel, tunnelW := io.Pipe()
	env.toTunnel, env.fromTunnel = toTunnel, fromTunnel

	err := env.tunnel.Open(pipeStream{Reader: tunnelR, Writer: tunnelW}, func() {
		env.released.Add(1)
		tunnelR.Close()
		tunnelW.Close()
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	env.waitState(t, StateOpen)
}

func (env *tunnelEnv) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-env.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached, tunnel is %s", want, env.tunnel.State())
		}
	}
}

func (env *tunnelEnv) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-env.closed:
		<-env.tunnel.Done()
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("tunnel not closed, state %s", env.tunnel.State())
		return nil
	}
}

func TestTunnel_StartsConnecting(t *testing.T) {
	env := newTunnelEnv(t)
	if s := env.tunnel.State(); s != StateConnecting {
		t.Errorf("State = %s, want connecting", s)
	}
	if err := env.tunnel.Send(NewInstruction("nop")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send before Open = %v, want ErrClosed", err)
	}
}

func TestTunnel_UnstableThenReceiveTimeout(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)

	env.clk.Step(1499 * time.Millisecond)
	env.clk.Step(time.Millisecond)
	env.waitState(t, StateUnstable)

	env.clk.Step(13500 * time.Millisecond)
	env.waitState(t, StateClosed)

	if err := env.waitClosed(t); !errors.Is(err, ErrReceiveTimeout) {
		t.Errorf("close reason = %v, want ErrReceiveTimeout", err)
	}
	if !errors.Is(env.tunnel.Err(), ErrReceiveTimeout) {
		t.Errorf("Err = %v, want ErrReceiveTimeout", env.tunnel.Err())
	}
	if n := env.released.Load(); n != 1 {
		t.Errorf("release called %d times, want 1", n)
	}
}

func TestTunnel_DataRestoresOpen(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)

	env.clk.Step(1500 * time.Millisecond)
	env.waitState(t, StateUnstable)

	go env.toTunnel.Write([]byte("3.nop;4.sync,2.42;"))
	env.waitState(t, StateOpen)

	select {
	case ins := <-env.received:
		if len(ins) != 2 || ins[1].Opcode() != "sync" || ins[1].Arg(0) != "42" {
			t.Errorf("received %v", ins)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("instructions not delivered")
	}

	// The receive timer restarted at 1500ms, so 15500ms is still alive.
	env.clk.Step(14000 * time.Millisecond)
	env.waitState(t, StateUnstable)
	select {
	case <-env.tunnel.Done():
		t.Fatalf("tunnel closed early: %v", env.tunnel.Err())
	case <-time.After(50 * time.Millisecond):
	}

	env.clk.Step(1000 * time.Millisecond)
	if err := env.waitClosed(t); !errors.Is(err, ErrReceiveTimeout) {
		t.Errorf("close reason = %v, want ErrReceiveTimeout", err)
	}
}

func TestTunnel_DisconnectIsIdempotent(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)

	env.tunnel.Disconnect()
	env.tunnel.Disconnect()

	if err := env.waitClosed(t); err != nil {
		t.Errorf("close reason = %v, want nil", err)
	}
	if s := env.tunnel.State(); s != StateClosed {
		t.Errorf("State = %s, want closed", s)
	}
	if n := env.released.Load(); n != 1 {
		t.Errorf("release called %d times, want 1", n)
	}
	select {
	case err := <-env.closed:
		t.Errorf("OnClose called twice (second: %v)", err)
	default:
	}
	if err := env.tunnel.Send(NewInstruction("nop")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Disconnect = %v, want ErrClosed", err)
	}
}

func TestTunnel_DisconnectBeforeOpen(t *testing.T) {
	env := newTunnelEnv(t)
	env.tunnel.Disconnect()
	if s := env.tunnel.State(); s != StateClosed {
		t.Fatalf("State = %s, want closed", s)
	}

	var released bool
	err := env.tunnel.Open(pipeStream{}, func() { released = true })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Disconnect = %v, want ErrClosed", err)
	}
	if !released {
		t.Error("stream not released after rejected Open")
	}
}

func TestTunnel_SecondOpenFails(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)
	if err := env.tunnel.Open(pipeStream{}, nil); err == nil {
		t.Error("second Open succeeded")
	}
}

func TestTunnel_Send(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)

	errc := make(chan error, 1)
	go func() { errc <- env.tunnel.Send(NewInstruction("key", "65", "1"), NewInstruction("sync", "7")) }()

	want := "3.key,2.65,1.1;4.sync,1.7;"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(env.fromTunnel, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != want {
		t.Errorf("wrote %q, want %q", buf, want)
	}
	if err := <-errc; err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestTunnel_FramingErrorCloses(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)

	go env.toTunnel.Write([]byte("3.nop;x.bad;"))
	err := env.waitClosed(t)
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("close reason = %v, want *FramingError", err)
	}
	if fe.Offset != 6 {
		t.Errorf("Offset = %d, want 6", fe.Offset)
	}
}

func TestTunnel_StreamEndIsTransportError(t *testing.T) {
	env := newTunnelEnv(t)
	env.open(t)

	env.toTunnel.Close()
	if err := env.waitClosed(t); !errors.Is(err, remote.ErrTransport) {
		t.Errorf("close reason = %v, want ErrTransport", err)
	}
}

func TestTunnel_HandlerErrorCloses(t *testing.T) {
	boom := errors.New("client gone")
	closed := make(chan error, 1)
	tn := NewTunnel(TunnelConfig{
		Clock:          testingclock.NewFakeClock(time.Now()),
		OnInstructions: func([]Instruction) error { return boom },
		OnClose:        func(err error) { closed <- err },
	})
	r, w := io.Pipe()
	if err := tn.Open(pipeStream{Reader: r, Writer: io.Discard}, func() { r.Close() }); err != nil {
		t.Fatal(err)
	}
	go w.Write([]byte("3.nop;"))

	select {
	case err := <-closed:
		if !errors.Is(err, boom) {
			t.Errorf("close reason = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel not closed")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateUnstable:   "unstable",
		StateClosed:     "closed",
		State(9):        "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
