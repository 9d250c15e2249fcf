package guac

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"k8s.io/utils/clock"
)

const (
	DefaultUnstableThreshold = 1500 * time.Millisecond
	DefaultReceiveTimeout    = 15000 * time.Millisecond
)

// State is the health of a tunnel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateUnstable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateUnstable:
		return "unstable"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrReceiveTimeout is reported when nothing arrives within the
	// receive timeout.
	ErrReceiveTimeout = errors.New("no data received from display stream within receive timeout")

	// ErrClosed is returned by operations on a closed tunnel.
	ErrClosed = errors.New("tunnel closed")
)

// TunnelConfig configures a Tunnel.
type TunnelConfig struct {
	UnstableThreshold time.Duration
	ReceiveTimeout    time.Duration
	Clock             clock.WithTicker

	// OnInstructions receives every batch of instructions read from the
	// stream, in order. An error closes the tunnel.
	OnInstructions func([]Instruction) error

	// OnStateChange is called on every transition, from the tunnel's own
	// goroutines. It must not block.
	OnStateChange func(State)

	// OnClose is called once with the close reason before the stream is
	// released. The reason is nil after Disconnect.
	OnClose func(error)
}

// Tunnel frames and deframes instructions over a display stream and tracks
// its health:
//
//	Connecting -> Open            stream attached by Open
//	Open       -> Unstable        nothing received for UnstableThreshold
//	Unstable   -> Open            data received
//	any        -> Closed          Disconnect, stream error, framing error,
//	                              or nothing received for ReceiveTimeout
type Tunnel struct {
	cfg TunnelConfig

	mu      sync.Mutex
	state   State
	err     error
	stream  io.ReadWriter
	release func()

	wmu sync.Mutex

	activity  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTunnel returns a tunnel in the Connecting state.
func NewTunnel(cfg TunnelConfig) *Tunnel {
	if cfg.UnstableThreshold <= 0 {
		cfg.UnstableThreshold = DefaultUnstableThreshold
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Tunnel{
		cfg:      cfg,
		state:    StateConnecting,
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the tunnel reaches Closed.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Err returns why the tunnel closed: nil after Disconnect, ErrReceiveTimeout,
// a *FramingError, or a stream error.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Open attaches the stream and starts reading. release is called once when
// the tunnel closes.
func (t *Tunnel) Open(stream io.ReadWriter, release func()) error {
	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		if release != nil {
			release()
		}
		return fmt.Errorf("open tunnel in state %s: %w", t.State(), ErrClosed)
	}
	t.stream = stream
	t.release = release
	t.state = StateOpen
	t.mu.Unlock()

	// Timers are armed before any goroutine runs so the clock sees them
	// as soon as Open returns.
	receive := t.cfg.Clock.NewTimer(t.cfg.ReceiveTimeout)
	unstable := t.cfg.Clock.NewTimer(t.cfg.UnstableThreshold)

	t.notify(StateOpen)
	go t.loop(receive, unstable)
	go t.read(stream)
	return nil
}

// Send writes instructions to the stream.
func (t *Tunnel) Send(ins ...Instruction) error {
	return t.SendRaw(EncodeAll(ins))
}

// SendRaw writes pre-encoded, complete instructions to the stream.
func (t *Tunnel) SendRaw(b []byte) error {
	t.mu.Lock()
	stream, state := t.stream, t.state
	t.mu.Unlock()
	if state == StateClosed || stream == nil {
		return ErrClosed
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := stream.Write(b); err != nil {
		t.finish(fmt.Errorf("%w: write display stream: %v", remote.ErrTransport, err))
		return err
	}
	return nil
}

// Disconnect closes the tunnel and releases the stream. It is idempotent.
func (t *Tunnel) Disconnect() {
	t.finish(nil)
}

func (t *Tunnel) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosed
		t.err = err
		release := t.release
		t.mu.Unlock()

		if t.cfg.OnClose != nil {
			t.cfg.OnClose(err)
		}
		if release != nil {
			release()
		}
		close(t.done)
		if err != nil {
			log.Printf("[guac] tunnel closed: %v", err)
		}
		t.notify(StateClosed)
	})
}

// transition moves between Open and Unstable. It never leaves Closed.
func (t *Tunnel) transition(from, to State) {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()
	t.notify(to)
}

func (t *Tunnel) notify(s State) {
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(s)
	}
}

// loop owns the health timers.
func (t *Tunnel) loop(receive, unstable clock.Timer) {
	defer receive.Stop()
	defer unstable.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-t.activity:
			resetTimer(receive, t.cfg.ReceiveTimeout)
			resetTimer(unstable, t.cfg.UnstableThreshold)
			t.transition(StateUnstable, StateOpen)
		case <-unstable.C():
			t.transition(StateOpen, StateUnstable)
		case <-receive.C():
			t.finish(ErrReceiveTimeout)
			return
		}
	}
}

func resetTimer(tm clock.Timer, d time.Duration) {
	if !tm.Stop() {
		select {
		case <-tm.C():
		default:
		}
	}
	tm.Reset(d)
}

// read deframes the stream and hands instructions to OnInstructions.
func (t *Tunnel) read(stream io.Reader) {
	var parser Parser
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			select {
			case t.activity <- struct{}{}:
			default:
			}
			ins, perr := parser.Feed(buf[:n])
			if len(ins) > 0 && t.cfg.OnInstructions != nil {
				if herr := t.cfg.OnInstructions(ins); herr != nil {
					t.finish(herr)
					return
				}
			}
			if perr != nil {
				t.finish(perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.finish(fmt.Errorf("%w: display stream ended", remote.ErrTransport))
			} else {
				t.finish(fmt.Errorf("%w: read display stream: %v", remote.ErrTransport, err))
			}
			return
		}
	}
}
