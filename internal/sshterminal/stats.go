package sshterminal

import (
	"context"
	"fmt"
	"log"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/coder/websocket"
	"k8s.io/utils/clock"
)

// ServeStats pushes host stats for the session on every StatsInterval until
// the client goes away or the transport dies.
func (rl *Relay) ServeStats(ctx context.Context, conn *websocket.Conn, owner string) {
	defer conn.CloseNow()
	conn.SetReadLimit(MaxReadLimit)

	s, _, ok := rl.awaitConnect(ctx, conn, owner, "stats")
	if !ok {
		return
	}

	sampler, ok := s.Transport().(remote.StatsSampler)
	if !ok {
		fail(ctx, conn, CloseUnsupported, fmt.Sprintf("stats are not available for %s sessions", s.Kind))
		return
	}

	// The client sends nothing more; CloseRead handles control frames and
	// cancels ctx when the client closes.
	ctx = conn.CloseRead(ctx)
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unbind, err := s.Bind("stats", closerFunc(func() error {
		notifyDisconnected(conn)
		cancel()
		return nil
	}))
	if err != nil {
		fail(ctx, conn, CloseSessionNotFound, "session not found")
		return
	}
	defer unbind()

	if err := send(relayCtx, conn, "connected", nil); err != nil {
		return
	}

	interval := rl.StatsInterval
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	clk := rl.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[stats] session %s: stats relay started (every %s)", s.ID, interval)
	defer log.Printf("[stats] session %s: stats relay ended", s.ID)

	for {
		stats, err := sampler.SampleStats(relayCtx)
		switch {
		case relayCtx.Err() != nil:
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case err != nil:
			log.Printf("[stats] session %s: %v", s.ID, err)
			if werr := send(relayCtx, conn, "error", logutil.PublicMessage(err, rl.Dev)); werr != nil {
				return
			}
		default:
			s.Touch()
			if werr := send(relayCtx, conn, "stats", stats); werr != nil {
				return
			}
		}

		select {
		case <-relayCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.Transport().Done():
			send(relayCtx, conn, "disconnected", nil)
			conn.Close(websocket.StatusNormalClosure, "session disconnected")
			return
		case <-ticker.C():
		}
	}
}
