package sshterminal

import (
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// Security-related limits for relay connections.
const (
	// MaxInputMessageSize is the maximum size in bytes of the data carried
	// by one input message. Larger messages are dropped.
	MaxInputMessageSize = 64 * 1024

	// MaxReadLimit bounds a single WebSocket frame, envelope included.
	MaxReadLimit = 1024 * 1024

	// MaxTermCols and MaxTermRows clamp resize requests.
	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 500

	// MessageRateLimit is the sustained number of client messages per second.
	MessageRateLimit = 200
	// MessageRateBurst allows short bursts such as pastes.
	MessageRateBurst = 200
)

// newLimiter returns the per-connection inbound message limiter.
func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(MessageRateLimit), MessageRateBurst)
}

// clampGeometry bounds terminal dimensions. Zero values select 80x24.
func clampGeometry(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	return cols, rows
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the incomplete remainder.
func splitUTF8(b []byte) (complete, rest []byte) {
	// A UTF-8 sequence is at most 4 bytes, so only the tail needs checking.
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}
