package sshproxy

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"k8s.io/utils/clock"
)

// DialLimiter throttles dials per target address. It enforces two limits:
//
//  1. A sliding window of at most MaxAttempts dials per Window.
//  2. After FailureThreshold consecutive failed dials the target is blocked
//     for a cooldown that starts at InitialBlock and doubles on each further
//     failure, capped at MaxBlock. A successful dial clears the block.
//
// State is in-memory only.
type DialLimiter struct {
	Window           time.Duration
	MaxAttempts      int
	FailureThreshold int
	InitialBlock     time.Duration
	MaxBlock         time.Duration

	clock clock.PassiveClock

	mu      sync.Mutex
	targets map[string]*targetState
}

type targetState struct {
	attempts []time.Time

	failures      int
	blockedUntil  time.Time
	blockDuration time.Duration
}

// ErrRateLimited is returned by Allow when a dial is rejected.
type ErrRateLimited struct {
	Target     string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("dial %s rate limited: %s (retry after %s)", e.Target, e.Reason, e.RetryAfter.Round(time.Second))
}

// NewDialLimiter returns a limiter allowing 10 dials per minute per target
// and blocking a target for 30s (up to 5m) after 5 consecutive failures.
func NewDialLimiter(clk clock.PassiveClock) *DialLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &DialLimiter{
		Window:           time.Minute,
		MaxAttempts:      10,
		FailureThreshold: 5,
		InitialBlock:     30 * time.Second,
		MaxBlock:         5 * time.Minute,
		clock:            clk,
		targets:          make(map[string]*targetState),
	}
}

// state returns the entry for target. Caller must hold l.mu.
func (l *DialLimiter) state(target string) *targetState {
	st, ok := l.targets[target]
	if !ok {
		st = &targetState{}
		l.targets[target] = st
	}
	return st
}

// Allow records a dial attempt to target, or rejects it with *ErrRateLimited.
func (l *DialLimiter) Allow(target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	st := l.state(target)

	if now.Before(st.blockedUntil) {
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", st.failures),
			RetryAfter: st.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-l.Window)
	recent := st.attempts[:0]
	for _, t := range st.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	st.attempts = recent

	if len(st.attempts) >= l.MaxAttempts {
		retryAfter := st.attempts[0].Add(l.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", l.MaxAttempts, l.Window),
			RetryAfter: retryAfter,
		}
	}
	st.attempts = append(st.attempts, now)
	return nil
}

// Success clears the failure count and any block on target.
func (l *DialLimiter) Success(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.targets[target]; ok {
		st.failures = 0
		st.blockedUntil = time.Time{}
		st.blockDuration = 0
	}
}

// Failure counts a failed dial and blocks target once the threshold is hit.
func (l *DialLimiter) Failure(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(target)
	st.failures++
	if st.failures < l.FailureThreshold {
		return
	}
	if st.blockDuration == 0 {
		st.blockDuration = l.InitialBlock
	} else {
		st.blockDuration = min(st.blockDuration*2, l.MaxBlock)
	}
	st.blockedUntil = l.clock.Now().Add(st.blockDuration)
	log.Printf("[sshproxy] dial to %s blocked for %s after %d consecutive failures",
		logutil.SanitizeForLog(target), st.blockDuration, st.failures)
}
