package sessions

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapInterval = 5 * time.Minute
)

// Reaper periodically destroys sessions that have been idle for longer than
// IdleTimeout.
type Reaper struct {
	registry    *Registry
	idleTimeout time.Duration
	interval    time.Duration
	clock       clock.PassiveClock

	cron *cron.Cron
}

// NewReaper creates a reaper for the registry. Zero durations select the
// defaults.
func NewReaper(r *Registry, idleTimeout, interval time.Duration) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		registry:    r,
		idleTimeout: idleTimeout,
		interval:    interval,
		clock:       r.clock,
	}
}

// Sweep destroys every session whose last activity is more than the idle
// timeout before now and returns their ids.
func (rp *Reaper) Sweep(now time.Time) []string {
	reaped := rp.registry.reapIdle(now.Add(-rp.idleTimeout))
	if len(reaped) > 0 {
		log.Printf("[reaper] destroyed %d idle sessions (idle timeout %s)", len(reaped), rp.idleTimeout)
	}
	return reaped
}

// Start schedules Sweep every interval.
func (rp *Reaper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", rp.interval), func() {
		rp.Sweep(rp.clock.Now())
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	rp.cron = c
	log.Printf("[reaper] started (interval %s, idle timeout %s)", rp.interval, rp.idleTimeout)
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (rp *Reaper) Stop() {
	if rp.cron == nil {
		return
	}
	<-rp.cron.Stop().Done()
	rp.cron = nil
}
