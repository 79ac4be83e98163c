// Package liveness implements C10: a periodic cooperative probe of the
// browser child, aborting it on a confirmed hang.
package liveness

import (
	"time"

	"github.com/chromiumos/session-manager/logger"
)

// defaultInterval is the probe period §4.8 names (60 s).
const defaultInterval = 60 * time.Second

// Timer is the narrow handle a scheduled callback returns, mirroring
// `time.Timer`'s `Stop` method so the production Scheduler can return a
// bare `*time.Timer` with no wrapping.
type Timer interface {
	Stop() bool
}

// Scheduler defers f by d, the one piece of real-world asynchrony this
// package needs; tests substitute a fake that fires callbacks on demand
// instead of waiting out a real interval.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// realScheduler backs Scheduler with the standard library, grounded on
// `timeutil.AfterFunc`'s direct pass-through to `time.AfterFunc`.
type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler is the production Scheduler.
var RealScheduler Scheduler = realScheduler{}

// Pinger emits the liveness-request signal toward the browser.
type Pinger interface {
	EmitLivenessRequested() error
}

// Aborter aborts the browser child on a confirmed hang.
type Aborter interface {
	AbortBrowser() error
}

// Checker implements §4.8's liveness state machine: `{ outstanding_ping,
// scheduled_tick }`, where scheduled_tick is absent iff the checker is
// stopped.
type Checker struct {
	scheduler Scheduler
	pinger    Pinger
	aborter   Aborter
	interval  time.Duration
	aborting  bool

	outstandingPing bool
	tick            Timer
}

// New constructs a Checker. interval of zero selects defaultInterval.
// aborting selects whether a confirmed hang aborts the browser and stops
// the checker, or merely logs and keeps pinging (§4.8's test case 5).
func New(scheduler Scheduler, pinger Pinger, aborter Aborter, interval time.Duration, aborting bool) *Checker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Checker{scheduler: scheduler, pinger: pinger, aborter: aborter, interval: interval, aborting: aborting}
}

// Start arms the checker: outstanding_ping starts clear and the first
// tick is scheduled interval from now.
func (c *Checker) Start() {
	c.outstandingPing = false
	c.schedule()
}

func (c *Checker) schedule() {
	c.tick = c.scheduler.AfterFunc(c.interval, c.onTick)
}

// onTick runs on every scheduled interval. A still-outstanding ping from
// the previous tick means the browser never confirmed it; with aborting
// enabled that is fatal to the browser and to this checker, otherwise it
// is logged and pinging continues.
func (c *Checker) onTick() {
	if c.outstandingPing {
		logger.Noticef("liveness checker: browser did not respond to the last ping")
		if c.aborting {
			if err := c.aborter.AbortBrowser(); err != nil {
				logger.Noticef("liveness checker: AbortBrowser: %v", err)
			}
			c.Stop()
			return
		}
	}

	if err := c.pinger.EmitLivenessRequested(); err != nil {
		logger.Noticef("liveness checker: EmitLivenessRequested: %v", err)
	}
	c.outstandingPing = true
	c.schedule()
}

// HandleLivenessConfirmed clears outstanding_ping on receipt of a
// confirmation signal from the browser.
func (c *Checker) HandleLivenessConfirmed() {
	c.outstandingPing = false
}

// Stop invalidates the pending callback and clears outstanding_ping, the
// cancel-by-token-invalidation behavior §5's Cancellation note requires.
func (c *Checker) Stop() {
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
	c.outstandingPing = false
}

// IsRunning reports whether a tick is currently scheduled.
func (c *Checker) IsRunning() bool {
	return c.tick != nil
}
