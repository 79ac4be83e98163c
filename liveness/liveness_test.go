package liveness_test

import (
	"errors"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/chromiumos/session-manager/liveness"
)

func Test(t *testing.T) { TestingT(t) }

type fakePinger struct {
	count int
	err   error
}

func (p *fakePinger) EmitLivenessRequested() error {
	p.count++
	return p.err
}

type fakeAborter struct {
	called bool
	err    error
}

func (a *fakeAborter) AbortBrowser() error {
	a.called = true
	return a.err
}

type suite struct{}

var _ = Suite(&suite{})

func (s *suite) TestStartPingsOnFirstTick(c *C) {
	sched := &liveness.FakeScheduler{}
	pinger := &fakePinger{}
	aborter := &fakeAborter{}

	checker := liveness.New(sched, pinger, aborter, time.Minute, true)
	checker.Start()
	c.Check(checker.IsRunning(), Equals, true)

	sched.Fire()
	c.Check(pinger.count, Equals, 1)
	c.Check(checker.IsRunning(), Equals, true, Commentf("a tick reschedules the next one"))
}

func (s *suite) TestConfirmedPingThenNextTickPingsAgain(c *C) {
	sched := &liveness.FakeScheduler{}
	pinger := &fakePinger{}
	aborter := &fakeAborter{}

	checker := liveness.New(sched, pinger, aborter, time.Minute, true)
	checker.Start()
	sched.Fire()
	c.Check(pinger.count, Equals, 1)

	checker.HandleLivenessConfirmed()
	sched.Fire()
	c.Check(pinger.count, Equals, 2)
	c.Check(aborter.called, Equals, false)
}

func (s *suite) TestUnconfirmedPingWithAbortingAbortsAndStops(c *C) {
	sched := &liveness.FakeScheduler{}
	pinger := &fakePinger{}
	aborter := &fakeAborter{}

	checker := liveness.New(sched, pinger, aborter, time.Minute, true)
	checker.Start()
	sched.Fire() // first tick: pings, outstanding_ping=true

	sched.Fire() // second tick: still outstanding, aborting enabled
	c.Check(aborter.called, Equals, true)
	c.Check(checker.IsRunning(), Equals, false)
}

func (s *suite) TestUnconfirmedPingWithoutAbortingKeepsPinging(c *C) {
	sched := &liveness.FakeScheduler{}
	pinger := &fakePinger{}
	aborter := &fakeAborter{}

	checker := liveness.New(sched, pinger, aborter, time.Minute, false)
	checker.Start()
	sched.Fire()
	c.Check(pinger.count, Equals, 1)

	sched.Fire()
	c.Check(pinger.count, Equals, 2)
	c.Check(aborter.called, Equals, false)
	c.Check(checker.IsRunning(), Equals, true)
}

func (s *suite) TestStopInvalidatesPendingTick(c *C) {
	sched := &liveness.FakeScheduler{}
	pinger := &fakePinger{}
	aborter := &fakeAborter{}

	checker := liveness.New(sched, pinger, aborter, time.Minute, true)
	checker.Start()
	checker.Stop()
	c.Check(checker.IsRunning(), Equals, false)

	sched.Fire()
	c.Check(pinger.count, Equals, 0, Commentf("a stopped checker must not ping"))
}

func (s *suite) TestZeroIntervalDefaultsToSixtySeconds(c *C) {
	sched := &liveness.FakeScheduler{}
	checker := liveness.New(sched, &fakePinger{}, &fakeAborter{}, 0, true)
	checker.Start()
	c.Check(checker.IsRunning(), Equals, true)
	c.Check(sched.LastInterval, Equals, 60*time.Second)
}

func (s *suite) TestPingerErrorIsLoggedNotFatal(c *C) {
	sched := &liveness.FakeScheduler{}
	pinger := &fakePinger{err: errors.New("dbus gone")}
	checker := liveness.New(sched, pinger, &fakeAborter{}, time.Minute, true)
	checker.Start()
	sched.Fire()
	c.Check(checker.IsRunning(), Equals, true)
}
