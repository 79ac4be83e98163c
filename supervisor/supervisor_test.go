package supervisor_test

import (
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/supervisor"
)

func Test(t *testing.T) { TestingT(t) }

type suite struct{}

var _ = Suite(&suite{})

func newRegistry() (*supervisor.Registry, *capabilities.Fake) {
	sys := capabilities.NewFake(time.Unix(0, 0))
	reg := supervisor.New(sys, func(uid uint32) capabilities.Job {
		return capabilities.Job{Path: "/sbin/sessiond", Args: []string{"--keygen"}}
	})
	return reg, sys
}

func (s *suite) TestRunChildThenPollReportsExit(c *C) {
	reg, sys := newRegistry()

	pid, err := reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, IsNil)
	c.Check(reg.Pid("browser"), Equals, pid)

	events := reg.Poll()
	c.Check(events, HasLen, 0, Commentf("child has not exited yet"))

	sys.SetExited(pid, capabilities.ExitStatus{Exited: true, Code: 0})
	events = reg.Poll()
	c.Assert(events, HasLen, 1)
	c.Check(events[0].JobID, Equals, "browser")
	c.Check(events[0].RestartAllowed, Equals, true)
	c.Check(reg.Pid("browser"), Equals, 0)

	c.Assert(sys.Kills, HasLen, 1)
	c.Check(sys.Kills[0].Pid, Equals, pid)
}

func (s *suite) TestRunChildRejectsDuplicateWhileRunning(c *C) {
	reg, _ := newRegistry()

	_, err := reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, IsNil)

	_, err = reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, NotNil)
}

func (s *suite) TestRestartExhaustsBucketThenRefuses(c *C) {
	reg, sys := newRegistry()

	pid, err := reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, IsNil)
	sys.SetExited(pid, capabilities.ExitStatus{Exited: true, Code: 1})
	events := reg.Poll()
	c.Assert(events, HasLen, 1)
	c.Check(events[0].RestartAllowed, Equals, true)

	// Keep crashing and restarting until the storm throttle kicks in.
	var lastErr error
	for i := 0; i < 10; i++ {
		newPid, err := reg.Restart("browser")
		if err != nil {
			lastErr = err
			break
		}
		sys.SetExited(newPid, capabilities.ExitStatus{Exited: true, Code: 1})
		reg.Poll()
	}
	c.Check(lastErr, NotNil, Commentf("a tight crash loop must eventually be refused a restart"))
}

func (s *suite) TestMarkShouldStopSuppressesRestart(c *C) {
	reg, sys := newRegistry()

	pid, err := reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, IsNil)
	reg.MarkShouldStop("browser")

	sys.SetExited(pid, capabilities.ExitStatus{Exited: true, Code: 0})
	events := reg.Poll()
	c.Assert(events, HasLen, 1)
	c.Check(events[0].ShouldStop, Equals, true)
	c.Check(events[0].RestartAllowed, Equals, false)
}

func (s *suite) TestRunKeygenJobUsesKeygenFactory(c *C) {
	reg, _ := newRegistry()

	pid, err := reg.RunKeygenJob(4242)
	c.Assert(err, IsNil)
	c.Check(pid, Not(Equals), 0)
	c.Check(reg.Pid("keygen-4242"), Equals, pid)
}

func (s *suite) TestShutdownSendsTermThenEscalatesToAbort(c *C) {
	reg, sys := newRegistry()
	reg.SetKillTimeoutForTest(50 * time.Millisecond)

	pid, err := reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, IsNil)

	reg.Shutdown(false)

	c.Assert(len(sys.Kills) >= 2, Equals, true)
	c.Check(sys.Kills[0].Pid, Equals, pid)
}

func (s *suite) TestShutdownSendsKillWhenNeverStarted(c *C) {
	reg, sys := newRegistry()
	reg.SetKillTimeoutForTest(10 * time.Millisecond)

	pid, err := reg.RunChild("browser", capabilities.Job{Path: "/sbin/browser"}, 1000, false)
	c.Assert(err, IsNil)
	sys.SetExited(pid, capabilities.ExitStatus{Exited: true})

	reg.Shutdown(true)
	c.Assert(len(sys.Kills) >= 1, Equals, true)
}

func (s *suite) TestShutdownNeverSignalsANeverKillChild(c *C) {
	reg, sys := newRegistry()
	reg.SetKillTimeoutForTest(10 * time.Millisecond)

	_, err := reg.RunChild("watchdog", capabilities.Job{Path: "/sbin/watchdog"}, 0, true)
	c.Assert(err, IsNil)

	reg.Shutdown(false)
	c.Check(sys.Kills, HasLen, 0)
}
