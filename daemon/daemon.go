// Package daemon implements §5's single-threaded event loop: a ticker
// drives the supervisor's exit polling and every policy binding's
// deferred persist, while a self-pipe turns termination signals into
// one clean shutdown.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chromiumos/session-manager/liveness"
	"github.com/chromiumos/session-manager/logger"
	"github.com/chromiumos/session-manager/session"
	"github.com/chromiumos/session-manager/supervisor"
	"github.com/chromiumos/session-manager/systemd"
)

// tickInterval is how often the main loop polls the supervisor for
// exited children and advances every policy binding's deferred persist.
const tickInterval = 250 * time.Millisecond

// Lifecycle is the slice of rpc.Adapter the daemon drives.
type Lifecycle interface {
	Start()
	Stop() error
}

// Daemon owns the event loop tying the session manager, the child
// supervisor, the liveness checker, and the dbus adapter together.
type Daemon struct {
	sup      *supervisor.Registry
	mgr      *session.Manager
	live     *liveness.Checker
	adapter  Lifecycle
	selfPipe *supervisor.SelfPipe

	ticker *time.Ticker
	done   chan struct{}

	shuttingDown bool
}

// New constructs a Daemon. adapter is started and stopped alongside the
// main loop; sig is typically {SIGHUP, SIGINT, SIGTERM}.
func New(sup *supervisor.Registry, mgr *session.Manager, live *liveness.Checker, adapter Lifecycle, sig ...os.Signal) *Daemon {
	if len(sig) == 0 {
		sig = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM}
	}
	return &Daemon{
		sup:      sup,
		mgr:      mgr,
		live:     live,
		adapter:  adapter,
		selfPipe: supervisor.NewSelfPipe(sig...),
		done:     make(chan struct{}),
	}
}

// Run starts every component and blocks until a termination signal is
// handled and shutdown completes. It returns the error, if any, from
// the final synchronous persist drain.
func (d *Daemon) Run() error {
	d.adapter.Start()
	if d.live != nil {
		d.live.Start()
	}
	if err := systemd.SdNotify("READY=1"); err != nil {
		logger.Debugf("daemon: SdNotify READY=1: %v", err)
	}

	d.ticker = time.NewTicker(tickInterval)
	defer d.ticker.Stop()

	for {
		select {
		case sig := <-d.selfPipe.C():
			logger.Noticef("daemon: received %v, shutting down", sig)
			d.selfPipe.Disarm(sig)
			return d.shutdown()
		case <-d.ticker.C:
			d.tick()
		case <-d.done:
			return d.shutdown()
		}
	}
}

// Stop requests a graceful shutdown from outside the signal path; tick
// calls it when a child exit calls for shutdown, and Run's loop then
// runs shutdown.
func (d *Daemon) Stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// tick polls the supervisor for exited children, dispatches each exit,
// and advances every deferred persist (§5's event-loop tick). If any
// exit this tick calls for it, the daemon is stopped once every event
// has been handled.
func (d *Daemon) tick() {
	wantShutdown := false
	for _, ev := range d.sup.Poll() {
		if d.handleExit(ev) {
			wantShutdown = true
		}
	}
	d.mgr.Advance()
	if wantShutdown {
		d.Stop()
	}
}

// handleExit routes one child's exit to the right reaction and reports
// whether it calls for daemon shutdown. A keygen worker's exit feeds
// HandleKeygenExit. The browser's exit, in order (§4.7): if the screen
// is locked, shut down regardless of anything else; if the child
// requested stop, shut down; otherwise restart it, unless the restart
// policy has given up on it (a persistent crash), in which case shut
// down too rather than leave the session without a browser.
func (d *Daemon) handleExit(ev supervisor.ExitEvent) (wantShutdown bool) {
	if uid, ok := keygenUID(ev.JobID); ok {
		d.mgr.HandleKeygenExit(uid, ev.Status)
		return false
	}

	if ev.JobID != session.BrowserJobID {
		logger.Debugf("daemon: exit from unrecognized job %s", ev.JobID)
		return false
	}
	if d.shuttingDown {
		return false
	}
	if d.mgr.ScreenLocked() {
		logger.Noticef("daemon: browser exited with the screen locked, shutting down")
		return true
	}
	if ev.ShouldStop {
		logger.Noticef("daemon: browser job requested stop, shutting down")
		return true
	}
	if !ev.RestartAllowed {
		logger.Noticef("daemon: browser job is crash-looping, shutting down")
		return true
	}
	if _, err := d.sup.Restart(ev.JobID); err != nil {
		logger.Noticef("daemon: cannot restart browser job: %v", err)
	}
	return false
}

// shutdown runs the graceful-shutdown path exactly once: stop the
// session (which tears down every supervised child), drain every
// pending persist synchronously, and stop the dbus adapter.
func (d *Daemon) shutdown() error {
	if d.shuttingDown {
		return nil
	}
	d.shuttingDown = true

	if d.live != nil {
		d.live.Stop()
	}
	d.mgr.StopSession()

	var persistErr error
	if kerr := d.mgr.PersistAllSync(); kerr != nil {
		persistErr = fmt.Errorf("daemon: final persist drain: %s", kerr.Error())
		logger.Noticef("%v", persistErr)
	}

	if err := d.adapter.Stop(); err != nil {
		logger.Noticef("daemon: dbus adapter stop: %v", err)
	}
	d.selfPipe.Close()

	return persistErr
}

// keygenUID parses the "keygen-<uid>" job_id convention RunKeygenJob
// uses, the inverse of fmt.Sprintf("keygen-%d", uid).
func keygenUID(jobID string) (uint32, bool) {
	rest, ok := strings.CutPrefix(jobID, "keygen-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
