// Package supervisor implements C9: a registry of supervised child
// processes, per-child restart policy, and graceful shutdown.
package supervisor

import (
	"fmt"
	"syscall"
	"time"

	"github.com/juju/ratelimit"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/kind"
)

const (
	sigterm = int(syscall.SIGTERM)
	sigkill = int(syscall.SIGKILL)
	sigabrt = int(syscall.SIGABRT)
)

// restartBucketCapacity and restartBucketRefillPerSec bound how fast a
// child may be relaunched before it is treated as a persistent crash
// rather than a transient one (§4.7's restart policy).
const (
	restartBucketCapacity    = 5
	restartBucketRefillPerSec = 0.2
)

// killTimeout is how long graceful shutdown waits for a child's process
// group to exit after SIGTERM before escalating to SIGABRT (§4.7).
const killTimeout = 3 * time.Second

// pollInterval is how often Shutdown rechecks exited children while
// waiting out killTimeout.
const pollInterval = 50 * time.Millisecond

// child is the record described in §4.4: "{ job_id, pid-or-absent,
// never_kill_flag, should_stop_flag, desired_uid }".
type child struct {
	jobID      string
	job        capabilities.Job
	pid        int
	running    bool
	neverKill  bool
	shouldStop bool
	desiredUid uint32
	bucket     *ratelimit.Bucket
}

// ExitEvent reports one child's exit to the caller, which decides
// whether and how to act on it (C9 "reports child exits back to C8").
type ExitEvent struct {
	JobID          string
	Status         capabilities.ExitStatus
	ShouldStop     bool
	RestartAllowed bool
}

// Registry tracks every supervised child and enforces restart policy.
type Registry struct {
	sys         capabilities.System
	killTimeout time.Duration
	children    map[string]*child

	keygenJob func(uid uint32) capabilities.Job
}

// New constructs an empty Registry. keygenJob builds the command line
// for the re-exec'd key-generation worker (C7) for a given uid; it is
// supplied by the entrypoint, which alone knows the binary's own path.
func New(sys capabilities.System, keygenJob func(uid uint32) capabilities.Job) *Registry {
	return &Registry{
		sys:         sys,
		killTimeout: killTimeout,
		children:    map[string]*child{},
		keygenJob:   keygenJob,
	}
}

// RunChild registers and launches job under jobID. neverKill marks a
// child Shutdown must never send a signal to, even while the registry
// itself is tearing everything else down.
func (r *Registry) RunChild(jobID string, job capabilities.Job, desiredUid uint32, neverKill bool) (int, error) {
	if c, ok := r.children[jobID]; ok && c.running {
		return 0, kind.Newf(kind.Busy, "job %s is already running as pid %d", jobID, c.pid)
	}

	pid, err := r.sys.RunChild(job)
	if err != nil {
		return 0, kind.Wrap(kind.Io, err)
	}

	r.children[jobID] = &child{
		jobID:      jobID,
		job:        job,
		pid:        pid,
		running:    true,
		neverKill:  neverKill,
		desiredUid: desiredUid,
		bucket:     ratelimit.NewBucketWithRate(restartBucketRefillPerSec, restartBucketCapacity),
	}
	return pid, nil
}

// RunKeygenJob implements mitigator.JobRunner, forking C7 as uid.
func (r *Registry) RunKeygenJob(uid uint32) (int, error) {
	job := r.keygenJob(uid)
	return r.RunChild(fmt.Sprintf("keygen-%d", uid), job, uid, false)
}

// MarkShouldStop sets a child's should_stop_flag, so its next exit will
// not be followed by a restart (§4.7).
func (r *Registry) MarkShouldStop(jobID string) {
	if c, ok := r.children[jobID]; ok {
		c.shouldStop = true
	}
}

// SetKillTimeoutForTest overrides the graceful-shutdown wait, so tests
// exercising the SIGABRT escalation path don't block for killTimeout's
// production value.
func (r *Registry) SetKillTimeoutForTest(d time.Duration) { r.killTimeout = d }

// Pid reports the running pid for jobID, or 0 if it is not running.
func (r *Registry) Pid(jobID string) int {
	c, ok := r.children[jobID]
	if !ok || !c.running {
		return 0
	}
	return c.pid
}

// JobIDForPid finds the job_id owning pid, used by callers (e.g.
// RestartJob) that only have a pid in hand.
func (r *Registry) JobIDForPid(pid int) (string, bool) {
	for id, c := range r.children {
		if c.running && c.pid == pid {
			return id, true
		}
	}
	return "", false
}

// Poll checks every running child for an exit, sweeps its descendants,
// and reports one ExitEvent per child that exited this tick. The daemon
// event loop calls this once per tick, standing in for the SIGCHLD
// handler the spec describes (§4.7): the registry itself has no signal
// handler of its own, since the self-pipe (SelfPipe) just wakes the
// loop, which then polls.
func (r *Registry) Poll() []ExitEvent {
	var events []ExitEvent
	for _, c := range r.children {
		if !c.running {
			continue
		}
		status, exited, err := r.sys.WaitNonBlocking(c.pid)
		if err != nil || !exited {
			continue
		}

		// Always sweep descendants, regardless of why the child exited.
		_ = r.sys.Kill(c.pid, sigkill)

		c.running = false
		allowed := !c.shouldStop && c.bucket.TakeAvailable(1) == 1
		events = append(events, ExitEvent{
			JobID:          c.jobID,
			Status:         status,
			ShouldStop:     c.shouldStop,
			RestartAllowed: allowed,
		})
	}
	return events
}

// Restart relaunches jobID's original command line, refusing with
// kind.Busy if the job is still running or its restart-storm bucket has
// no tokens left (a child crash-looping faster than the bucket refills
// is a persistent crash, not a transient one).
func (r *Registry) Restart(jobID string) (int, error) {
	c, ok := r.children[jobID]
	if !ok {
		return 0, kind.Newf(kind.UnknownPid, "no such job %s", jobID)
	}
	if c.running {
		return 0, kind.Newf(kind.Busy, "job %s is already running", jobID)
	}
	if c.bucket.TakeAvailable(1) != 1 {
		return 0, kind.Newf(kind.Busy, "job %s is restarting too quickly", jobID)
	}

	pid, err := r.sys.RunChild(c.job)
	if err != nil {
		return 0, kind.Wrap(kind.Io, err)
	}
	c.pid = pid
	c.running = true
	return pid, nil
}

// KillNow sends sig to jobID's process group immediately and marks it
// not running, used by RestartJob (§4.6) to avoid re-parenting: the
// caller kills the old browser synchronously before calling ReplaceJob,
// rather than waiting for the next Poll to notice the exit.
func (r *Registry) KillNow(jobID string, sig int) error {
	c, ok := r.children[jobID]
	if !ok || !c.running {
		return kind.Newf(kind.UnknownPid, "no such running job %s", jobID)
	}
	_ = r.sys.Kill(c.pid, sig)
	c.running = false
	return nil
}

// ReplaceJob relaunches jobID with a new command line, used by
// RestartJob (§4.6) to avoid re-parenting the browser: the old process
// group is killed immediately by the caller and the new one is started
// fresh under the same job_id, bypassing the restart-storm bucket since
// this is an operator-requested restart, not a crash.
func (r *Registry) ReplaceJob(jobID string, job capabilities.Job, desiredUid uint32) (int, error) {
	c, ok := r.children[jobID]
	if ok && c.running {
		return 0, kind.Newf(kind.Busy, "job %s is still running", jobID)
	}
	pid, err := r.sys.RunChild(job)
	if err != nil {
		return 0, kind.Wrap(kind.Io, err)
	}
	r.children[jobID] = &child{
		jobID:      jobID,
		job:        job,
		pid:        pid,
		running:    true,
		desiredUid: desiredUid,
		bucket:     ratelimit.NewBucketWithRate(restartBucketRefillPerSec, restartBucketCapacity),
	}
	return pid, nil
}

// Shutdown gracefully terminates every running child: SIGTERM (or
// SIGKILL if neverStarted is true, meaning no session ever started) to
// each process group, waiting up to killTimeout before escalating to
// SIGABRT (§4.7). Signals are sent with the daemon's own credentials;
// the child's desiredUid is not used when signalling.
func (r *Registry) Shutdown(neverStarted bool) {
	sig := sigterm
	if neverStarted {
		sig = sigkill
	}

	pending := map[string]*child{}
	for id, c := range r.children {
		if !c.running || c.neverKill {
			continue
		}
		_ = r.sys.Kill(c.pid, sig)
		pending[id] = c
	}
	if len(pending) == 0 {
		return
	}

	// Real wall-clock deadline: this loop is literally waiting for an
	// external process to exit, which the injectable clock (static in
	// tests) cannot stand in for.
	deadline := time.Now().Add(r.killTimeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id, c := range pending {
			if _, exited, _ := r.sys.WaitNonBlocking(c.pid); exited {
				_ = r.sys.Kill(c.pid, sigkill)
				c.running = false
				delete(pending, id)
			}
		}
		if len(pending) > 0 {
			time.Sleep(pollInterval)
		}
	}

	for _, c := range pending {
		_ = r.sys.Kill(c.pid, sigabrt)
		c.running = false
	}
}
