// Package capabilities defines the thin, mockable surface every other
// component reaches the outside world through: process control, atomic
// file I/O, the wall clock, randomness, and signal emission to the init
// system's bus. Production code talks to the kernel via golang.org/x/sys;
// tests talk to an in-memory fake.
package capabilities

import (
	"os/exec"
	"time"
)

// Credential identifies the uid/gid a forked child should run as.
type Credential struct {
	Uid uint32
	Gid uint32
}

// Job describes one child process to fork and exec.
type Job struct {
	Path string
	Args []string
	Env  []string
	// As, if non-nil, drops privileges to this credential in the child
	// before exec.
	As *Credential
}

// ExitStatus reports how a child terminated, mirroring the fields a
// caller needs to decide restart-vs-abort policy (C9).
type ExitStatus struct {
	Pid      int
	Exited   bool
	Code     int
	Signaled bool
	Signal   int
}

// System is the capability surface every component is constructed with.
// Implementations must be safe to call from the single event-loop
// goroutine only; none of these methods are expected to be called
// concurrently with each other.
type System interface {
	// RunChild forks and execs job, returning immediately with the
	// child's pid. The child's stdio is inherited from the daemon.
	RunChild(job Job) (pid int, err error)

	// Kill sends sig to the process group led by pid (kill(-pid, sig)).
	Kill(pid int, sig int) error

	// WaitNonBlocking polls for a terminated child without blocking,
	// mirroring wait4(pid, WNOHANG). ok is false if the child has not
	// yet exited.
	WaitNonBlocking(pid int) (status ExitStatus, ok bool, err error)

	// AtomicWriteFile writes data to path by writing to a temp file in
	// the same directory, fsyncing, and renaming over the destination.
	AtomicWriteFile(path string, data []byte, mode uint32) error

	// ReadFile reads the full contents of path.
	ReadFile(path string) ([]byte, error)

	// Exists reports whether path exists on disk.
	Exists(path string) (bool, error)

	// Size returns the size in bytes of path, or an error if it does
	// not exist.
	Size(path string) (int64, error)

	// Remove deletes path; it is not an error if path does not exist.
	Remove(path string) error

	// Now returns the current wall-clock time.
	Now() time.Time

	// RandomBytes returns n cryptographically random bytes.
	RandomBytes(n int) ([]byte, error)

	// EmitSignal broadcasts a named signal with the given payload over
	// the init system's bus. Implemented by the rpc adapter in
	// production; see §1's "deliberately out of scope: the broker."
	EmitSignal(name string, payload any) error

	// RequestPowerManagerRestart asks the platform power manager to
	// restart the device, used by StartDeviceWipe.
	RequestPowerManagerRestart() error
}

// CommandContext is the narrow slice of os/exec.Cmd construction the
// production System needs, factored out so it is independently mockable
// in unit tests that don't want a full fake System.
type CommandContext func(path string, args ...string) *exec.Cmd
