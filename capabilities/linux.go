package capabilities

import (
	"crypto/rand"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chromiumos/session-manager/osutil"
)

// linuxSystem is the production System, backed directly by the kernel.
type linuxSystem struct {
	emit func(name string, payload any) error
}

// NewLinux returns a production System. emit is supplied by the rpc
// adapter at wiring time (§1: signal emission is reached only through a
// narrow capability, never called directly by the core).
func NewLinux(emit func(name string, payload any) error) System {
	return &linuxSystem{emit: emit}
}

func (s *linuxSystem) RunChild(job Job) (int, error) {
	cmd := exec.Command(job.Path, job.Args...)
	cmd.Env = job.Env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if job.As != nil {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: job.As.Uid,
			Gid: job.As.Gid,
		}
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func (s *linuxSystem) Kill(pid int, sig int) error {
	return unix.Kill(-pid, syscall.Signal(sig))
}

func (s *linuxSystem) WaitNonBlocking(pid int) (ExitStatus, bool, error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return ExitStatus{}, false, err
	}
	if got == 0 {
		return ExitStatus{}, false, nil
	}
	st := ExitStatus{Pid: got}
	switch {
	case ws.Exited():
		st.Exited = true
		st.Code = ws.ExitStatus()
	case ws.Signaled():
		st.Signaled = true
		st.Signal = int(ws.Signal())
	}
	return st, true, nil
}

func (s *linuxSystem) AtomicWriteFile(path string, data []byte, mode uint32) error {
	return osutil.AtomicWriteFile(path, data, os.FileMode(mode), 0)
}

func (s *linuxSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *linuxSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *linuxSystem) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *linuxSystem) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *linuxSystem) Now() time.Time {
	return time.Now()
}

func (s *linuxSystem) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *linuxSystem) EmitSignal(name string, payload any) error {
	if s.emit == nil {
		return nil
	}
	return s.emit(name, payload)
}

func (s *linuxSystem) RequestPowerManagerRestart() error {
	// The power manager is reached over its own bus connection by the
	// rpc adapter; the core only needs to know the call happened.
	return s.emit("RequestRestart", nil)
}
