package capabilities

import (
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory System for tests: no forking, no real clock, a
// deterministic byte source, and a recorded log of every signal emitted
// and every job run.
type Fake struct {
	mu sync.Mutex

	files map[string][]byte
	now   time.Time
	nextPid int

	// RunFunc, if set, is invoked by RunChild instead of just allocating
	// a pid; tests use it to simulate a child exiting immediately.
	RunFunc func(job Job) (pid int, err error)

	// Randomness is read round-robin from this buffer instead of a real
	// RNG, so tests can assert on the exact bytes a key or cookie ends
	// up with. When it is empty, bytes come from a running counter, so
	// successive calls still return different bytes.
	Randomness []byte
	randOffset int

	runningPids map[int]bool
	exitStatus  map[int]ExitStatus

	Signals []FakeSignal
	Kills   []FakeKill

	PowerManagerRestartRequested bool
}

// FakeSignal records one EmitSignal call.
type FakeSignal struct {
	Name    string
	Payload any
}

// FakeKill records one Kill call.
type FakeKill struct {
	Pid int
	Sig int
}

// NewFake returns a ready-to-use Fake seeded at the given time.
func NewFake(now time.Time) *Fake {
	return &Fake{
		files:       map[string][]byte{},
		now:         now,
		nextPid:     1000,
		runningPids: map[int]bool{},
		exitStatus:  map[int]ExitStatus{},
	}
}

func (f *Fake) RunChild(job Job) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RunFunc != nil {
		return f.RunFunc(job)
	}
	f.nextPid++
	f.runningPids[f.nextPid] = true
	return f.nextPid, nil
}

// SetExited marks pid as having exited with the given status, to be
// observed by the next WaitNonBlocking call.
func (f *Fake) SetExited(pid int, status ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runningPids, pid)
	status.Pid = pid
	f.exitStatus[pid] = status
}

func (f *Fake) Kill(pid int, sig int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Kills = append(f.Kills, FakeKill{Pid: pid, Sig: sig})
	return nil
}

func (f *Fake) WaitNonBlocking(pid int) (ExitStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.exitStatus[pid]
	if ok {
		delete(f.exitStatus, pid)
	}
	return st, ok, nil
}

func (f *Fake) AtomicWriteFile(path string, data []byte, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.files[path] = cp
	return nil
}

func (f *Fake) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (f *Fake) Exists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}

func (f *Fake) Size(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return 0, fmt.Errorf("no such file: %s", path)
	}
	return int64(len(data)), nil
}

func (f *Fake) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward, for liveness/restart-throttle
// tests that need deterministic ticks.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) RandomBytes(n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		if len(f.Randomness) == 0 {
			out[i] = byte(f.randOffset)
			f.randOffset++
			continue
		}
		out[i] = f.Randomness[f.randOffset%len(f.Randomness)]
		f.randOffset++
	}
	return out, nil
}

func (f *Fake) EmitSignal(name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Signals = append(f.Signals, FakeSignal{Name: name, Payload: payload})
	return nil
}

func (f *Fake) RequestPowerManagerRestart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PowerManagerRestartRequested = true
	return nil
}

// WriteFileForTest seeds a file as if it had been atomically written,
// without going through AtomicWriteFile (e.g. to simulate pre-existing
// on-disk state before a LoadFromDiskIfPossible call).
func (f *Fake) WriteFileForTest(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}
