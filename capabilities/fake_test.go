package capabilities_test

import (
	"testing"
	"time"

	"github.com/chromiumos/session-manager/capabilities"
)

func TestFakeAtomicWriteThenExists(t *testing.T) {
	f := capabilities.NewFake(time.Unix(0, 0))

	ok, err := f.Exists("/var/lib/whitelist/pub")
	if err != nil || ok {
		t.Fatalf("Exists before write = (%v, %v), want (false, nil)", ok, err)
	}

	if err := f.AtomicWriteFile("/var/lib/whitelist/pub", []byte("der-bytes"), 0600); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	ok, err = f.Exists("/var/lib/whitelist/pub")
	if err != nil || !ok {
		t.Fatalf("Exists after write = (%v, %v), want (true, nil)", ok, err)
	}

	data, err := f.ReadFile("/var/lib/whitelist/pub")
	if err != nil || string(data) != "der-bytes" {
		t.Fatalf("ReadFile = (%q, %v), want (\"der-bytes\", nil)", data, err)
	}
}

func TestFakeRunChildAndWait(t *testing.T) {
	f := capabilities.NewFake(time.Unix(0, 0))

	pid, err := f.RunChild(capabilities.Job{Path: "/sbin/browser"})
	if err != nil {
		t.Fatalf("RunChild: %v", err)
	}

	if _, ok, _ := f.WaitNonBlocking(pid); ok {
		t.Fatalf("WaitNonBlocking before exit: ok = true, want false")
	}

	f.SetExited(pid, capabilities.ExitStatus{Exited: true, Code: 0})
	st, ok, err := f.WaitNonBlocking(pid)
	if err != nil || !ok || !st.Exited || st.Code != 0 {
		t.Fatalf("WaitNonBlocking after exit = (%+v, %v, %v)", st, ok, err)
	}
}

func TestFakeRandomBytesDeterministic(t *testing.T) {
	f := capabilities.NewFake(time.Unix(0, 0))
	f.Randomness = []byte{1, 2, 3}

	got, err := f.RandomBytes(5)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	want := []byte{1, 2, 3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RandomBytes() = %v, want %v", got, want)
		}
	}
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	f := capabilities.NewFake(start)

	f.Advance(60 * time.Second)
	if got, want := f.Now(), start.Add(60*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestFakeEmitSignalRecorded(t *testing.T) {
	f := capabilities.NewFake(time.Unix(0, 0))

	if err := f.EmitSignal("SessionStateChanged", "started"); err != nil {
		t.Fatalf("EmitSignal: %v", err)
	}

	if len(f.Signals) != 1 || f.Signals[0].Name != "SessionStateChanged" {
		t.Fatalf("Signals = %+v, want one SessionStateChanged entry", f.Signals)
	}
}
