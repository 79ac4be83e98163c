package supervisor

import (
	"os"
	"os/signal"
)

// SelfPipe turns SIGHUP/SIGINT/SIGTERM into values on a channel the main
// event loop can select on (§4.7), the same role `cmd/snapd/main.go`'s
// bare `signal.Notify(ch, ...)` channel plays for the teacher, extended
// here with the spec's "reinstall SIG_DFL" requirement: once a signal is
// delivered once, Reset lets a second identical signal terminate the
// process immediately rather than queueing behind the main loop.
type SelfPipe struct {
	ch chan os.Signal
}

// NewSelfPipe starts listening for sig on a buffered channel.
func NewSelfPipe(sig ...os.Signal) *SelfPipe {
	ch := make(chan os.Signal, len(sig))
	signal.Notify(ch, sig...)
	return &SelfPipe{ch: ch}
}

// C returns the channel the main loop selects on.
func (p *SelfPipe) C() <-chan os.Signal { return p.ch }

// Disarm reinstalls the default disposition for sig, so a repeat of the
// same signal terminates the process instead of being queued again.
func (p *SelfPipe) Disarm(sig os.Signal) { signal.Reset(sig) }

// Close stops signal delivery to this pipe entirely.
func (p *SelfPipe) Close() { signal.Stop(p.ch) }
