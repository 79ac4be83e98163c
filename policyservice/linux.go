package policyservice

import "github.com/chromiumos/session-manager/capabilities"

// SystemSink is the production CompletionSink, broadcasting completions
// over the same signal-emission path every other component uses.
type SystemSink struct {
	Sys capabilities.System
}

func (s SystemSink) Signal(name string, ok bool) error {
	return s.Sys.EmitSignal(name, ok)
}
