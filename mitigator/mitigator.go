// Package mitigator implements C6: the strategy that re-establishes
// device ownership when the device believes the current user is the
// owner but that user's keystore lacks the matching private key.
package mitigator

import "github.com/chromiumos/session-manager/kind"

// JobRunner is the narrow capability C6 reaches C9 through to fork the
// key-generation worker (C7) as the session's uid, rather than importing
// the supervisor package directly.
type JobRunner interface {
	RunKeygenJob(uid uint32) (pid int, err error)
}

// Mitigator tracks whether owner-key-loss mitigation is in progress.
type Mitigator struct {
	runner     JobRunner
	mitigating bool
}

// New constructs a Mitigator that forks key-generation jobs through runner.
func New(runner JobRunner) *Mitigator {
	return &Mitigator{runner: runner}
}

// Mitigate sets the in-progress flag and forks C7 as uid. It returns ok
// if the fork succeeded; the key's actual arrival is asynchronous and
// observed later via ValidateAndStoreOwnerKey or Resolve.
func (m *Mitigator) Mitigate(uid uint32) *kind.Error {
	m.mitigating = true
	if _, err := m.runner.RunKeygenJob(uid); err != nil {
		m.mitigating = false
		return kind.Wrap(kind.Io, err)
	}
	return nil
}

// Mitigating reports whether mitigation is in progress.
func (m *Mitigator) Mitigating() bool { return m.mitigating }

// Resolve clears the in-progress flag, called once the daemon observes
// either a successful ValidateAndStoreOwnerKey or a key-generation
// failure signaled via C9.
func (m *Mitigator) Resolve() { m.mitigating = false }
