// Package keygen implements C7: the one-shot forked-child routine that
// creates an RSA keypair in a user's keystore slot and writes the public
// half atomically to a per-uid handoff file (OutputPathForUID), which the
// session manager reads back before installing it as the owner key.
package keygen

import (
	"fmt"

	"github.com/chromiumos/session-manager/cryptocap"
)

// OutputPathForUID is the well-known temporary path the worker writes
// its generated public key to for uid, shared between the entrypoint
// (building the re-exec'd job's argv) and the session manager (reading
// the result back after C9 reports the job's exit).
func OutputPathForUID(uid uint32) string {
	return fmt.Sprintf("/var/run/session_manager/key.%d.pub", uid)
}

// DirOwnership reports a directory's owning uid and whether it grants any
// group/other access, the two facts §9/original_source's keygen_worker.cc
// check before trusting a keystore directory.
type DirOwnership struct {
	Uid           uint32
	GroupOrOtherPerm bool
}

// DirStat is the narrow filesystem capability the worker needs to
// validate a keystore directory's ownership, kept separate from
// capabilities.System because it runs in a freshly exec'd child process
// with no event loop to share a System instance with.
type DirStat interface {
	StatDir(path string) (DirOwnership, error)
}

// SlotStore opens or creates the caller's keystore slot and exposes a
// way to persist a freshly generated keypair into it.
type SlotStore interface {
	OpenOrCreateSlot(dir string) error
	StoreKeypair(kp cryptocap.Keypair) error
}

// AtomicWriter writes the exported public key to its well-known path.
type AtomicWriter interface {
	AtomicWriteFile(path string, data []byte, mode uint32) error
}

// Worker is the body run by the re-exec'd child process.
type Worker struct {
	crypto cryptocap.Capability
	stat   DirStat
	slots  SlotStore
	writer AtomicWriter
}

// New constructs a Worker from its capabilities.
func New(crypto cryptocap.Capability, stat DirStat, slots SlotStore, writer AtomicWriter) *Worker {
	return &Worker{crypto: crypto, stat: stat, slots: slots, writer: writer}
}

// Run performs the full key-generation job: verify keystoreDir is owned
// by uid with no group/other access, open-or-create the slot, generate a
// keypair, store the private half in the slot, and write the public half
// to outputPath. A non-nil return means the caller should exit non-zero.
func (w *Worker) Run(uid uint32, keystoreDir, outputPath string) error {
	owner, err := w.stat.StatDir(keystoreDir)
	if err != nil {
		return fmt.Errorf("cannot stat keystore dir %s: %w", keystoreDir, err)
	}
	if owner.Uid != uid {
		return fmt.Errorf("keystore dir %s is not owned by uid %d", keystoreDir, uid)
	}
	if owner.GroupOrOtherPerm {
		return fmt.Errorf("keystore dir %s grants group or other access", keystoreDir)
	}

	if err := w.slots.OpenOrCreateSlot(keystoreDir); err != nil {
		return fmt.Errorf("cannot open keystore slot: %w", err)
	}

	kp, err := w.crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("cannot generate keypair: %w", err)
	}

	if err := w.slots.StoreKeypair(kp); err != nil {
		return fmt.Errorf("cannot store keypair in slot: %w", err)
	}

	if err := w.writer.AtomicWriteFile(outputPath, kp.PublicDER(), 0644); err != nil {
		return fmt.Errorf("cannot write public key to %s: %w", outputPath, err)
	}

	return nil
}
