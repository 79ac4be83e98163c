package session

import (
	"bytes"
	"fmt"
	"os"

	"github.com/chromiumos/session-manager/keystore"
)

// LinuxSlotOpener is the production SlotOpener. The real keystore slot is
// the user's NSS/cryptohome PKCS#11 session, which §1 places out of this
// module's scope; this stands in for it the same way keygen.FileSlotStore
// stands in for C7's half of the same boundary, sharing its file-based
// "key.db" convention so HasPrivateKeyFor can answer from the same bytes
// C7 wrote. Signing against that slot is left unimplemented for the same
// reason FileSlotStore never retains a private key: the daemon process
// never holds one.
type LinuxSlotOpener struct {
	// HomeDir returns the per-uid directory the key.db file lives under.
	HomeDir func(uid uint32) string
}

func (o *LinuxSlotOpener) OpenSlot(normalizedUsername string, uid uint32, incognito bool) (keystore.Slot, error) {
	if incognito {
		return &linuxSlot{uid: uid}, nil
	}
	dir := o.HomeDir(uid)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create keystore dir %s: %w", dir, err)
	}
	pub, err := os.ReadFile(dir + "/key.db")
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read %s/key.db: %w", dir, err)
	}
	return &linuxSlot{uid: uid, pub: pub}, nil
}

type linuxSlot struct {
	uid uint32
	pub []byte
}

func (s *linuxSlot) Uid() uint32 { return s.uid }

func (s *linuxSlot) HasPrivateKeyFor(pubDER []byte) (bool, error) {
	return len(s.pub) > 0 && bytes.Equal(s.pub, pubDER), nil
}

func (s *linuxSlot) Sign(data []byte) ([]byte, error) {
	return nil, fmt.Errorf("slot signing for uid %d is reached through the NSS/PKCS#11 stack, out of scope here", s.uid)
}

func (s *linuxSlot) Close() error { return nil }
