package keygen

import (
	"os"
	"syscall"

	"github.com/chromiumos/session-manager/cryptocap"
)

// LinuxDirStat implements DirStat against the real filesystem.
type LinuxDirStat struct{}

func (LinuxDirStat) StatDir(path string) (DirOwnership, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return DirOwnership{}, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return DirOwnership{}, nil
	}
	return DirOwnership{
		Uid:              st.Uid,
		GroupOrOtherPerm: fi.Mode().Perm()&0077 != 0,
	}, nil
}

// FileSlotStore is a placeholder SlotStore: real private-key persistence
// lives in the user's NSS database, which §1 places out of this module's
// scope (along with the rest of the PAM/NSS stack). This implementation
// only proves the open-or-create/store sequencing; it does not attempt
// to reproduce NSS slot semantics.
type FileSlotStore struct {
	path string
}

func (s *FileSlotStore) OpenOrCreateSlot(dir string) error {
	s.path = dir + "/key.db"
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *FileSlotStore) StoreKeypair(kp cryptocap.Keypair) error {
	return os.WriteFile(s.path, kp.PublicDER(), 0600)
}
