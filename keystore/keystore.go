// Package keystore implements C2: ownership of one public-key byte blob
// on disk, with load-once semantics and guarded mutation.
package keystore

import (
	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/cryptocap"
	"github.com/chromiumos/session-manager/kind"
)

// maxKeyFileSize is the safety ceiling §4.1 requires: a key file larger
// than this cannot possibly be a DER-encoded RSA public key and is
// treated as corrupt rather than read into memory.
const maxKeyFileSize = 16 * 1024

// Slot is a per-user keystore slot, opaque to everything except the
// crypto capability it wraps. Production slots are backed by the user's
// NSS database; §1 places the NSS/PAM stack itself out of scope.
type Slot interface {
	// HasPrivateKeyFor reports whether this slot holds the private half
	// matching pubDER.
	HasPrivateKeyFor(pubDER []byte) (bool, error)

	// Sign signs data with this slot's private key, if it has one.
	Sign(data []byte) ([]byte, error)

	// Uid is the uid the slot was opened for, needed by the mitigator to
	// fork the key-generation worker (C7) as the right user.
	Uid() uint32

	Close() error
}

// Store owns the owner public key file described in §3 and §4.1.
type Store struct {
	sys    capabilities.System
	crypto cryptocap.Capability
	path   string

	hasCheckedDisk bool
	hasReplaced    bool
	pub            []byte
}

// New constructs an empty, not-yet-checked Store for the key file at path.
func New(sys capabilities.System, crypto cryptocap.Capability, path string) *Store {
	return &Store{sys: sys, crypto: crypto, path: path}
}

// HasCheckedDisk reports whether LoadFromDiskIfPossible has ever run.
func (s *Store) HasCheckedDisk() bool { return s.hasCheckedDisk }

// Populated reports whether the store currently holds a key.
func (s *Store) Populated() bool { return len(s.pub) > 0 }

// PublicKeyDER returns the current public key bytes, or nil if empty.
func (s *Store) PublicKeyDER() []byte {
	if len(s.pub) == 0 {
		return nil
	}
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// LoadFromDiskIfPossible is idempotent; on first call it sets
// has-checked-disk and populates the store from the on-disk file, if any.
func (s *Store) LoadFromDiskIfPossible() *kind.Error {
	s.hasCheckedDisk = true

	exists, err := s.sys.Exists(s.path)
	if err != nil {
		return kind.Wrap(kind.Io, err)
	}
	if !exists {
		return nil
	}

	size, err := s.sys.Size(s.path)
	if err != nil {
		return kind.Wrap(kind.Io, err)
	}
	if size > maxKeyFileSize {
		return kind.Newf(kind.CorruptKey, "key file %s exceeds %d bytes", s.path, maxKeyFileSize)
	}

	data, err := s.sys.ReadFile(s.path)
	if err != nil {
		return kind.Wrap(kind.Io, err)
	}
	if err := s.crypto.ParsePublicKey(data); err != nil {
		return kind.Wrap(kind.CorruptKey, err)
	}

	s.pub = data
	return nil
}

// PopulateFromBuffer installs bytes as the current key. Requires
// has-checked-disk and an empty store.
func (s *Store) PopulateFromBuffer(data []byte) *kind.Error {
	if !s.hasCheckedDisk {
		return kind.New(kind.NotCheckedDisk, "LoadFromDiskIfPossible has not run")
	}
	if s.Populated() {
		return kind.New(kind.AlreadyLoaded, "key store already populated")
	}
	if err := s.crypto.ParsePublicKey(data); err != nil {
		return kind.Wrap(kind.IllegalPubKey, err)
	}
	s.pub = append([]byte(nil), data...)
	return nil
}

// PopulateFromKeypair exports the public half of kp and installs it.
func (s *Store) PopulateFromKeypair(kp cryptocap.Keypair) *kind.Error {
	return s.PopulateFromBuffer(kp.PublicDER())
}

// Rotate replaces the current key with newBytes, provided signature
// verifies over newBytes under the current key.
func (s *Store) Rotate(newBytes, signature []byte) *kind.Error {
	if !s.Populated() {
		return kind.New(kind.NotLoaded, "key store is not populated")
	}
	if err := s.crypto.VerifySHA1RSA(s.pub, newBytes, signature); err != nil {
		return kind.Wrap(kind.VerifySignature, err)
	}
	if err := s.crypto.ParsePublicKey(newBytes); err != nil {
		return kind.Wrap(kind.IllegalPubKey, err)
	}
	s.pub = append([]byte(nil), newBytes...)
	s.hasReplaced = true
	return nil
}

// ClobberCompromisedKey unconditionally replaces the current key.
// mitigating must be true; it is the caller's job (devicepolicy, guarded
// by mitigator.Mitigating) to supply the true state, and the store
// enforces the precondition itself so the rejection is not merely by
// convention.
func (s *Store) ClobberCompromisedKey(newBytes []byte, mitigating bool) *kind.Error {
	if !mitigating {
		return kind.New(kind.IllegalPubKey, "clobber is only permitted while owner-key mitigation is in progress")
	}
	if !s.hasCheckedDisk {
		return kind.New(kind.NotCheckedDisk, "LoadFromDiskIfPossible has not run")
	}
	if !s.Populated() {
		return kind.New(kind.NotLoaded, "key store is not populated")
	}
	if err := s.crypto.ParsePublicKey(newBytes); err != nil {
		return kind.Wrap(kind.IllegalPubKey, err)
	}
	s.pub = append([]byte(nil), newBytes...)
	s.hasReplaced = true
	return nil
}

// Persist writes the current key to disk atomically. It refuses to
// overwrite an existing on-disk file unless the key has been explicitly
// replaced (Rotate or ClobberCompromisedKey) since the last load.
func (s *Store) Persist() *kind.Error {
	if !s.hasCheckedDisk {
		return kind.New(kind.NotCheckedDisk, "LoadFromDiskIfPossible has not run")
	}

	exists, err := s.sys.Exists(s.path)
	if err != nil {
		return kind.Wrap(kind.Io, err)
	}
	if exists && !s.hasReplaced {
		return kind.New(kind.IllegalPubKey, "refusing to overwrite existing key file without an explicit replace")
	}

	if !s.Populated() {
		if err := s.sys.Remove(s.path); err != nil {
			return kind.Wrap(kind.Io, err)
		}
		return nil
	}

	if err := s.sys.AtomicWriteFile(s.path, s.pub, 0644); err != nil {
		return kind.Wrap(kind.Io, err)
	}
	return nil
}

// VerifyWithCandidate checks signature over data under candidatePubDER,
// a public key not yet installed in the store. Used only to bootstrap an
// empty store from a self-describing envelope (§4.3's KeyInstallNew
// path), where there is no current key yet to verify against.
func (s *Store) VerifyWithCandidate(candidatePubDER, data, signature []byte) *kind.Error {
	if err := s.crypto.VerifySHA1RSA(candidatePubDER, data, signature); err != nil {
		return kind.Wrap(kind.VerifySignature, err)
	}
	return nil
}

// Verify checks signature as a SHA1-RSA signature over data under the
// current key.
func (s *Store) Verify(data, signature []byte) *kind.Error {
	if !s.Populated() {
		return kind.New(kind.NoOwnerKey, "key store is empty")
	}
	if err := s.crypto.VerifySHA1RSA(s.pub, data, signature); err != nil {
		return kind.Wrap(kind.VerifySignature, err)
	}
	return nil
}

// Sign signs data using the private key held in slot, after confirming
// that slot's private key matches the current public key (per §9
// "ownership of key material": per-user signing keys are borrowed for a
// single call, never retained).
func (s *Store) Sign(data []byte, slot Slot) ([]byte, *kind.Error) {
	if !s.Populated() {
		return nil, kind.New(kind.NoOwnerKey, "key store is empty")
	}
	has, err := slot.HasPrivateKeyFor(s.pub)
	if err != nil {
		return nil, kind.Wrap(kind.Io, err)
	}
	if !has {
		return nil, kind.New(kind.NoOwnerKey, "keystore slot does not hold the matching private key")
	}
	sig, err := slot.Sign(data)
	if err != nil {
		return nil, kind.Wrap(kind.Io, err)
	}
	return sig, nil
}
