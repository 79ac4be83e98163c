// Package policystore implements C3: ownership of one opaque policy
// record on disk, loaded and persisted atomically.
package policystore

import (
	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/kind"
)

// Store owns a single serialized policy envelope at path.
type Store struct {
	sys  capabilities.System
	path string

	// legacyPath, if non-empty, names a prior-schema file location
	// checked for at LoadOrCreate time (§4.2: "used for metrics only").
	legacyPath string

	record []byte
}

// New constructs a Store for the policy file at path. legacyPath may be
// empty if there is no prior schema to check for.
func New(sys capabilities.System, path, legacyPath string) *Store {
	return &Store{sys: sys, path: path, legacyPath: legacyPath}
}

// LoadOrCreate reads the on-disk record, or starts with an empty one if
// no file exists. legacyPresent reports whether a legacy-named file was
// also found, for metrics only.
func (s *Store) LoadOrCreate() (legacyPresent bool, kerr *kind.Error) {
	exists, err := s.sys.Exists(s.path)
	if err != nil {
		return false, kind.Wrap(kind.Io, err)
	}
	if exists {
		data, err := s.sys.ReadFile(s.path)
		if err != nil {
			return false, kind.Wrap(kind.Io, err)
		}
		s.record = data
	} else {
		s.record = nil
	}

	if s.legacyPath != "" {
		legacyPresent, err = s.sys.Exists(s.legacyPath)
		if err != nil {
			return false, kind.Wrap(kind.Io, err)
		}
	}
	return legacyPresent, nil
}

// Get returns the current in-memory record, possibly empty.
func (s *Store) Get() []byte {
	if len(s.record) == 0 {
		return nil
	}
	out := make([]byte, len(s.record))
	copy(out, s.record)
	return out
}

// Set replaces the in-memory record. Persist must be called separately to
// commit it to disk (the async two-step Store/Persist split §5 requires).
func (s *Store) Set(record []byte) {
	s.record = append([]byte(nil), record...)
}

// Persist flushes the current in-memory record to disk atomically.
func (s *Store) Persist() *kind.Error {
	if len(s.record) == 0 {
		if err := s.sys.Remove(s.path); err != nil {
			return kind.Wrap(kind.Io, err)
		}
		return nil
	}
	if err := s.sys.AtomicWriteFile(s.path, s.record, 0644); err != nil {
		return kind.Wrap(kind.Io, err)
	}
	return nil
}
