// Package policyservice implements C4: binds a key store and a policy
// store, validates inbound policy envelopes, persists them, and completes
// an asynchronous acknowledgement on the next event-loop tick.
package policyservice

import (
	"github.com/chromiumos/session-manager/keystore"
	"github.com/chromiumos/session-manager/kind"
	"github.com/chromiumos/session-manager/policystore"
)

// Flags selects which key-management operations Store is allowed to
// perform alongside validating policy-data, per §4.3.
type Flags uint8

const (
	KeyInstallNew Flags = 1 << iota
	KeyRotate
	KeyClobber
)

// Envelope is the decoded shape of a policy blob: opaque policy-data
// bytes, a detached signature over them, and an optional new public key
// plus a signature of that new key by the prior key (§3).
type Envelope struct {
	PolicyData             []byte
	PolicyDataSignature     []byte
	NewPublicKey            []byte
	NewPublicKeySignature   []byte
}

// Codec parses and serializes the wire format of a policy blob. Its wire
// schema is an external collaborator per spec §1 ("deliberately out of
// scope: the serialized schema of policy blobs... parsed by a supplied
// codec"); policyservice only depends on this narrow interface.
type Codec interface {
	Decode(raw []byte) (Envelope, error)
	Encode(env Envelope) ([]byte, error)
}

// CompletionSink is the narrow capability a policy service uses to
// broadcast its asynchronous persist acknowledgement, replacing a
// back-pointer to the session manager per §9's cyclic-ownership note.
type CompletionSink interface {
	Signal(name string, ok bool) error
}

// persistTask holds the one deferred write a binding may have in flight,
// per §9's "explicit state machine instead of callback chains" note.
type persistTask struct {
	raw []byte
}

// Service is one C4 binding: a key store, a policy store, and a
// completion sink, with at most one write in flight.
type Service struct {
	keys  *keystore.Store
	store *policystore.Store
	codec Codec
	sink  CompletionSink

	// signalName is the broadcast signal this binding's completions are
	// reported under (e.g. "PropertyChangeComplete"); it is fixed per
	// binding since device, per-user, and device-local-account policy
	// each report under their own name.
	signalName string

	pending *persistTask
}

// New constructs a Service bound to keys and store, reporting async
// completions via sink under signalName.
func New(keys *keystore.Store, store *policystore.Store, codec Codec, sink CompletionSink, signalName string) *Service {
	return &Service{keys: keys, store: store, codec: codec, sink: sink, signalName: signalName}
}

// Busy reports whether a Persist is currently deferred.
func (s *Service) Busy() bool { return s.pending != nil }

// Store validates blob against flags and, on success, updates the
// in-memory policy record synchronously and defers the disk write and
// completion signal to the next Advance call. mitigating must reflect
// whether owner-key-loss mitigation is in progress (passed by the
// caller, since only devicepolicy instances can ever set KeyClobber).
func (s *Service) Store(blob []byte, flags Flags, mitigating bool) *kind.Error {
	if s.Busy() {
		return kind.New(kind.Busy, "a policy persist is already in flight for this binding")
	}

	env, err := s.codec.Decode(blob)
	if err != nil {
		return kind.Wrap(kind.Decode, err)
	}

	if len(env.NewPublicKey) > 0 {
		if kerr := s.handleNewKey(env, flags, mitigating); kerr != nil {
			return kerr
		}
	}

	if kerr := s.keys.Verify(env.PolicyData, env.PolicyDataSignature); kerr != nil {
		return kerr
	}

	s.store.Set(blob)
	s.pending = &persistTask{raw: blob}
	return nil
}

func (s *Service) handleNewKey(env Envelope, flags Flags, mitigating bool) *kind.Error {
	switch {
	case flags&KeyClobber != 0 && s.keys.Populated():
		return s.keys.ClobberCompromisedKey(env.NewPublicKey, mitigating)
	case !s.keys.Populated() && flags&KeyInstallNew != 0:
		if kerr := s.keys.VerifyWithCandidate(env.NewPublicKey, env.PolicyData, env.PolicyDataSignature); kerr != nil {
			return kerr
		}
		return s.keys.PopulateFromBuffer(env.NewPublicKey)
	case s.keys.Populated() && flags&KeyRotate != 0:
		return s.keys.Rotate(env.NewPublicKey, env.NewPublicKeySignature)
	default:
		return kind.New(kind.VerifySignature, "new public key present but no matching flag permits installing it")
	}
}

// Advance flushes a pending write, if any, and reports the outcome via
// the completion sink. It is a no-op when nothing is pending. The daemon
// event loop calls this once per tick.
func (s *Service) Advance() {
	if s.pending == nil {
		return
	}
	kerr := s.store.Persist()
	_ = s.sink.Signal(s.signalName, kerr == nil)
	s.pending = nil
}

// PersistPolicySync flushes any deferred write immediately, used on
// daemon shutdown per §5 ("all deferred Persist tasks are drained
// synchronously before the loop exits").
func (s *Service) PersistPolicySync() *kind.Error {
	if s.pending == nil {
		return nil
	}
	kerr := s.store.Persist()
	_ = s.sink.Signal(s.signalName, kerr == nil)
	s.pending = nil
	return kerr
}

// Retrieve returns the currently stored envelope verbatim.
func (s *Service) Retrieve() []byte {
	return s.store.Get()
}

// ResetToEmpty wipes the policy record to empty immediately, used by
// devicepolicy.ValidateAndStoreOwnerKey when re-establishing ownership on
// an unmanaged device (§4.4), ahead of the real envelope StoreOwnerProperties
// writes in the same call. It is synchronous rather than deferred like
// Store/Advance because it is an internal bookkeeping step, not an
// externally observable write in its own right.
func (s *Service) ResetToEmpty() *kind.Error {
	s.store.Set(nil)
	return s.store.Persist()
}
