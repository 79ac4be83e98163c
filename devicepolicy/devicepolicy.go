// Package devicepolicy implements C5: the device-owner specialization of
// a policyservice.Service, reasoning about device ownership, maintaining
// the serial-recovery marker, and exposing decoded startup settings.
package devicepolicy

import (
	"strings"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/keystore"
	"github.com/chromiumos/session-manager/kind"
	"github.com/chromiumos/session-manager/mitigator"
	"github.com/chromiumos/session-manager/policyservice"
)

// Settings is the decoded subset of policy-data this core acts on,
// exactly the fields §1's Non-goals name: device-owner username, user
// whitelist, allow-new-users flag, startup flags, and the
// valid-serial-number marker. Everything else in the policy blob is
// opaque to this package.
type Settings struct {
	Username                 string
	Whitelist                []string
	AllowNewUsers            bool
	StartupFlags             []string
	EnrollmentToken          string
	ValidSerialNumberMissing bool
}

// SettingsCodec decodes/encodes the policy-data field's inner schema.
// Like policyservice.Codec, this is a supplied capability: the policy
// blob schema itself is out of scope per §1.
type SettingsCodec interface {
	Decode(policyData []byte) (Settings, error)
	Encode(s Settings) ([]byte, error)
}

// FileState is the tri-state §4.4's Initialize reports for the key and
// policy files.
type FileState string

const (
	FileGood       FileState = "good"
	FileMalformed  FileState = "malformed"
	FileNotPresent FileState = "not_present"
)

// Service specializes a policyservice.Service with device-ownership
// reasoning.
type Service struct {
	policy    *policyservice.Service
	keys      *keystore.Store
	sys       capabilities.System
	codec     SettingsCodec
	mitigator *mitigator.Mitigator

	markerPath string

	settings      Settings
	settingsValid bool
}

// New constructs a device-policy Service.
func New(policy *policyservice.Service, keys *keystore.Store, sys capabilities.System, codec SettingsCodec, mit *mitigator.Mitigator, serialMarkerPath string) *Service {
	return &Service{policy: policy, keys: keys, sys: sys, codec: codec, mitigator: mit, markerPath: serialMarkerPath}
}

// Retrieve returns the current envelope verbatim (delegated to C4).
func (s *Service) Retrieve() []byte { return s.policy.Retrieve() }

// Advance delegates the deferred persist tick to C4.
func (s *Service) Advance() { s.policy.Advance() }

// PersistPolicySync delegates the synchronous shutdown drain to C4.
func (s *Service) PersistPolicySync() *kind.Error { return s.policy.PersistPolicySync() }

// KeyPopulated reports whether the owner key store currently holds a
// key, the session manager's trigger for forking C7 on a fresh device
// (§4.6 step 7).
func (s *Service) KeyPopulated() bool { return s.keys.Populated() }

// Mitigating reports whether owner-key-loss mitigation is currently in
// flight, passed through from C6.
func (s *Service) Mitigating() bool { return s.mitigator.Mitigating() }

// Mitigate forks C7 as uid to establish ownership, passed through to C6.
// The session manager uses this both for the "policy claims this user is
// the owner but their key is missing" case (handled internally by
// CheckAndHandleOwnerLogin) and for the "fresh unmanaged device, first
// real user" case (§4.6 step 7): both end up in the same fork-and-wait
// mechanism.
func (s *Service) Mitigate(uid uint32) *kind.Error { return s.mitigator.Mitigate(uid) }

// MitigationFailed clears the in-progress flag after C9 reports that the
// key-generation worker exited unsuccessfully, the other terminal state
// (besides a successful ValidateAndStoreOwnerKey) §4.5 names for
// Mitigating.
func (s *Service) MitigationFailed() { s.mitigator.Resolve() }

// Store validates and schedules blob through the underlying C4 binding,
// invalidating the decoded settings view on success so the next read
// recomputes it from the newly stored envelope (§3's "invalidated on
// every successful Store").
func (s *Service) Store(blob []byte, flags policyservice.Flags, mitigating bool) *kind.Error {
	kerr := s.policy.Store(blob, flags, mitigating)
	if kerr == nil {
		s.invalidate()
	}
	return kerr
}

// Initialize loads the key from disk, returns the file state of the key
// and policy files, invalidates the decoded settings view, and refreshes
// the serial-recovery marker. It does not load or create the policy
// store; the caller does that.
func (s *Service) Initialize(keyPath, policyPath string) (keyState, policyState FileState, kerr *kind.Error) {
	keyState = s.fileState(keyPath)
	if kerr := s.keys.LoadFromDiskIfPossible(); kerr != nil {
		if keyState != FileNotPresent {
			keyState = FileMalformed
		}
		return keyState, policyState, kerr
	}

	policyState = s.fileState(policyPath)
	// LoadOrCreate is performed by the caller wiring policystore into
	// policyservice; here we only need the decoded view invalidated.
	s.settingsValid = false

	if err := s.UpdateSerialRecoveryMarker(); err != nil {
		return keyState, policyState, err
	}
	return keyState, policyState, nil
}

func (s *Service) fileState(path string) FileState {
	exists, err := s.sys.Exists(path)
	if err != nil || !exists {
		return FileNotPresent
	}
	return FileGood
}

// settingsView returns the decoded settings, recomputing them from the
// current envelope's policy-data the first time they're needed since the
// last successful Store (§3's "invalidated on every successful Store;
// recomputed lazily on read").
func (s *Service) settingsView() (Settings, *kind.Error) {
	if s.settingsValid {
		return s.settings, nil
	}
	env := s.policy.Retrieve()
	if len(env) == 0 {
		s.settings = Settings{}
		s.settingsValid = true
		return s.settings, nil
	}
	policyData, kerr := extractPolicyData(env)
	if kerr != nil {
		return Settings{}, kerr
	}
	if len(policyData) == 0 {
		s.settings = Settings{}
		s.settingsValid = true
		return s.settings, nil
	}
	decoded, err := s.codec.Decode(policyData)
	if err != nil {
		return Settings{}, kind.Wrap(kind.Decode, err)
	}
	s.settings = decoded
	s.settingsValid = true
	return s.settings, nil
}

// invalidate marks the decoded settings stale; callers invoke it after
// any successful Store.
func (s *Service) invalidate() { s.settingsValid = false }

// CheckAndHandleOwnerLogin implements §4.4.
func (s *Service) CheckAndHandleOwnerLogin(user string, slot keystore.Slot) (isOwner bool, kerr *kind.Error) {
	hasKey, err := slot.HasPrivateKeyFor(s.keys.PublicKeyDER())
	if err != nil {
		return false, kind.Wrap(kind.Io, err)
	}
	if hasKey {
		if kerr := s.StoreOwnerProperties(user, slot); kerr != nil {
			return false, kerr
		}
	}

	settings, kerr := s.settingsView()
	if kerr != nil {
		return false, kerr
	}
	isOwner = settings.EnrollmentToken == "" && settings.Username == user

	if isOwner && !hasKey {
		if kerr := s.mitigator.Mitigate(slot.Uid()); kerr != nil {
			return false, kerr
		}
	}
	return isOwner, nil
}

// ValidateAndStoreOwnerKey implements §4.4, invoked once C7 finishes.
func (s *Service) ValidateAndStoreOwnerKey(user string, pubBytes []byte, slot keystore.Slot) *kind.Error {
	mitigating := s.mitigator.Mitigating()

	switch {
	case mitigating && s.keys.Populated():
		if kerr := s.keys.ClobberCompromisedKey(pubBytes, mitigating); kerr != nil {
			return kerr
		}
	case mitigating && !s.keys.Populated():
		if kerr := s.keys.PopulateFromBuffer(pubBytes); kerr != nil {
			return kerr
		}
	default:
		// Not mitigating: this is a fresh, unmanaged device
		// re-establishing ownership. Reset policy to empty first.
		if kerr := s.policy.ResetToEmpty(); kerr != nil {
			return kerr
		}
		s.invalidate()
		if kerr := s.keys.PopulateFromBuffer(pubBytes); kerr != nil {
			return kerr
		}
	}

	if s.mitigator.Mitigating() {
		s.mitigator.Resolve()
	}

	if kerr := s.StoreOwnerProperties(user, slot); kerr != nil {
		return kerr
	}
	if kerr := s.keys.Persist(); kerr != nil {
		return kerr
	}
	return s.policy.PersistPolicySync()
}

// StoreOwnerProperties implements §4.4's trailer: ensure user is in the
// whitelist and is recorded as the device-owner username, re-signing and
// persisting only if something actually changed.
func (s *Service) StoreOwnerProperties(user string, slot keystore.Slot) *kind.Error {
	settings, kerr := s.settingsView()
	if kerr != nil {
		return kerr
	}

	onList := false
	for _, u := range settings.Whitelist {
		if u == user {
			onList = true
			break
		}
	}

	changed := false
	if !onList {
		settings.Whitelist = append(settings.Whitelist, user)
		changed = true
	}
	if !settings.AllowNewUsers {
		settings.AllowNewUsers = true
		changed = true
	}
	if settings.Username != user {
		settings.Username = user
		changed = true
	}
	if !changed {
		return nil
	}

	policyData, err := s.codec.Encode(settings)
	if err != nil {
		return kind.Wrap(kind.EncodeFail, err)
	}

	sig, kerr := s.keys.Sign(policyData, slot)
	if kerr != nil {
		return kerr
	}

	// new_public_key is intentionally left unset: the signing key is
	// already installed (this call only updates whitelist/username
	// fields), so the envelope carries no key-management request and C4
	// takes the plain signature-verification path.
	env := policyservice.Envelope{
		PolicyData:          policyData,
		PolicyDataSignature: sig,
	}
	blob, err := (policyservice.JSONCodec{}).Encode(env)
	if err != nil {
		return kind.Wrap(kind.EncodeFail, err)
	}

	if kerr := s.policy.Store(blob, 0, false); kerr != nil {
		return kerr
	}
	s.settings = settings
	s.settingsValid = true
	return nil
}

// UpdateSerialRecoveryMarker implements §4.4's marker refresh rule.
func (s *Service) UpdateSerialRecoveryMarker() *kind.Error {
	env := s.policy.Retrieve()
	settings, kerr := s.settingsView()
	if kerr != nil {
		return kerr
	}

	needed := len(env) == 0 || (settings.EnrollmentToken != "" && settings.ValidSerialNumberMissing)

	if needed {
		if err := s.sys.AtomicWriteFile(s.markerPath, nil, 0644); err != nil {
			return kind.Wrap(kind.Io, err)
		}
		return nil
	}
	if err := s.sys.Remove(s.markerPath); err != nil {
		return kind.Wrap(kind.Io, err)
	}
	return nil
}

// sentinel flags bracketing the startup flag sequence (§4.4).
const (
	startupFlagsBegin = "--policy-switches-begin"
	startupFlagsEnd   = "--policy-switches-end"
)

// GetStartUpFlags implements §4.4's flag normalization and bracketing.
func (s *Service) GetStartUpFlags() ([]string, *kind.Error) {
	settings, kerr := s.settingsView()
	if kerr != nil {
		return nil, kerr
	}

	out := make([]string, 0, len(settings.StartupFlags)+2)
	out = append(out, startupFlagsBegin)
	for _, f := range settings.StartupFlags {
		if f == "" || f == "-" {
			out = append(out, f)
			continue
		}
		if !strings.HasPrefix(f, "--") {
			f = "--" + strings.TrimPrefix(f, "-")
		}
		out = append(out, f)
	}
	out = append(out, startupFlagsEnd)
	return out, nil
}

// extractPolicyData pulls the policy-data field back out of a raw
// envelope blob, using the same wire codec policyservice itself uses.
func extractPolicyData(blob []byte) ([]byte, *kind.Error) {
	env, err := (policyservice.JSONCodec{}).Decode(blob)
	if err != nil {
		return nil, kind.Wrap(kind.Decode, err)
	}
	return env.PolicyData, nil
}
