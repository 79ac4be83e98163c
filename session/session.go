// Package session implements C8: the state machine that validates user
// identities, creates and destroys per-user session records, drives the
// device-owner login check, hosts screen-lock state, and routes policy
// requests to the right policy-service binding.
package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"syscall"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/keystore"
	"github.com/chromiumos/session-manager/kind"
	"github.com/chromiumos/session-manager/logger"
	"github.com/chromiumos/session-manager/policyservice"
)

// BrowserJobID is the fixed job_id the browser child is registered under
// in the supervisor, the only job RestartJob is ever allowed to touch.
const BrowserJobID = "browser"

// guestUserName and demoUserName are the two sentinel identities that
// bypass ordinary email validation and are always incognito.
const (
	guestUserName = "$guest"
	demoUserName  = "demouser@"
)

// State is the tri-state session-state global described in §3.
type State string

const (
	StateStopped  State = "stopped"
	StateStarted  State = "started"
	StateStopping State = "stopping"
)

// UserSession is the per-user record created by StartSession and
// destroyed only at daemon shutdown (§3).
type UserSession struct {
	NormalizedUsername string
	SanitizedUsername  string
	IsIncognito        bool
	Slot               keystore.Slot
	Policy             *policyservice.Service
}

// DevicePolicy is the narrow slice of devicepolicy.Service the session
// manager needs: the owner-login check, the post-keygen key install, and
// the bookkeeping queries that decide whether to fork a new keygen job.
type DevicePolicy interface {
	CheckAndHandleOwnerLogin(user string, slot keystore.Slot) (bool, *kind.Error)
	ValidateAndStoreOwnerKey(user string, pubBytes []byte, slot keystore.Slot) *kind.Error
	KeyPopulated() bool
	Mitigating() bool
	Mitigate(uid uint32) *kind.Error
	MitigationFailed()
	Retrieve() []byte
	Store(blob []byte, flags policyservice.Flags, mitigating bool) *kind.Error
	Advance()
	PersistPolicySync() *kind.Error
}

// SlotOpener opens the keystore slot backing a user's session, the one
// piece of the NSS/PAM stack §1 places out of scope.
type SlotOpener interface {
	OpenSlot(normalizedUsername string, uid uint32, incognito bool) (keystore.Slot, error)
}

// Supervisor is the slice of supervisor.Registry the session manager
// drives: locating, killing, and relaunching the browser job, and
// draining every child on shutdown.
type Supervisor interface {
	JobIDForPid(pid int) (string, bool)
	Pid(jobID string) int
	KillNow(jobID string, sig int) error
	ReplaceJob(jobID string, job capabilities.Job, desiredUid uint32) (int, error)
	MarkShouldStop(jobID string)
	Shutdown(neverStarted bool)
}

// UserPolicyFactory builds the per-user policyservice.Service binding
// for a newly started session.
type UserPolicyFactory func(normalizedUsername string, uid uint32) (*policyservice.Service, error)

// LocalAccountFactory builds the policyservice.Service binding for a
// device-local account, lazily, the first time it is addressed.
type LocalAccountFactory func(accountID string) (*policyservice.Service, error)

// Manager owns the session table, the screen-lock state, and the
// restart-auth cookie; it is constructed once per daemon lifetime.
type Manager struct {
	sys          capabilities.System
	devicePolicy DevicePolicy
	slots        SlotOpener
	sup          Supervisor

	userPolicyFactory   UserPolicyFactory
	localAccountFactory LocalAccountFactory
	keygenOutputPath    func(uid uint32) string

	loggedInMarkerPath string
	resetFilePath      string
	browserUid         uint32

	sessions            map[string]*UserSession
	deviceLocalAccounts map[string]*policyservice.Service
	flagsForUser        map[string][]string

	hasRealUser  bool
	state        State
	screenLocked bool
	cookie       [16]byte

	testingChannelPath string
}

// New constructs a Manager. Generating the restart-auth cookie is the
// one fallible step; a failure here is fatal to daemon startup (§7).
func New(
	sys capabilities.System,
	devicePolicy DevicePolicy,
	slots SlotOpener,
	sup Supervisor,
	userPolicyFactory UserPolicyFactory,
	localAccountFactory LocalAccountFactory,
	keygenOutputPath func(uid uint32) string,
	loggedInMarkerPath, resetFilePath string,
	browserUid uint32,
) (*Manager, error) {
	cookie, err := sys.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("cannot generate session cookie: %w", err)
	}
	m := &Manager{
		sys:                 sys,
		devicePolicy:        devicePolicy,
		slots:               slots,
		sup:                 sup,
		userPolicyFactory:   userPolicyFactory,
		localAccountFactory: localAccountFactory,
		keygenOutputPath:    keygenOutputPath,
		loggedInMarkerPath:  loggedInMarkerPath,
		resetFilePath:       resetFilePath,
		browserUid:          browserUid,
		sessions:            map[string]*UserSession{},
		deviceLocalAccounts: map[string]*policyservice.Service{},
		flagsForUser:        map[string][]string{},
		state:               StateStopped,
	}
	copy(m.cookie[:], cookie)
	return m, nil
}

// NormalizeEmail implements §4.6 step 1: lowercase ASCII, reject
// characters outside [A-Za-z0-9.+_@-] or a count of '@' other than one,
// except for the two sentinel identities, which are always incognito.
func NormalizeEmail(email string) (normalized string, incognito bool, kerr *kind.Error) {
	lower := strings.ToLower(email)
	if lower == guestUserName || lower == demoUserName {
		return lower, true, nil
	}
	for i := 0; i < len(lower); i++ {
		if !isValidEmailByte(lower[i]) {
			return "", false, kind.Newf(kind.InvalidEmail, "invalid character %q in email", lower[i])
		}
	}
	if strings.Count(lower, "@") != 1 {
		return "", false, kind.New(kind.InvalidEmail, "email must contain exactly one @")
	}
	return lower, false, nil
}

func isValidEmailByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '+' || b == '_' || b == '@' || b == '-':
		return true
	}
	return false
}

// sanitizeUsername derives the stable, path-safe directory name used for
// per-user policy storage; the cryptohome salt/home-directory hashing
// scheme it stands in for is out of scope per §1.
func sanitizeUsername(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// StartSession implements §4.6's seven-step sequence.
func (m *Manager) StartSession(email string, uid uint32) *kind.Error {
	normalized, incognito, kerr := NormalizeEmail(email)
	if kerr != nil {
		return kerr
	}

	if _, exists := m.sessions[normalized]; exists {
		return kind.Newf(kind.SessionExists, "session for %s already exists", normalized)
	}

	policySvc, err := m.userPolicyFactory(normalized, uid)
	if err != nil {
		return kind.Wrap(kind.PolicyInitFail, err)
	}
	slot, err := m.slots.OpenSlot(normalized, uid, incognito)
	if err != nil {
		return kind.Wrap(kind.NoUserNssdb, err)
	}

	if _, kerr := m.devicePolicy.CheckAndHandleOwnerLogin(normalized, slot); kerr != nil {
		slot.Close()
		return kerr
	}

	isFirstRealUser := !m.hasRealUser && !incognito

	if err := m.sys.EmitSignal("start-user-session", normalized); err != nil {
		slot.Close()
		return kind.Wrap(kind.EmitFailed, err)
	}

	m.sessions[normalized] = &UserSession{
		NormalizedUsername: normalized,
		SanitizedUsername:  sanitizeUsername(normalized),
		IsIncognito:        incognito,
		Slot:               slot,
		Policy:             policySvc,
	}
	if !incognito {
		m.hasRealUser = true
	}
	m.state = StateStarted
	if err := m.sys.EmitSignal("SessionStateChanged", string(StateStarted)); err != nil {
		logger.Noticef("session: emit SessionStateChanged(started): %v", err)
	}

	if !m.devicePolicy.KeyPopulated() && !m.devicePolicy.Mitigating() && isFirstRealUser {
		if kerr := m.devicePolicy.Mitigate(uid); kerr != nil {
			logger.Noticef("session: fork owner key-generation worker for uid %d: %v", uid, kerr)
		}
	}

	if err := m.sys.AtomicWriteFile(m.loggedInMarkerPath, []byte("1"), 0644); err != nil {
		logger.Noticef("session: touch logged-in marker: %v", err)
	}

	return nil
}

// HandleKeygenExit is invoked by the daemon loop when C9 reports that a
// forked key-generation job (C7) exited, completing the asynchronous
// half of the fork §4.6 step 7 or CheckAndHandleOwnerLogin started.
func (m *Manager) HandleKeygenExit(uid uint32, status capabilities.ExitStatus) {
	sess, ok := m.sessionByUid(uid)
	if !ok {
		logger.Noticef("session: key-generation exit for uid %d with no matching session", uid)
		m.devicePolicy.MitigationFailed()
		return
	}

	if !status.Exited || status.Code != 0 {
		logger.Noticef("session: key-generation worker for uid %d exited abnormally: %+v", uid, status)
		m.devicePolicy.MitigationFailed()
		if err := m.sys.EmitSignal("OwnerKeySet", false); err != nil {
			logger.Noticef("session: emit OwnerKeySet(false): %v", err)
		}
		return
	}

	pub, err := m.sys.ReadFile(m.keygenOutputPath(uid))
	if err != nil {
		logger.Noticef("session: read generated owner key for uid %d: %v", uid, err)
		m.devicePolicy.MitigationFailed()
		_ = m.sys.EmitSignal("OwnerKeySet", false)
		return
	}

	if kerr := m.devicePolicy.ValidateAndStoreOwnerKey(sess.NormalizedUsername, pub, sess.Slot); kerr != nil {
		logger.Noticef("session: ValidateAndStoreOwnerKey for uid %d: %v", uid, kerr)
		_ = m.sys.EmitSignal("OwnerKeySet", false)
		return
	}
	_ = m.sys.EmitSignal("OwnerKeySet", true)
}

func (m *Manager) sessionByUid(uid uint32) (*UserSession, bool) {
	for _, s := range m.sessions {
		if s.Slot != nil && s.Slot.Uid() == uid {
			return s, true
		}
	}
	return nil, false
}

// StopSession implements §4.6: the supervisor tears every child down
// synchronously inside this call, and it returns once that is done.
func (m *Manager) StopSession() bool {
	if m.state == StateStopped {
		return true
	}
	m.state = StateStopping
	_ = m.sys.EmitSignal("SessionStateChanged", string(StateStopping))

	m.sup.Shutdown(!m.hasRealUser)
	m.flagsForUser = map[string][]string{}

	m.state = StateStopped
	_ = m.sys.EmitSignal("SessionStateChanged", string(StateStopped))
	return true
}

// State reports the current session-state global.
func (m *Manager) State() State { return m.state }

// HasSession reports whether normalizedUser currently holds a session.
func (m *Manager) HasSession(normalizedUser string) bool {
	_, ok := m.sessions[normalizedUser]
	return ok
}

// ActiveSessions returns the normalized-to-sanitized username map for
// every active session (RetrieveActiveSessions).
func (m *Manager) ActiveSessions() map[string]string {
	out := make(map[string]string, len(m.sessions))
	for user, sess := range m.sessions {
		out[user] = sess.SanitizedUsername
	}
	return out
}

// StorePolicy routes to the device policy service. An unenrolled device
// (no session has ever started) allows installing or clobbering the
// owner key; afterwards only rotation is permitted.
func (m *Manager) StorePolicy(blob []byte) *kind.Error {
	flags := policyservice.KeyRotate
	if len(m.sessions) == 0 {
		flags = policyservice.KeyInstallNew | policyservice.KeyClobber
	}
	return m.devicePolicy.Store(blob, flags, m.devicePolicy.Mitigating())
}

// RetrievePolicy returns the device policy envelope verbatim.
func (m *Manager) RetrievePolicy() []byte { return m.devicePolicy.Retrieve() }

// StorePolicyForUser routes to the named user's policy binding, allowing
// both install and rotation since the first successful call is what
// installs the user's own signing key.
func (m *Manager) StorePolicyForUser(user string, blob []byte) *kind.Error {
	sess, kerr := m.requireSession(user)
	if kerr != nil {
		return kerr
	}
	return sess.Policy.Store(blob, policyservice.KeyInstallNew|policyservice.KeyRotate, false)
}

// RetrievePolicyForUser returns the named user's stored envelope,
// failing with SessionDoesNotExist if they have no active session.
func (m *Manager) RetrievePolicyForUser(user string) ([]byte, *kind.Error) {
	sess, kerr := m.requireSession(user)
	if kerr != nil {
		return nil, kerr
	}
	return sess.Policy.Retrieve(), nil
}

func (m *Manager) requireSession(user string) (*UserSession, *kind.Error) {
	normalized, _, kerr := NormalizeEmail(user)
	if kerr != nil {
		return nil, kerr
	}
	sess, ok := m.sessions[normalized]
	if !ok {
		return nil, kind.Newf(kind.SessionDoesNotExist, "no active session for %s", normalized)
	}
	return sess, nil
}

func (m *Manager) localAccountService(accountID string) (*policyservice.Service, error) {
	if svc, ok := m.deviceLocalAccounts[accountID]; ok {
		return svc, nil
	}
	svc, err := m.localAccountFactory(accountID)
	if err != nil {
		return nil, err
	}
	m.deviceLocalAccounts[accountID] = svc
	return svc, nil
}

// StoreDeviceLocalAccountPolicy routes to accountID's lazily-created
// policy binding.
func (m *Manager) StoreDeviceLocalAccountPolicy(accountID string, blob []byte) *kind.Error {
	svc, err := m.localAccountService(accountID)
	if err != nil {
		return kind.Wrap(kind.PolicyInitFail, err)
	}
	return svc.Store(blob, policyservice.KeyRotate, false)
}

// RetrieveDeviceLocalAccountPolicy returns accountID's stored envelope.
func (m *Manager) RetrieveDeviceLocalAccountPolicy(accountID string) ([]byte, *kind.Error) {
	svc, err := m.localAccountService(accountID)
	if err != nil {
		return nil, kind.Wrap(kind.PolicyInitFail, err)
	}
	return svc.Retrieve(), nil
}

// LockScreen implements §4.6: rejected outside any session and when
// every active session is incognito; idempotent otherwise.
func (m *Manager) LockScreen() bool {
	if len(m.sessions) == 0 {
		return false
	}
	allIncognito := true
	for _, s := range m.sessions {
		if !s.IsIncognito {
			allIncognito = false
			break
		}
	}
	if allIncognito {
		return false
	}
	if m.screenLocked {
		return true
	}
	m.screenLocked = true
	if err := m.sys.EmitSignal("LockScreenRequested", nil); err != nil {
		logger.Noticef("session: emit LockScreenRequested: %v", err)
	}
	return true
}

// HandleLockScreenShown records that the screen is now locked and
// broadcasts the state-changed signal.
func (m *Manager) HandleLockScreenShown() {
	m.screenLocked = true
	_ = m.sys.EmitSignal("ScreenIsLocked", nil)
}

// HandleLockScreenDismissed records that the screen is no longer locked
// and broadcasts the state-changed signal.
func (m *Manager) HandleLockScreenDismissed() {
	m.screenLocked = false
	_ = m.sys.EmitSignal("ScreenIsUnlocked", nil)
}

// ScreenLocked reports the current screen-lock state.
func (m *Manager) ScreenLocked() bool { return m.screenLocked }

// RestartJob implements §4.6: kills the old browser immediately and
// relaunches it under the same job_id with a newly parsed argument
// vector, then always starts a guest session.
func (m *Manager) RestartJob(pid int, args string) *kind.Error {
	return m.restartJob(pid, args)
}

// RestartJobWithAuth is identical to RestartJob after a constant-time
// comparison of cookie against the process-scoped restart cookie.
func (m *Manager) RestartJobWithAuth(pid int, cookie []byte, args string) *kind.Error {
	if subtle.ConstantTimeCompare(cookie, m.cookie[:]) != 1 {
		return kind.New(kind.IllegalService, "restart cookie does not match")
	}
	return m.restartJob(pid, args)
}

func (m *Manager) restartJob(pid int, args string) *kind.Error {
	jobID, ok := m.sup.JobIDForPid(pid)
	if !ok || jobID != BrowserJobID {
		return kind.Newf(kind.UnknownPid, "pid %d is not the supervised browser", pid)
	}
	argv, err := splitShellWords(args)
	if err != nil {
		return kind.Wrap(kind.ParseArgs, err)
	}

	if err := m.sup.KillNow(jobID, int(syscall.SIGKILL)); err != nil {
		return kind.Wrap(kind.UnknownPid, err)
	}
	job := capabilities.Job{Path: argv[0], Args: argv[1:], As: &capabilities.Credential{Uid: m.browserUid, Gid: m.browserUid}}
	if _, err := m.sup.ReplaceJob(jobID, job, m.browserUid); err != nil {
		return kind.Wrap(kind.Io, err)
	}

	if kerr := m.StartSession(guestUserName, 0); kerr != nil && !kind.Is(kerr, kind.SessionExists) {
		logger.Noticef("session: restart-triggered guest session: %v", kerr)
	}
	return nil
}

// StartDeviceWipe implements §4.6: rejected once any login has succeeded
// this boot, otherwise writes the reset marker and asks the platform to
// restart. The browser job is marked should-stop first, so the daemon's
// event loop shuts the session down instead of relaunching it into a
// device that is already on its way to a factory reset.
func (m *Manager) StartDeviceWipe() *kind.Error {
	exists, err := m.sys.Exists(m.loggedInMarkerPath)
	if err != nil {
		return kind.Wrap(kind.Io, err)
	}
	if exists {
		return kind.New(kind.AlreadySession, "cannot wipe the device after a successful login this boot")
	}
	m.sup.MarkShouldStop(BrowserJobID)
	if err := m.sys.AtomicWriteFile(m.resetFilePath, []byte("fast safe"), 0644); err != nil {
		return kind.Wrap(kind.Io, err)
	}
	if err := m.sys.RequestPowerManagerRestart(); err != nil {
		return kind.Wrap(kind.Io, err)
	}
	return nil
}

// SetFlagsForUser stores flags to be applied on the user's next
// in-session browser restart; StopSession clears all of them.
func (m *Manager) SetFlagsForUser(user string, flags []string) {
	normalized, _, kerr := NormalizeEmail(user)
	if kerr != nil {
		return
	}
	m.flagsForUser[normalized] = append([]string(nil), flags...)
}

// FlagsForUser returns the flags last stored for normalizedUser, or nil.
func (m *Manager) FlagsForUser(normalizedUser string) []string {
	return m.flagsForUser[normalizedUser]
}

// EmitLoginPromptReady implements §6: tells the rest of the platform the
// login screen may proceed, reporting whether the broadcast itself
// succeeded rather than failing the call.
func (m *Manager) EmitLoginPromptReady() (bool, *kind.Error) {
	if err := m.sys.EmitSignal("login-prompt-ready", nil); err != nil {
		return false, nil
	}
	return true, nil
}

// EmitLoginPromptVisible implements §6: broadcasts the LoginPromptVisible
// signal used for login-screen-shown timing.
func (m *Manager) EmitLoginPromptVisible() *kind.Error {
	if err := m.sys.EmitSignal("LoginPromptVisible", nil); err != nil {
		return kind.Wrap(kind.EmitFailed, err)
	}
	return nil
}

// EnableChromeTesting implements §6: arranges for the browser to be
// relaunched with a testing-interface socket path appended to its argument
// vector, returning that path. A repeated call without forceRelaunch just
// returns the path already in use.
func (m *Manager) EnableChromeTesting(forceRelaunch bool, extraArgs []string) (string, *kind.Error) {
	if m.testingChannelPath != "" && !forceRelaunch {
		return m.testingChannelPath, nil
	}

	rnd, err := m.sys.RandomBytes(8)
	if err != nil {
		return "", kind.Wrap(kind.Io, err)
	}
	path := fmt.Sprintf("/var/run/session_manager/chrome-testing-%s", hex.EncodeToString(rnd))

	if m.sup.Pid(BrowserJobID) == 0 {
		return "", kind.New(kind.Io, "browser job is not running")
	}
	argv := append([]string{"/opt/google/chrome/chrome", "--testing-channel=" + path}, extraArgs...)
	if err := m.sup.KillNow(BrowserJobID, int(syscall.SIGKILL)); err != nil {
		return "", kind.Wrap(kind.Io, err)
	}
	job := capabilities.Job{Path: argv[0], Args: argv[1:], As: &capabilities.Credential{Uid: m.browserUid, Gid: m.browserUid}}
	if _, err := m.sup.ReplaceJob(BrowserJobID, job, m.browserUid); err != nil {
		return "", kind.Wrap(kind.Io, err)
	}

	m.testingChannelPath = path
	return path, nil
}

// Advance drives the deferred-persist tick (§5's single-threaded event
// loop) on the device policy binding and on every per-user and
// device-local-account binding currently open.
func (m *Manager) Advance() {
	m.devicePolicy.Advance()
	for _, sess := range m.sessions {
		sess.Policy.Advance()
	}
	for _, svc := range m.deviceLocalAccounts {
		svc.Advance()
	}
}

// PersistAllSync drains every pending persist synchronously, used by the
// daemon during graceful shutdown so no queued Store is lost.
func (m *Manager) PersistAllSync() *kind.Error {
	if kerr := m.devicePolicy.PersistPolicySync(); kerr != nil {
		return kerr
	}
	for _, sess := range m.sessions {
		if kerr := sess.Policy.PersistPolicySync(); kerr != nil {
			return kerr
		}
	}
	for _, svc := range m.deviceLocalAccounts {
		if kerr := svc.PersistPolicySync(); kerr != nil {
			return kerr
		}
	}
	return nil
}

// CookieForTest exposes the process-scoped restart cookie so tests can
// exercise RestartJobWithAuth's success path without guessing its bytes.
func (m *Manager) CookieForTest() []byte {
	return append([]byte(nil), m.cookie[:]...)
}

// splitShellWords tokenizes args as a shell word vector, respecting
// single and double quotes (§4.6's RestartJob parsing requirement).
func splitShellWords(args string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	var quote byte

	for i := 0; i < len(args); i++ {
		ch := args[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inWord = true
		case ch == ' ' || ch == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(ch)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in restart arguments")
	}
	if inWord {
		words = append(words, cur.String())
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty restart argument vector")
	}
	return words, nil
}
