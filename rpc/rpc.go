// Package rpc is the thin dbus adapter for §6's external method surface:
// it exports the daemon's remote methods onto the system bus, translates
// *kind.Error returns into dbus errors, resolves a caller's uid for the
// methods that need one, and supplies the EmitSignal/RequestRestart
// capability capabilities.NewLinux is wired with. No session-management
// logic lives here; every method is a direct call into a Backend.
package rpc

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"gopkg.in/tomb.v2"

	"github.com/chromiumos/session-manager/kind"
	"github.com/chromiumos/session-manager/logger"
	"github.com/chromiumos/session-manager/session"
)

const (
	busName       = "org.chromium.SessionManager"
	objectPath    = dbus.ObjectPath("/org/chromium/SessionManager")
	interfaceName = "org.chromium.SessionManagerInterface"

	powerManagerBusName    = "org.chromium.PowerManager"
	powerManagerObjectPath = dbus.ObjectPath("/org/chromium/PowerManager")
	powerManagerInterface  = "org.chromium.PowerManagerInterface"
)

const introspectionXML = `
<interface name='org.chromium.SessionManagerInterface'>
	<method name='EmitLoginPromptReady'>
		<arg type='b' name='emitted' direction='out'/>
	</method>
	<method name='EmitLoginPromptVisible'/>
	<method name='EnableChromeTesting'>
		<arg type='b' name='force_relaunch' direction='in'/>
		<arg type='as' name='extra_args' direction='in'/>
		<arg type='s' name='filepath' direction='out'/>
	</method>
	<method name='StartSession'>
		<arg type='s' name='email' direction='in'/>
		<arg type='s' name='unique_identifier' direction='in'/>
		<arg type='b' name='done' direction='out'/>
	</method>
	<method name='StopSession'>
		<arg type='s' name='unique_identifier' direction='in'/>
		<arg type='b' name='done' direction='out'/>
	</method>
	<method name='StorePolicy'>
		<arg type='ay' name='policy_blob' direction='in'/>
	</method>
	<method name='RetrievePolicy'>
		<arg type='ay' name='policy_blob' direction='out'/>
	</method>
	<method name='StorePolicyForUser'>
		<arg type='s' name='account_id' direction='in'/>
		<arg type='ay' name='policy_blob' direction='in'/>
	</method>
	<method name='RetrievePolicyForUser'>
		<arg type='s' name='account_id' direction='in'/>
		<arg type='ay' name='policy_blob' direction='out'/>
	</method>
	<method name='StoreDeviceLocalAccountPolicy'>
		<arg type='s' name='account_id' direction='in'/>
		<arg type='ay' name='policy_blob' direction='in'/>
	</method>
	<method name='RetrieveDeviceLocalAccountPolicy'>
		<arg type='s' name='account_id' direction='in'/>
		<arg type='ay' name='policy_blob' direction='out'/>
	</method>
	<method name='RetrieveSessionState'>
		<arg type='s' name='state' direction='out'/>
	</method>
	<method name='RetrieveActiveSessions'>
		<arg type='a{ss}' name='sessions' direction='out'/>
	</method>
	<method name='LockScreen'/>
	<method name='HandleLockScreenShown'/>
	<method name='HandleLockScreenDismissed'/>
	<method name='RestartJob'>
		<arg type='i' name='pid' direction='in'/>
		<arg type='s' name='arguments' direction='in'/>
		<arg type='b' name='done' direction='out'/>
	</method>
	<method name='RestartJobWithAuth'>
		<arg type='i' name='pid' direction='in'/>
		<arg type='ay' name='cookie' direction='in'/>
		<arg type='s' name='arguments' direction='in'/>
		<arg type='b' name='done' direction='out'/>
	</method>
	<method name='StartDeviceWipe'>
		<arg type='b' name='done' direction='out'/>
	</method>
	<method name='SetFlagsForUser'>
		<arg type='s' name='account_id' direction='in'/>
		<arg type='as' name='flags' direction='in'/>
	</method>
	<signal name='SessionStateChanged'><arg type='s' name='state'/></signal>
	<signal name='ScreenIsLocked'/>
	<signal name='ScreenIsUnlocked'/>
	<signal name='LockScreenRequested'/>
	<signal name='OwnerKeySet'><arg type='b' name='success'/></signal>
	<signal name='PropertyChangeComplete'><arg type='b' name='success'/></signal>
	<signal name='LivenessRequested'/>
	<signal name='LoginPromptVisible'/>
</interface>`

// Backend is the narrow slice of session.Manager the adapter calls into.
// Defined here, rather than depended on as a concrete type, so tests can
// substitute a fake without constructing a real Manager.
type Backend interface {
	EmitLoginPromptReady() (bool, *kind.Error)
	EmitLoginPromptVisible() *kind.Error
	EnableChromeTesting(forceRelaunch bool, extraArgs []string) (string, *kind.Error)
	StartSession(email string, uid uint32) *kind.Error
	StopSession() bool
	StorePolicy(blob []byte) *kind.Error
	RetrievePolicy() []byte
	StorePolicyForUser(user string, blob []byte) *kind.Error
	RetrievePolicyForUser(user string) ([]byte, *kind.Error)
	StoreDeviceLocalAccountPolicy(accountID string, blob []byte) *kind.Error
	RetrieveDeviceLocalAccountPolicy(accountID string) ([]byte, *kind.Error)
	State() session.State
	ActiveSessions() map[string]string
	LockScreen() bool
	HandleLockScreenShown()
	HandleLockScreenDismissed()
	RestartJob(pid int, args string) *kind.Error
	RestartJobWithAuth(pid int, cookie []byte, args string) *kind.Error
	StartDeviceWipe() *kind.Error
	SetFlagsForUser(user string, flags []string)
}

// SenderUIDResolver maps a method call's sender to the uid the daemon
// should treat it as coming from, the one piece of PAM/cred-passing
// machinery §1 places out of scope; StartSession is the only method that
// needs it.
type SenderUIDResolver interface {
	UidForSender(sender dbus.Sender) (uint32, error)
}

// busUIDResolver is the production SenderUIDResolver: it asks the bus
// daemon itself who the caller is, the standard dbus credential-passing
// mechanism.
type busUIDResolver struct{ conn *dbus.Conn }

func (r busUIDResolver) UidForSender(sender dbus.Sender) (uint32, error) {
	var uid uint32
	err := r.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid)
	return uid, err
}

// Adapter exports the daemon's dbus method surface and, once Init'd, is
// also the emit func capabilities.NewLinux is constructed with.
type Adapter struct {
	backend Backend
	uids    SenderUIDResolver

	conn *dbus.Conn
	tomb tomb.Tomb
}

// New constructs an Adapter. uids may be nil; Init fills in the
// production resolver once the bus connection is known.
func New(backend Backend, uids SenderUIDResolver) *Adapter {
	return &Adapter{backend: backend, uids: uids}
}

// Init exports the adapter's methods and introspection data onto conn and
// claims the well-known bus name. Per §7, a failure here (the main event
// loop cannot be created) is fatal to daemon startup.
func (a *Adapter) Init(conn *dbus.Conn) error {
	a.conn = conn
	if a.uids == nil {
		a.uids = busUIDResolver{conn: conn}
	}

	if err := conn.Export(a, objectPath, interfaceName); err != nil {
		return fmt.Errorf("cannot export %s: %w", interfaceName, err)
	}
	xml := "<node>" + introspectionXML + introspect.IntrospectDataString + "</node>"
	if err := conn.Export(introspect.Introspectable(xml), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("cannot export introspection data: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("cannot request bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already owned", busName)
	}
	return nil
}

// Start runs the adapter's shutdown watcher in the background.
func (a *Adapter) Start() {
	a.tomb.Go(func() error {
		<-a.tomb.Dying()
		return a.conn.Close()
	})
}

// Stop closes the bus connection and waits for Start's goroutine to exit.
func (a *Adapter) Stop() error {
	a.tomb.Kill(nil)
	if err := a.tomb.Wait(); err != nil && err != tomb.ErrStillAlive {
		return err
	}
	return nil
}

// EmitSignal is the capability capabilities.NewLinux is constructed with.
// RequestRestart is special-cased: it is a method call to the platform
// power manager, not a broadcast, following the same name the core uses
// to request it via RequestPowerManagerRestart. Everything else is
// broadcast as a signal on this adapter's own interface.
func (a *Adapter) EmitSignal(name string, payload any) error {
	if a.conn == nil {
		return nil
	}
	if name == "RequestRestart" {
		call := a.conn.Object(powerManagerBusName, powerManagerObjectPath).Call(powerManagerInterface+".RequestRestart", 0)
		return call.Err
	}
	if payload == nil {
		return a.conn.Emit(objectPath, interfaceName+"."+name)
	}
	return a.conn.Emit(objectPath, interfaceName+"."+name, payload)
}

func dbusErr(kerr *kind.Error) *dbus.Error {
	if kerr == nil {
		return nil
	}
	return &dbus.Error{
		Name: interfaceName + ".Error." + string(kerr.Kind),
		Body: []interface{}{kerr.Error()},
	}
}

func (a *Adapter) EmitLoginPromptReady() (bool, *dbus.Error) {
	emitted, kerr := a.backend.EmitLoginPromptReady()
	return emitted, dbusErr(kerr)
}

func (a *Adapter) EmitLoginPromptVisible() *dbus.Error {
	return dbusErr(a.backend.EmitLoginPromptVisible())
}

func (a *Adapter) EnableChromeTesting(forceRelaunch bool, extraArgs []string) (string, *dbus.Error) {
	path, kerr := a.backend.EnableChromeTesting(forceRelaunch, extraArgs)
	return path, dbusErr(kerr)
}

// StartSession resolves the caller's uid from the bus connection itself
// (sender is populated by godbus, never supplied by the caller); the
// second string argument is accepted for wire compatibility and unused,
// matching §6's `_:str`.
func (a *Adapter) StartSession(email string, _ string, sender dbus.Sender) (bool, *dbus.Error) {
	uid, err := a.uids.UidForSender(sender)
	if err != nil {
		return false, dbusErr(kind.Wrap(kind.Io, err))
	}
	if kerr := a.backend.StartSession(email, uid); kerr != nil {
		return false, dbusErr(kerr)
	}
	return true, nil
}

func (a *Adapter) StopSession(_ string) (bool, *dbus.Error) {
	return a.backend.StopSession(), nil
}

func (a *Adapter) StorePolicy(blob []byte) *dbus.Error {
	return dbusErr(a.backend.StorePolicy(blob))
}

func (a *Adapter) RetrievePolicy() ([]byte, *dbus.Error) {
	return a.backend.RetrievePolicy(), nil
}

func (a *Adapter) StorePolicyForUser(user string, blob []byte) *dbus.Error {
	return dbusErr(a.backend.StorePolicyForUser(user, blob))
}

func (a *Adapter) RetrievePolicyForUser(user string) ([]byte, *dbus.Error) {
	blob, kerr := a.backend.RetrievePolicyForUser(user)
	return blob, dbusErr(kerr)
}

func (a *Adapter) StoreDeviceLocalAccountPolicy(accountID string, blob []byte) *dbus.Error {
	return dbusErr(a.backend.StoreDeviceLocalAccountPolicy(accountID, blob))
}

func (a *Adapter) RetrieveDeviceLocalAccountPolicy(accountID string) ([]byte, *dbus.Error) {
	blob, kerr := a.backend.RetrieveDeviceLocalAccountPolicy(accountID)
	return blob, dbusErr(kerr)
}

func (a *Adapter) RetrieveSessionState() (string, *dbus.Error) {
	return string(a.backend.State()), nil
}

func (a *Adapter) RetrieveActiveSessions() (map[string]string, *dbus.Error) {
	return a.backend.ActiveSessions(), nil
}

func (a *Adapter) LockScreen() *dbus.Error {
	if !a.backend.LockScreen() {
		logger.Noticef("rpc: LockScreen rejected")
	}
	return nil
}

func (a *Adapter) HandleLockScreenShown() *dbus.Error {
	a.backend.HandleLockScreenShown()
	return nil
}

func (a *Adapter) HandleLockScreenDismissed() *dbus.Error {
	a.backend.HandleLockScreenDismissed()
	return nil
}

func (a *Adapter) RestartJob(pid int32, args string) (bool, *dbus.Error) {
	if kerr := a.backend.RestartJob(int(pid), args); kerr != nil {
		return false, dbusErr(kerr)
	}
	return true, nil
}

func (a *Adapter) RestartJobWithAuth(pid int32, cookie []byte, args string) (bool, *dbus.Error) {
	if kerr := a.backend.RestartJobWithAuth(int(pid), cookie, args); kerr != nil {
		return false, dbusErr(kerr)
	}
	return true, nil
}

func (a *Adapter) StartDeviceWipe() (bool, *dbus.Error) {
	if kerr := a.backend.StartDeviceWipe(); kerr != nil {
		return false, dbusErr(kerr)
	}
	return true, nil
}

func (a *Adapter) SetFlagsForUser(user string, flags []string) *dbus.Error {
	a.backend.SetFlagsForUser(user, flags)
	return nil
}
