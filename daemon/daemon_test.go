package daemon

import (
	"fmt"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/cryptocap"
	"github.com/chromiumos/session-manager/devicepolicy"
	"github.com/chromiumos/session-manager/keygen"
	"github.com/chromiumos/session-manager/keystore"
	"github.com/chromiumos/session-manager/mitigator"
	"github.com/chromiumos/session-manager/policyservice"
	"github.com/chromiumos/session-manager/policystore"
	"github.com/chromiumos/session-manager/session"
	"github.com/chromiumos/session-manager/supervisor"
)

func Test(t *testing.T) { TestingT(t) }

type suite struct{}

var _ = Suite(&suite{})

func (s *suite) TestKeygenUIDParsesAndRejects(c *C) {
	uid, ok := keygenUID("keygen-2000")
	c.Assert(ok, Equals, true)
	c.Check(uid, Equals, uint32(2000))

	_, ok = keygenUID("browser")
	c.Check(ok, Equals, false)

	_, ok = keygenUID("keygen-not-a-number")
	c.Check(ok, Equals, false)
}

type fakeLifecycle struct {
	started bool
	stopped bool
	stopErr error
}

func (f *fakeLifecycle) Start() { f.started = true }
func (f *fakeLifecycle) Stop() error {
	f.stopped = true
	return f.stopErr
}

type fixture struct {
	sys *capabilities.Fake
	sup *supervisor.Registry
	mgr *session.Manager
}

func newFixture(c *C) *fixture {
	sys := capabilities.NewFake(time.Unix(0, 0))
	crypto := &cryptocap.Fake{}

	keys := keystore.New(sys, crypto, "/var/lib/whitelist/pub")
	c.Assert(keys.LoadFromDiskIfPossible(), IsNil)
	store := policystore.New(sys, "/var/lib/whitelist/policy", "")
	_, kerr := store.LoadOrCreate()
	c.Assert(kerr, IsNil)

	psvc := policyservice.New(keys, store, policyservice.JSONCodec{}, &policyservice.FakeSink{}, "PropertyChangeComplete")

	sup := supervisor.New(sys, func(uid uint32) capabilities.Job {
		return capabilities.Job{Path: "/sbin/sessiond", Args: []string{"--keygen", fmt.Sprintf("%d", uid)}}
	})
	mit := mitigator.New(sup)
	dpsvc := devicepolicy.New(psvc, keys, sys, devicepolicy.JSONSettingsCodec{}, mit, "/var/lib/enterprise_serial_number_recovery")

	slots := &session.FakeSlotOpener{}
	userPolicyFactory := func(user string, uid uint32) (*policyservice.Service, error) {
		ukeys := keystore.New(sys, crypto, "/home/user/"+user+"/signing-key")
		if kerr := ukeys.LoadFromDiskIfPossible(); kerr != nil {
			return nil, kerr
		}
		ustore := policystore.New(sys, "/home/user/"+user+"/policy", "")
		if _, kerr := ustore.LoadOrCreate(); kerr != nil {
			return nil, kerr
		}
		return policyservice.New(ukeys, ustore, policyservice.JSONCodec{}, &policyservice.FakeSink{}, "PropertyChangeComplete"), nil
	}
	localAccountFactory := func(acct string) (*policyservice.Service, error) {
		return nil, fmt.Errorf("no device-local accounts in this fixture")
	}

	mgr, err := session.New(sys, dpsvc, slots, sup, userPolicyFactory, localAccountFactory,
		keygen.OutputPathForUID, "/var/run/session_manager/logged_in",
		"/mnt/stateful_partition/factory_install_reset", 1000)
	c.Assert(err, IsNil)

	return &fixture{sys: sys, sup: sup, mgr: mgr}
}

func (s *suite) TestTickRestartsBrowserOnCrash(c *C) {
	f := newFixture(c)
	_, err := f.sup.RunChild(session.BrowserJobID, capabilities.Job{Path: "/sbin/browser"}, 1000, true)
	c.Assert(err, IsNil)
	pid := f.sup.Pid(session.BrowserJobID)

	d := &Daemon{sup: f.sup, mgr: f.mgr}
	f.sys.SetExited(pid, capabilities.ExitStatus{Exited: false, Signal: 11})
	d.tick()

	c.Check(f.sup.Pid(session.BrowserJobID), Not(Equals), 0)
	c.Check(f.sup.Pid(session.BrowserJobID), Not(Equals), pid)
}

func (s *suite) TestHandleExitSkipsRestartWhenShuttingDown(c *C) {
	f := newFixture(c)
	_, err := f.sup.RunChild(session.BrowserJobID, capabilities.Job{Path: "/sbin/browser"}, 1000, true)
	c.Assert(err, IsNil)
	pid := f.sup.Pid(session.BrowserJobID)

	d := &Daemon{sup: f.sup, mgr: f.mgr, shuttingDown: true}
	f.sys.SetExited(pid, capabilities.ExitStatus{Exited: true, Code: 0})
	d.tick()

	c.Check(f.sup.Pid(session.BrowserJobID), Equals, 0)
}

func (s *suite) TestShutdownIsIdempotentAndStopsTheAdapter(c *C) {
	f := newFixture(c)
	lc := &fakeLifecycle{}
	d := &Daemon{sup: f.sup, mgr: f.mgr, adapter: lc, selfPipe: supervisor.NewSelfPipe()}

	c.Assert(d.shutdown(), IsNil)
	c.Check(lc.stopped, Equals, true)
	c.Check(d.shuttingDown, Equals, true)

	lc.stopped = false
	c.Assert(d.shutdown(), IsNil)
	c.Check(lc.stopped, Equals, false, Commentf("second shutdown call must be a no-op"))
}
