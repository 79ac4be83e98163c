// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2015-2016 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Command sessiond is the entrypoint for both daemon modes this binary
// supports: running as the resident session manager (the default, "run"
// command) and running as the re-exec'd, uid-dropped key-generation
// worker C7 needs ("keygen", invoked by the supervisor itself).
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/godbus/dbus/v5"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/cryptocap"
	"github.com/chromiumos/session-manager/daemon"
	"github.com/chromiumos/session-manager/devicepolicy"
	"github.com/chromiumos/session-manager/keygen"
	"github.com/chromiumos/session-manager/keystore"
	"github.com/chromiumos/session-manager/liveness"
	"github.com/chromiumos/session-manager/logger"
	"github.com/chromiumos/session-manager/mitigator"
	"github.com/chromiumos/session-manager/pathcfg"
	"github.com/chromiumos/session-manager/policyservice"
	"github.com/chromiumos/session-manager/policystore"
	"github.com/chromiumos/session-manager/rpc"
	"github.com/chromiumos/session-manager/session"
	"github.com/chromiumos/session-manager/supervisor"
)

// browserUid is the fixed uid the browser job runs under ("chronos" on a
// real device); §1 places user/group provisioning out of scope, so this
// is a constant rather than looked up via getpwnam.
const browserUid = 1000

const browserPath = "/opt/google/chrome/chrome"

func init() {
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to activate logging: %s\n", err)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cmdKeygen is the re-exec'd C7 worker body, run as the target user's
// uid via capabilities.Job's Credential (§1's fork-without-exec boundary
// worked around by re-execing this same binary instead).
type cmdKeygen struct {
	Positional struct {
		Uid uint32 `positional-arg-name:"uid" required:"true"`
	} `positional-args:"true"`
}

func (c *cmdKeygen) Execute([]string) error {
	uid := c.Positional.Uid
	sys := capabilities.NewLinux(nil)
	worker := keygen.New(cryptocap.NewRSA(2048), keygen.LinuxDirStat{}, &keygen.FileSlotStore{}, sys)
	return worker.Run(uid, pathcfg.UserKeystoreDir(uid), keygen.OutputPathForUID(uid))
}

// cmdRun is the default command: the resident daemon.
type cmdRun struct{}

func (c *cmdRun) Execute([]string) error {
	return runDaemon()
}

func run() error {
	parser := flags.NewParser(&struct{}{}, flags.Default)
	if _, err := parser.AddCommand("run", "run the session manager daemon", "run the session manager daemon", &cmdRun{}); err != nil {
		return err
	}
	if _, err := parser.AddCommand("keygen", "generate an owner keypair (internal, re-exec'd)", "generate an owner keypair (internal, re-exec'd)", &cmdKeygen{}); err != nil {
		return err
	}

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"run"}
	}
	_, err := parser.ParseArgs(args)
	return err
}

func runDaemon() error {
	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine own executable path: %w", err)
	}

	var adapter *rpc.Adapter
	sys := capabilities.NewLinux(func(name string, payload any) error {
		if adapter == nil {
			return nil
		}
		return adapter.EmitSignal(name, payload)
	})

	crypto := cryptocap.NewRSA(2048)

	keys := keystore.New(sys, crypto, pathcfg.OwnerKeyFile())
	if err := keys.LoadFromDiskIfPossible(); err != nil {
		logger.Noticef("sessiond: load owner key: %v", err)
	}
	store := policystore.New(sys, pathcfg.DevicePolicyFile(), pathcfg.LegacyDevicePolicyFile())
	if _, kerr := store.LoadOrCreate(); kerr != nil {
		return fmt.Errorf("cannot load device policy store: %s", kerr.Error())
	}

	sink := policyservice.SystemSink{Sys: sys}
	devicePolicyService := policyservice.New(keys, store, policyservice.JSONCodec{}, sink, "PropertyChangeComplete")

	keygenJob := func(uid uint32) capabilities.Job {
		return capabilities.Job{
			Path: selfExe,
			Args: []string{"keygen", fmt.Sprintf("%d", uid)},
			As:   &capabilities.Credential{Uid: uid, Gid: uid},
		}
	}
	sup := supervisor.New(sys, keygenJob)
	mit := mitigator.New(sup)
	dpsvc := devicepolicy.New(devicePolicyService, keys, sys, devicepolicy.JSONSettingsCodec{}, mit, pathcfg.SerialRecoveryMarkerFile())

	userPolicyFactory := func(user string, uid uint32) (*policyservice.Service, error) {
		ukeys := keystore.New(sys, crypto, pathcfg.UserPolicyDir(sanitizeUsername(user))+"/pub")
		if err := ukeys.LoadFromDiskIfPossible(); err != nil {
			return nil, err
		}
		ustore := policystore.New(sys, pathcfg.UserPolicyFile(sanitizeUsername(user)), "")
		if _, kerr := ustore.LoadOrCreate(); kerr != nil {
			return nil, fmt.Errorf("load user policy store: %s", kerr.Error())
		}
		return policyservice.New(ukeys, ustore, policyservice.JSONCodec{}, sink, "PropertyChangeComplete"), nil
	}
	localAccountFactory := func(acct string) (*policyservice.Service, error) {
		akeys := keystore.New(sys, crypto, pathcfg.DeviceLocalAccountPolicyDir()+"/"+acct+"/pub")
		if err := akeys.LoadFromDiskIfPossible(); err != nil {
			return nil, err
		}
		astore := policystore.New(sys, pathcfg.DeviceLocalAccountPolicyFile(acct), "")
		if _, kerr := astore.LoadOrCreate(); kerr != nil {
			return nil, fmt.Errorf("load device-local-account policy store: %s", kerr.Error())
		}
		return policyservice.New(akeys, astore, policyservice.JSONCodec{}, sink, "PropertyChangeComplete"), nil
	}

	slots := &session.LinuxSlotOpener{HomeDir: pathcfg.UserKeystoreDir}

	mgr, err := session.New(sys, dpsvc, slots, sup, userPolicyFactory, localAccountFactory,
		keygen.OutputPathForUID, pathcfg.LoggedInMarkerFile(), pathcfg.DeviceResetMarkerFile(), browserUid)
	if err != nil {
		return fmt.Errorf("cannot construct session manager: %w", err)
	}

	adapter = rpc.New(mgr, nil)

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("cannot connect to the system bus: %w", err)
	}
	if err := adapter.Init(conn); err != nil {
		return fmt.Errorf("cannot initialize dbus adapter: %w", err)
	}

	live := liveness.New(liveness.RealScheduler, livenessPinger{sys}, livenessAborter{sup}, 0, true)

	browserJob := capabilities.Job{Path: browserPath, As: &capabilities.Credential{Uid: browserUid, Gid: browserUid}}
	if _, err := sup.RunChild(session.BrowserJobID, browserJob, browserUid, false); err != nil {
		logger.Noticef("sessiond: cannot launch initial browser job: %v", err)
	}

	d := daemon.New(sup, mgr, live, adapter)
	return d.Run()
}

// sanitizeUsername mirrors session.sanitizeUsername's derivation (stable,
// path-safe hash of a normalized email) so a per-user policy-service
// binding lands under the same directory UserSession.SanitizedUsername
// names; session keeps its own copy unexported since it is an internal
// implementation detail there, not part of that package's API.
func sanitizeUsername(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

type livenessPinger struct {
	sys capabilities.System
}

func (p livenessPinger) EmitLivenessRequested() error {
	return p.sys.EmitSignal("LivenessRequested", nil)
}

type livenessAborter struct {
	sup *supervisor.Registry
}

func (a livenessAborter) AbortBrowser() error {
	return a.sup.KillNow(session.BrowserJobID, int(syscall.SIGABRT))
}
