// Package pathcfg centralizes the well-known, bit-exact on-disk paths this
// daemon reads and writes, following the same flat-file-of-constants shape
// the teacher keeps its stable paths in.
package pathcfg

import (
	"fmt"
	"path/filepath"
)

var rootDir = "/"

// SetRootDirForTest redirects every path below under dir, for hermetic
// tests. Restore with SetRootDirForTest("/").
func SetRootDirForTest(dir string) (restore func()) {
	old := rootDir
	rootDir = dir
	return func() { rootDir = old }
}

func under(p string) string {
	return filepath.Join(rootDir, p)
}

// OwnerKeyFile returns the path to the owner public key (C2).
func OwnerKeyFile() string { return under("/var/lib/whitelist/pub") }

// DevicePolicyFile returns the path to the device policy record (C3/C5).
func DevicePolicyFile() string { return under("/var/lib/whitelist/policy") }

// DeviceLocalAccountPolicyDir returns the root directory holding
// per-device-local-account policy subdirectories.
func DeviceLocalAccountPolicyDir() string {
	return under("/var/lib/device_local_accounts")
}

// DeviceLocalAccountPolicyFile returns the policy path for one
// device-local account, identified by its already-sanitized account id.
func DeviceLocalAccountPolicyFile(accountID string) string {
	return filepath.Join(DeviceLocalAccountPolicyDir(), accountID, "policy")
}

// LoggedInMarkerFile returns the path to the per-boot logged-in marker.
func LoggedInMarkerFile() string { return under("/var/run/session_manager/logged_in") }

// DeviceResetMarkerFile returns the path to the factory-reset marker
// consumed by the installer on the next boot.
func DeviceResetMarkerFile() string { return under("/mnt/stateful_partition/factory_install_reset") }

// DeviceResetMarkerContents is the exact content StartDeviceWipe writes.
const DeviceResetMarkerContents = "fast safe"

// SerialRecoveryMarkerFile returns the path to the zero-byte serial
// recovery sentinel.
func SerialRecoveryMarkerFile() string {
	return under("/var/lib/enterprise_serial_number_recovery")
}

// UserPolicyDir returns the root-only per-user policy directory for a
// sanitized username (a stable, path-safe hash of the user's email).
func UserPolicyDir(sanitizedUsername string) string {
	return under(filepath.Join("/home/user", sanitizedUsername, "session_manager"))
}

// UserPolicyFile returns the policy file path inside a user's policy dir.
func UserPolicyFile(sanitizedUsername string) string {
	return filepath.Join(UserPolicyDir(sanitizedUsername), "policy")
}

// LegacyDevicePolicyFile names a prior-schema policy file location,
// checked for at startup and reported via metrics only (§4.2).
func LegacyDevicePolicyFile() string { return under("/var/lib/whitelist/whitelist") }

// UserKeystoreDir returns the NSS/cryptohome keystore slot directory
// C7's re-exec'd worker writes into and C8's SlotOpener reads back from,
// keyed by uid since the re-exec'd worker is never told a username.
func UserKeystoreDir(uid uint32) string {
	return under(filepath.Join("/home/user", fmt.Sprintf("uid-%d", uid), "signing-key"))
}
