// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2014-2015 Canonical Ltd
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

package systemd

import (
	"fmt"
	"net"
	"os"
)

var osGetenv = os.Getenv

// MockOsGetenv lets tests intercept the environment lookup SdNotify uses
// to find NOTIFY_SOCKET.
func MockOsGetenv(f func(string) string) (restore func()) {
	old := osGetenv
	osGetenv = f
	return func() {
		osGetenv = old
	}
}

// SdNotify sends a message to the service manager about a state change,
// following the same contract as sd_notify(3): it is a no-op error when
// NOTIFY_SOCKET is unset, and otherwise writes state as a single datagram
// to the named unix socket.
func SdNotify(state string) error {
	if state == "" {
		return fmt.Errorf("cannot use empty notify state")
	}

	socketPath := osGetenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return fmt.Errorf("cannot find NOTIFY_SOCKET environment")
	}
	if socketPath[0] != '/' && socketPath[0] != '@' {
		return fmt.Errorf("cannot use NOTIFY_SOCKET %q", socketPath)
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{
		Name: socketPath,
		Net:  "unixgram",
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}
