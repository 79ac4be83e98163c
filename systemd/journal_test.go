// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2018 Canonical Ltd
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

package systemd_test

import (
	"log/syslog"
	"net"
	"path"

	. "gopkg.in/check.v1"

	. "github.com/chromiumos/session-manager/systemd"
)

type journalTestSuite struct {
	journalDir string
	restore    func()
}

var _ = Suite(&journalTestSuite{})

func (j *journalTestSuite) SetUpTest(c *C) {
	j.journalDir = c.MkDir()
	j.restore = MockJournalStdoutPath(path.Join(j.journalDir, "stdout"))
}

func (j *journalTestSuite) TearDownTest(c *C) {
	j.restore()
}

func (j *journalTestSuite) TestStreamFileErrorNoSocket(c *C) {
	jout, err := NewJournalStreamFile("foobar", syslog.LOG_INFO, false)
	c.Assert(err, ErrorMatches, ".*no such file or directory")
	c.Assert(jout, IsNil)
}

func (j *journalTestSuite) TestStreamFileHeader(c *C) {
	fakePath := path.Join(j.journalDir, "stdout")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: fakePath})
	c.Assert(err, IsNil)
	defer listener.Close()

	doneCh := make(chan struct{}, 1)

	go func() {
		defer func() { close(doneCh) }()

		// see https://github.com/systemd/systemd/blob/97a33b126c845327a3a19d6e66f05684823868fb/src/journal/journal-send.c#L424
		conn, err := listener.AcceptUnix()
		c.Assert(err, IsNil)
		defer conn.Close()

		expectedHdr := []byte("foobar\n\n6\n1\n0\n0\n0\n")
		hdrBuf := make([]byte, len(expectedHdr))
		hdrLen, err := conn.Read(hdrBuf)
		c.Assert(err, IsNil)
		c.Assert(hdrLen, Equals, len(expectedHdr))
		c.Check(hdrBuf, DeepEquals, expectedHdr)

		data := make([]byte, 4096)
		sz, err := conn.Read(data)
		c.Assert(err, IsNil)
		c.Assert(sz > 0, Equals, true)
		c.Check(data[0:sz], DeepEquals, []byte("hello from unit tests"))

		doneCh <- struct{}{}
	}()

	jout, err := NewJournalStreamFile("foobar", syslog.LOG_INFO, true)
	c.Assert(err, IsNil)
	c.Assert(jout, NotNil)
	defer jout.Close()

	_, err = jout.WriteString("hello from unit tests")
	c.Assert(err, IsNil)

	<-doneCh
}
