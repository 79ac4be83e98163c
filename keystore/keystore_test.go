package keystore_test

import (
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/chromiumos/session-manager/capabilities"
	"github.com/chromiumos/session-manager/cryptocap"
	"github.com/chromiumos/session-manager/kind"
	"github.com/chromiumos/session-manager/keystore"
)

func Test(t *testing.T) { TestingT(t) }

type storeSuite struct {
	sys    *capabilities.Fake
	crypto *cryptocap.Fake
}

var _ = Suite(&storeSuite{})

const keyPath = "/var/lib/whitelist/pub"

func (s *storeSuite) SetUpTest(c *C) {
	s.sys = capabilities.NewFake(time.Unix(0, 0))
	s.crypto = &cryptocap.Fake{}
}

func (s *storeSuite) TestLoadFromDiskAbsentIsOk(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Check(store.HasCheckedDisk(), Equals, true)
	c.Check(store.Populated(), Equals, false)
}

func (s *storeSuite) TestPopulateRequiresCheckedDisk(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	err := store.PopulateFromBuffer([]byte("pub"))
	c.Assert(err, NotNil)
	c.Check(err.Kind, Equals, kind.NotCheckedDisk)
}

func (s *storeSuite) TestPopulateThenPersist(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Assert(store.PopulateFromBuffer([]byte("owner-pub")), IsNil)
	c.Assert(store.Persist(), IsNil)

	data, err := s.sys.ReadFile(keyPath)
	c.Assert(err, IsNil)
	c.Check(string(data), Equals, "owner-pub")
}

func (s *storeSuite) TestPersistRefusesToOverwriteWithoutReplace(c *C) {
	s.sys.WriteFileForTest(keyPath, []byte("existing"))
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)

	err := store.Persist()
	c.Assert(err, NotNil)
	c.Check(err.Kind, Equals, kind.IllegalPubKey)
}

func (s *storeSuite) TestRotateRequiresValidSignature(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Assert(store.PopulateFromBuffer([]byte("old-pub")), IsNil)

	err := store.Rotate([]byte("new-pub"), []byte("bogus-signature"))
	c.Assert(err, NotNil)
	c.Check(err.Kind, Equals, kind.VerifySignature)

	goodSig := append(append([]byte{}, []byte("old-pub")...), []byte("new-pub")...)
	c.Assert(store.Rotate([]byte("new-pub"), goodSig), IsNil)
	c.Check(store.PublicKeyDER(), DeepEquals, []byte("new-pub"))
}

func (s *storeSuite) TestClobberRejectedWhenNotMitigating(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Assert(store.PopulateFromBuffer([]byte("old-pub")), IsNil)

	err := store.ClobberCompromisedKey([]byte("new-pub"), false)
	c.Assert(err, NotNil)
	c.Check(err.Kind, Equals, kind.IllegalPubKey)
	c.Check(store.PublicKeyDER(), DeepEquals, []byte("old-pub"))
}

func (s *storeSuite) TestClobberAllowedWhenMitigating(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Assert(store.PopulateFromBuffer([]byte("old-pub")), IsNil)

	c.Assert(store.ClobberCompromisedKey([]byte("new-pub"), true), IsNil)
	c.Check(store.PublicKeyDER(), DeepEquals, []byte("new-pub"))
}

func (s *storeSuite) TestSignBorrowsSlotKey(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Assert(store.PopulateFromBuffer([]byte("owner-pub")), IsNil)

	slot := &keystore.FakeSlot{PubDER: []byte("owner-pub")}
	sig, err := store.Sign([]byte("payload"), slot)
	c.Assert(err, IsNil)
	c.Assert(store.Verify([]byte("payload"), sig), IsNil)
}

func (s *storeSuite) TestSignFailsWhenSlotHasNoMatchingKey(c *C) {
	store := keystore.New(s.sys, s.crypto, keyPath)
	c.Assert(store.LoadFromDiskIfPossible(), IsNil)
	c.Assert(store.PopulateFromBuffer([]byte("owner-pub")), IsNil)

	slot := &keystore.FakeSlot{PubDER: []byte("other-pub")}
	_, err := store.Sign([]byte("payload"), slot)
	c.Assert(err, NotNil)
	c.Check(err.Kind, Equals, kind.NoOwnerKey)
}
