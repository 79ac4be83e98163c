package keystore

import "bytes"

// FakeSlot is an in-memory Slot for tests. If PubDER is nil, the slot
// holds no private key and HasPrivateKeyFor always reports false.
type FakeSlot struct {
	PubDER  []byte
	SignFn  func(data []byte) ([]byte, error)
	Closed  bool
	UidForTest uint32
}

func (s *FakeSlot) Uid() uint32 { return s.UidForTest }

func (s *FakeSlot) HasPrivateKeyFor(pubDER []byte) (bool, error) {
	return s.PubDER != nil && bytes.Equal(s.PubDER, pubDER), nil
}

func (s *FakeSlot) Sign(data []byte) ([]byte, error) {
	if s.SignFn != nil {
		return s.SignFn(data)
	}
	sig := make([]byte, 0, len(s.PubDER)+len(data))
	sig = append(sig, s.PubDER...)
	sig = append(sig, data...)
	return sig, nil
}

func (s *FakeSlot) Close() error {
	s.Closed = true
	return nil
}
