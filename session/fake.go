package session

import "github.com/chromiumos/session-manager/keystore"

// FakeSlotOpener is an in-memory SlotOpener for tests: each normalized
// username is assigned a keystore.FakeSlot the first time it is opened,
// or OpenErr's entry is returned if one is configured for that user.
type FakeSlotOpener struct {
	Slots   map[string]keystore.Slot
	OpenErr map[string]error
}

func (f *FakeSlotOpener) OpenSlot(normalizedUsername string, uid uint32, incognito bool) (keystore.Slot, error) {
	if f.OpenErr != nil {
		if err := f.OpenErr[normalizedUsername]; err != nil {
			return nil, err
		}
	}
	if f.Slots == nil {
		f.Slots = map[string]keystore.Slot{}
	}
	if s, ok := f.Slots[normalizedUsername]; ok {
		return s, nil
	}
	s := &keystore.FakeSlot{UidForTest: uid}
	f.Slots[normalizedUsername] = s
	return s, nil
}
