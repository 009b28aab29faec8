package nfc

import "strings"

// StateMask is a raw reader state bitmask. Bit values follow the PC/SC
// SCARD_STATE_* constants so masks from any driver can be compared directly.
type StateMask uint32

const (
	StateUnaware     StateMask = 0x0000
	StateIgnore      StateMask = 0x0001
	StateChanged     StateMask = 0x0002
	StateUnknown     StateMask = 0x0004
	StateUnavailable StateMask = 0x0008
	StateEmpty       StateMask = 0x0010
	StatePresent     StateMask = 0x0020
	StateAtrMatch    StateMask = 0x0040
	StateExclusive   StateMask = 0x0080
	StateInUse       StateMask = 0x0100
	StateMute        StateMask = 0x0200
)

// stateMaskBits is the low word of the mask; PC/SC keeps an event counter
// in the high word.
const stateMaskBits StateMask = 0xFFFF

var stateNames = []struct {
	bit  StateMask
	name string
}{
	{StateIgnore, "IGNORE"},
	{StateChanged, "CHANGED"},
	{StateUnknown, "UNKNOWN"},
	{StateUnavailable, "UNAVAILABLE"},
	{StateEmpty, "EMPTY"},
	{StatePresent, "PRESENT"},
	{StateAtrMatch, "ATRMATCH"},
	{StateExclusive, "EXCLUSIVE"},
	{StateInUse, "INUSE"},
	{StateMute, "MUTE"},
}

// Has reports whether all bits of flag are set.
func (m StateMask) Has(flag StateMask) bool {
	return m&flag == flag
}

// Bits strips the event counter and the CHANGED flag.
func (m StateMask) Bits() StateMask {
	return m & stateMaskBits &^ StateChanged
}

func (m StateMask) String() string {
	if m&stateMaskBits == StateUnaware {
		return "UNAWARE"
	}
	var parts []string
	for _, s := range stateNames {
		if m&s.bit != 0 {
			parts = append(parts, s.name)
		}
	}
	return strings.Join(parts, "|")
}
