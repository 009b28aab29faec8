package nfc

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		prev StateMask
		next StateMask
		want CardEvent
	}{
		{"unchanged empty", StateEmpty, StateEmpty, CardNone},
		{"unchanged present", StatePresent | StateInUse, StatePresent | StateInUse, CardNone},
		{"first status with card", StateUnaware, StatePresent, CardInserted},
		{"first status without card", StateUnaware, StateEmpty, CardRemoved},
		{"insert", StateEmpty, StatePresent, CardInserted},
		{"insert with extra bits", StateEmpty, StatePresent | StateInUse | StateExclusive, CardInserted},
		{"remove", StatePresent, StateEmpty, CardRemoved},
		{"remove from in use", StatePresent | StateInUse, StateEmpty, CardRemoved},
		{"in use toggles only", StatePresent, StatePresent | StateInUse, CardNone},
		{"present bit cleared without empty", StatePresent, StateMute, CardNone},
		{"mute only", StateEmpty, StateEmpty | StateMute, CardNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.prev, tt.next); got != tt.want {
				t.Errorf("Classify(%s, %s) = %s, want %s", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestClassify_EqualMasksAreNoop(t *testing.T) {
	for m := StateMask(0); m < 0x400; m++ {
		if got := Classify(m, m); got != CardNone {
			t.Fatalf("Classify(%#x, %#x) = %s, want none", m, m, got)
		}
	}
}

func TestClassify_OnlyPresentOrEmptyBit(t *testing.T) {
	for base := StateMask(0); base < 0x400; base++ {
		prev := base &^ StatePresent
		if got := Classify(prev, prev|StatePresent); got != CardInserted {
			t.Fatalf("setting present on %#x gave %s", prev, got)
		}

		prev = base &^ (StateEmpty | StatePresent)
		if got := Classify(prev, prev|StateEmpty); got != CardRemoved {
			t.Fatalf("setting empty on %#x gave %s", prev, got)
		}
	}
}

func TestStateMask_String(t *testing.T) {
	if got := StateUnaware.String(); got != "UNAWARE" {
		t.Errorf("String() = %q", got)
	}
	if got := (StatePresent | StateInUse).String(); got != "PRESENT|INUSE" {
		t.Errorf("String() = %q", got)
	}
}

func TestStateMask_Bits(t *testing.T) {
	raw := StateMask(0x00030000) | StateChanged | StatePresent
	if got := raw.Bits(); got != StatePresent {
		t.Errorf("Bits() = %s, want PRESENT", got)
	}
}
