package nfc

// CardEvent is the semantic result of a reader state transition.
type CardEvent int

const (
	CardNone CardEvent = iota
	CardInserted
	CardRemoved
)

func (e CardEvent) String() string {
	switch e {
	case CardInserted:
		return "inserted"
	case CardRemoved:
		return "removed"
	default:
		return "none"
	}
}

// Classify turns a state transition into a card event. Only the present
// and empty bits are considered; at most one event is returned.
func Classify(prev, next StateMask) CardEvent {
	changed := prev ^ next
	if changed == 0 {
		return CardNone
	}
	if changed&StatePresent != 0 && next&StatePresent != 0 {
		return CardInserted
	}
	if changed&StateEmpty != 0 && next&StateEmpty != 0 {
		return CardRemoved
	}
	return CardNone
}
