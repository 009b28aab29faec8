package nfc

import "time"

// CardType is the card family established by the probe.
type CardType string

const (
	CardTypeUnknown  CardType = "unknown"
	CardTypeISO14443 CardType = "ISO14443"
	CardTypeFelica   CardType = "FeliCa"
)

// CardInfo describes the last card seen by the reader.
//
// A CardInfo is created on every insertion with only Detected, ATR and
// TimeDetected set. Probe steps fill in the rest; a failed step leaves its
// fields empty and never clears what an earlier step recorded.
type CardInfo struct {
	Detected     bool
	ATR          []byte
	TimeDetected time.Time
	Type         CardType
	UID          []byte // ISO14443 UID, nil unless the UID read succeeded
	IDm          []byte // FeliCa manufacture ID
	PMm          []byte // FeliCa manufacture parameters
}

// NewCardInfo creates the record for a freshly inserted card.
func NewCardInfo(atr []byte, at time.Time) *CardInfo {
	return &CardInfo{
		Detected:     true,
		ATR:          append([]byte(nil), atr...),
		TimeDetected: at,
		Type:         CardTypeUnknown,
	}
}

// Clone returns a deep copy.
func (c *CardInfo) Clone() *CardInfo {
	if c == nil {
		return nil
	}
	out := *c
	out.ATR = append([]byte(nil), c.ATR...)
	out.UID = cloneBytes(c.UID)
	out.IDm = cloneBytes(c.IDm)
	out.PMm = cloneBytes(c.PMm)
	return &out
}

// Merge copies the probe outcome into c. FeliCa wins over ISO14443 when
// both steps succeeded, matching the order the probe runs them in.
func (c *CardInfo) Merge(r ProbeResult) {
	if r.UIDOK {
		c.UID = cloneBytes(r.UID)
		c.Type = CardTypeISO14443
	}
	if r.FelicaOK {
		c.IDm = cloneBytes(r.IDm)
		c.PMm = cloneBytes(r.PMm)
		c.Type = CardTypeFelica
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
