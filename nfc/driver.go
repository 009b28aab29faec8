package nfc

import "fmt"

// ShareMode selects how a card session is shared with other applications.
type ShareMode int

const (
	ShareExclusive ShareMode = 1
	ShareShared    ShareMode = 2
	ShareDirect    ShareMode = 3
)

// Disposition tells the reader what to do with the card on disconnect.
type Disposition int

const (
	LeaveCard   Disposition = 0
	ResetCard   Disposition = 1
	UnpowerCard Disposition = 2
	EjectCard   Disposition = 3
)

// Protocol is the transmission protocol negotiated on connect.
type Protocol int

const (
	ProtocolUndefined Protocol = 0
	ProtocolT0        Protocol = 1
	ProtocolT1        Protocol = 2
	ProtocolRaw       Protocol = 4
)

func (p Protocol) String() string {
	switch p {
	case ProtocolT0:
		return "T=0"
	case ProtocolT1:
		return "T=1"
	case ProtocolRaw:
		return "raw"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Driver opens connections to a card reader subsystem.
//
// Open delivers every subsystem and reader notification to sink. Sink may
// be called from any goroutine and must not block for long.
type Driver interface {
	Name() string
	Open(sink EventSink) (Subsystem, error)
}

// Subsystem is a live connection to the reader subsystem.
type Subsystem interface {
	Close() error
}

// Reader is an attached card reader.
type Reader interface {
	Name() string
	Connect(mode ShareMode) (Protocol, error)
	Transmit(cmd []byte, maxLen int, proto Protocol) ([]byte, error)
	Disconnect(d Disposition) error
	Close() error
}

// EventSink receives driver notifications.
type EventSink func(Event)

// EventKind identifies a driver notification.
type EventKind int

const (
	EventReaderAttached EventKind = iota
	EventSubsystemError
	EventReaderStatus
	EventReaderError
	EventReaderDetached
)

func (k EventKind) String() string {
	switch k {
	case EventReaderAttached:
		return "reader-attached"
	case EventSubsystemError:
		return "subsystem-error"
	case EventReaderStatus:
		return "reader-status"
	case EventReaderError:
		return "reader-error"
	case EventReaderDetached:
		return "reader-detached"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a single driver notification. Reader is nil for subsystem
// errors; State and ATR are only set for status events.
type Event struct {
	Kind   EventKind
	Reader Reader
	State  StateMask
	ATR    []byte
	Err    error
}

func (e Event) String() string {
	name := ""
	if e.Reader != nil {
		name = e.Reader.Name()
	}
	switch e.Kind {
	case EventReaderStatus:
		return fmt.Sprintf("%s %q state=%s atr=%s", e.Kind, name, e.State, BytesToHex(e.ATR))
	case EventSubsystemError, EventReaderError:
		return fmt.Sprintf("%s %q: %v", e.Kind, name, e.Err)
	default:
		return fmt.Sprintf("%s %q", e.Kind, name)
	}
}
