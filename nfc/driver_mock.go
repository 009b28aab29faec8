package nfc

import (
	"fmt"
	"sync"
)

// MockDriver is a test implementation of Driver that simulates a reader
// subsystem without hardware.
//
// Example:
//
//	drv := NewMockDriver()
//	drv.OpenErrors = []error{errors.New("SCARD_E_NO_SERVICE")}
//	sub, err := drv.Open(sink) // fails once, then succeeds
//	drv.Attach(NewMockReader("ACS ACR122U"))
type MockDriver struct {
	// OpenErrors are returned by successive Open calls before Open succeeds.
	OpenErrors []error

	// OpenError, if set, is returned by every Open call once OpenErrors is drained.
	OpenError error

	// OpenPanic, if set, makes Open panic with this value.
	OpenPanic any

	// CloseError, if set, is returned by MockSubsystem.Close.
	CloseError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	sink      EventSink
	current   *MockSubsystem
	openCount int
	mu        sync.Mutex
}

// NewMockDriver creates a new MockDriver with default values.
func NewMockDriver() *MockDriver {
	return &MockDriver{CallLog: make([]string, 0)}
}

func (m *MockDriver) Name() string {
	return "mock"
}

// Open simulates establishing a subsystem connection.
func (m *MockDriver) Open(sink EventSink) (Subsystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openCount++
	m.CallLog = append(m.CallLog, "Open")

	if m.OpenPanic != nil {
		panic(m.OpenPanic)
	}
	if len(m.OpenErrors) > 0 {
		err := m.OpenErrors[0]
		m.OpenErrors = m.OpenErrors[1:]
		return nil, err
	}
	if m.OpenError != nil {
		return nil, m.OpenError
	}

	m.sink = sink
	m.current = &MockSubsystem{driver: m, id: m.openCount}
	return m.current, nil
}

// OpenCount returns how many times Open was called.
func (m *MockDriver) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}

// Calls returns a copy of the call log.
func (m *MockDriver) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// Current returns the last opened subsystem, or nil if it was closed.
func (m *MockDriver) Current() *MockSubsystem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.closed {
		return nil
	}
	return m.current
}

// Emit delivers an event through the sink of the last opened subsystem.
func (m *MockDriver) Emit(ev Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Attach emits a reader-attached event.
func (m *MockDriver) Attach(r Reader) {
	m.Emit(Event{Kind: EventReaderAttached, Reader: r})
}

// Status emits a reader status event.
func (m *MockDriver) Status(r Reader, state StateMask, atr []byte) {
	m.Emit(Event{Kind: EventReaderStatus, Reader: r, State: state, ATR: atr})
}

// Detach emits a reader-detached event.
func (m *MockDriver) Detach(r Reader) {
	m.Emit(Event{Kind: EventReaderDetached, Reader: r})
}

// ReaderError emits a reader error event.
func (m *MockDriver) ReaderError(r Reader, err error) {
	m.Emit(Event{Kind: EventReaderError, Reader: r, Err: err})
}

// SubsystemError emits a subsystem error event.
func (m *MockDriver) SubsystemError(err error) {
	m.Emit(Event{Kind: EventSubsystemError, Err: err})
}

// MockSubsystem is the handle returned by MockDriver.Open.
type MockSubsystem struct {
	driver *MockDriver
	id     int
	closed bool
}

// Close simulates closing the subsystem connection.
func (s *MockSubsystem) Close() error {
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()

	s.driver.CallLog = append(s.driver.CallLog, fmt.Sprintf("Close#%d", s.id))
	if s.closed {
		return fmt.Errorf("subsystem already closed")
	}
	s.closed = true
	return s.driver.CloseError
}

// MockReader is a test implementation of Reader.
type MockReader struct {
	// ReaderName is returned by Name()
	ReaderName string

	// Proto is returned by a successful Connect
	Proto Protocol

	// ConnectError, if set, will be returned by Connect()
	ConnectError error

	// TransmitFunc allows custom transmit behavior for testing.
	// If nil, responses are looked up in Responses by hex command.
	TransmitFunc func(cmd []byte) ([]byte, error)

	// Responses maps hex encoded commands to responses.
	Responses map[string][]byte

	// TransmitErrors maps hex encoded commands to errors.
	TransmitErrors map[string]error

	// DisconnectError, if set, will be returned by Disconnect()
	DisconnectError error

	// CloseError, if set, will be returned by Close()
	CloseError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	mu sync.Mutex
}

// NewMockReader creates a new MockReader with default values.
func NewMockReader(name string) *MockReader {
	return &MockReader{
		ReaderName:     name,
		Proto:          ProtocolT1,
		Responses:      make(map[string][]byte),
		TransmitErrors: make(map[string]error),
		CallLog:        make([]string, 0),
	}
}

func (m *MockReader) Name() string {
	return m.ReaderName
}

// Connect simulates opening a card session.
func (m *MockReader) Connect(mode ShareMode) (Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("Connect(%d)", mode))
	if m.ConnectError != nil {
		return ProtocolUndefined, m.ConnectError
	}
	return m.Proto, nil
}

// Transmit simulates sending a command to the card.
func (m *MockReader) Transmit(cmd []byte, maxLen int, proto Protocol) ([]byte, error) {
	m.mu.Lock()
	key := BytesToHex(cmd)
	m.CallLog = append(m.CallLog, "Transmit("+key+")")
	fn := m.TransmitFunc
	resp, hasResp := m.Responses[key]
	err := m.TransmitErrors[key]
	m.mu.Unlock()

	if fn != nil {
		return fn(cmd)
	}
	if err != nil {
		return nil, err
	}
	if !hasResp {
		return nil, fmt.Errorf("no response for %s", key)
	}
	if len(resp) > maxLen {
		resp = resp[:maxLen]
	}
	return append([]byte(nil), resp...), nil
}

// Disconnect simulates releasing the card session.
func (m *MockReader) Disconnect(d Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("Disconnect(%d)", d))
	return m.DisconnectError
}

// Close simulates releasing the reader handle.
func (m *MockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Close")
	return m.CloseError
}

// Calls returns a copy of the call log.
func (m *MockReader) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CountCalls returns how many logged calls start with prefix.
func (m *MockReader) CountCalls(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.CallLog {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
