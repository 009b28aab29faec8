package nfc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// pnpNotification is the PC/SC pseudo reader that reports reader
// arrival and removal.
const pnpNotification = `\\?PnP?\Notification`

// DefaultPollTimeout bounds each GetStatusChange wait so the monitor can
// notice shutdown and readers that the PnP notification missed.
const DefaultPollTimeout = 500 * time.Millisecond

// PCSCDriver implements Driver using PC/SC via ebfe/scard
type PCSCDriver struct {
	// ReaderFilter, if set, limits attached readers to names containing it
	ReaderFilter string

	// PollTimeout is the GetStatusChange timeout per monitor iteration
	PollTimeout time.Duration

	Logger *log.Logger
}

// NewPCSCDriver creates a PC/SC driver.
func NewPCSCDriver(readerFilter string, logger *log.Logger) *PCSCDriver {
	if logger == nil {
		logger = log.New(os.Stderr, "[pcsc] ", log.LstdFlags)
	}
	return &PCSCDriver{
		ReaderFilter: readerFilter,
		PollTimeout:  DefaultPollTimeout,
		Logger:       logger,
	}
}

func (d *PCSCDriver) Name() string {
	return "pcsc"
}

// Open establishes a PC/SC context and starts the monitor goroutine.
func (d *PCSCDriver) Open(sink EventSink) (Subsystem, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, mapSCardError("EstablishContext", err)
	}

	// Probe the service once so a dead pcscd fails Open instead of the monitor
	if _, err := ctx.ListReaders(); err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
		ctx.Release()
		return nil, mapSCardError("ListReaders", err)
	}

	s := &pcscSubsystem{
		driver:  d,
		ctx:     ctx,
		sink:    sink,
		readers: make(map[string]*pcscReader),
		states:  make(map[string]scard.StateFlag),
		done:    make(chan struct{}),
	}
	go s.monitor()
	return s, nil
}

// pcscSubsystem is one PC/SC context plus its monitor goroutine.
type pcscSubsystem struct {
	driver *PCSCDriver
	ctx    *scard.Context
	sink   EventSink

	// owned by the monitor goroutine
	readers  map[string]*pcscReader
	states   map[string]scard.StateFlag
	pnpState scard.StateFlag

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	stopping  bool
}

func (s *pcscSubsystem) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Close cancels the blocking status wait, waits for the monitor to exit and
// releases the context.
func (s *pcscSubsystem) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		if cerr := s.ctx.Cancel(); cerr != nil && !errors.Is(cerr, scard.ErrInvalidHandle) {
			s.driver.Logger.Printf("Cancel error: %v", cerr)
		}

		select {
		case <-s.done:
		case <-time.After(2 * s.driver.PollTimeout):
			s.driver.Logger.Printf("Monitor did not stop in time, releasing context anyway")
		}

		if rerr := s.ctx.Release(); rerr != nil {
			err = mapSCardError("Release", rerr)
		}
	})
	return err
}

func (s *pcscSubsystem) emit(ev Event) {
	if s.isStopping() {
		return
	}
	s.sink(ev)
}

func (s *pcscSubsystem) monitor() {
	defer close(s.done)

	pnp := true
	for !s.isStopping() {
		if err := s.syncReaders(); err != nil {
			s.emit(Event{Kind: EventSubsystemError, Err: err})
			if IsFatal(err) {
				return
			}
		}

		rs := s.readerStates(pnp)
		err := s.ctx.GetStatusChange(rs, s.driver.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			return
		case errors.Is(err, scard.ErrUnknownReader) && pnp:
			// No PnP support on this stack, fall back to list polling
			s.driver.Logger.Printf("PnP notification unsupported, polling reader list")
			pnp = false
			continue
		case errors.Is(err, scard.ErrUnknownReader), errors.Is(err, scard.ErrReaderUnavailable):
			// A reader vanished mid-wait; the next syncReaders detaches it
			continue
		default:
			mapped := mapSCardError("GetStatusChange", err)
			s.emit(Event{Kind: EventSubsystemError, Err: mapped})
			if IsFatal(mapped) {
				return
			}
			continue
		}

		for _, st := range rs {
			if st.Reader == pnpNotification {
				s.pnpState = st.EventState &^ scard.StateChanged
				continue
			}
			s.applyState(st)
		}
	}
}

// readerStates builds the wait list: every known reader with its last
// seen state, plus the PnP pseudo reader.
func (s *pcscSubsystem) readerStates(pnp bool) []scard.ReaderState {
	names := make([]string, 0, len(s.readers))
	for name := range s.readers {
		names = append(names, name)
	}
	sort.Strings(names)

	rs := make([]scard.ReaderState, 0, len(names)+1)
	for _, name := range names {
		rs = append(rs, scard.ReaderState{Reader: name, CurrentState: s.states[name]})
	}
	if pnp {
		rs = append(rs, scard.ReaderState{Reader: pnpNotification, CurrentState: s.pnpState})
	}
	return rs
}

func (s *pcscSubsystem) applyState(st scard.ReaderState) {
	r, ok := s.readers[st.Reader]
	if !ok || st.EventState&scard.StateChanged == 0 {
		return
	}
	s.states[st.Reader] = st.EventState &^ scard.StateChanged

	mask := StateMask(st.EventState).Bits()
	if mask&(StateUnknown|StateIgnore) != 0 {
		// Reader is gone; syncReaders reports the detach
		return
	}
	s.emit(Event{
		Kind:   EventReaderStatus,
		Reader: r,
		State:  mask,
		ATR:    append([]byte(nil), st.Atr...),
	})
}

// syncReaders diffs the current reader list against the known set and
// emits attach/detach events.
func (s *pcscSubsystem) syncReaders() error {
	listed, err := s.ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			listed = nil
		} else {
			return mapSCardError("ListReaders", err)
		}
	}
	listed = FilterReaders(listed, s.driver.ReaderFilter)

	known := make([]string, 0, len(s.readers))
	for name := range s.readers {
		known = append(known, name)
	}
	added, removed := DiffReaders(known, listed)

	for _, name := range removed {
		r := s.readers[name]
		delete(s.readers, name)
		delete(s.states, name)
		s.driver.Logger.Printf("Reader removed: %s", name)
		s.emit(Event{Kind: EventReaderDetached, Reader: r})
	}
	for _, name := range added {
		r := &pcscReader{name: name, logger: s.driver.Logger}
		s.readers[name] = r
		s.states[name] = scard.StateUnaware
		s.driver.Logger.Printf("Reader found: %s", name)
		s.emit(Event{Kind: EventReaderAttached, Reader: r})
	}
	return nil
}

// FilterReaders drops SAM slots and, when filter is set, readers whose
// name does not contain it (case-insensitive).
func FilterReaders(readers []string, filter string) []string {
	var filtered []string
	want := strings.ToLower(filter)
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		if want != "" && !strings.Contains(strings.ToLower(r), want) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}

// DiffReaders returns the names in listed but not known, and in known but
// not listed, both sorted.
func DiffReaders(known, listed []string) (added, removed []string) {
	inKnown := make(map[string]bool, len(known))
	for _, k := range known {
		inKnown[k] = true
	}
	inListed := make(map[string]bool, len(listed))
	for _, l := range listed {
		inListed[l] = true
		if !inKnown[l] {
			added = append(added, l)
		}
	}
	for _, k := range known {
		if !inListed[k] {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// pcscReader implements Reader. Each card session gets its own context so
// blocking card I/O never contends with the monitor's status wait.
type pcscReader struct {
	name   string
	logger *log.Logger

	mu      sync.Mutex
	cardCtx *scard.Context
	card    *scard.Card
}

func (r *pcscReader) Name() string {
	return r.name
}

func (r *pcscReader) Connect(mode ShareMode) (Protocol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card != nil {
		return ProtocolUndefined, fmt.Errorf("card session already open on %s", r.name)
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return ProtocolUndefined, mapSCardError("EstablishContext", err)
	}
	card, err := ctx.Connect(r.name, scard.ShareMode(mode), scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return ProtocolUndefined, mapSCardError("Connect", err)
	}

	r.cardCtx = ctx
	r.card = card
	return Protocol(card.ActiveProtocol()), nil
}

func (r *pcscReader) Transmit(cmd []byte, maxLen int, proto Protocol) ([]byte, error) {
	r.mu.Lock()
	card := r.card
	r.mu.Unlock()

	if card == nil {
		return nil, fmt.Errorf("no card session on %s", r.name)
	}
	resp, err := card.Transmit(cmd)
	if err != nil {
		return nil, mapSCardError("Transmit", err)
	}
	if maxLen > 0 && len(resp) > maxLen {
		resp = resp[:maxLen]
	}
	return resp, nil
}

func (r *pcscReader) Disconnect(d Disposition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card == nil {
		return nil
	}
	err := r.card.Disconnect(scard.Disposition(d))
	if rerr := r.cardCtx.Release(); rerr != nil {
		r.logger.Printf("Card context release error: %v", rerr)
	}
	r.card = nil
	r.cardCtx = nil
	if err != nil {
		return mapSCardError("Disconnect", err)
	}
	return nil
}

func (r *pcscReader) Close() error {
	return r.Disconnect(LeaveCard)
}

// scardCodeNames gives the SCARD_* names used in messages so that log
// lines and observer notices carry the familiar identifiers.
var scardCodeNames = map[scard.Error]string{
	scard.ErrCancelled:          "SCARD_E_CANCELLED",
	scard.ErrTimeout:            "SCARD_E_TIMEOUT",
	scard.ErrNoService:          "SCARD_E_NO_SERVICE",
	scard.ErrServiceStopped:     "SCARD_E_SERVICE_STOPPED",
	scard.ErrNoReadersAvailable: "SCARD_E_NO_READERS_AVAILABLE",
	scard.ErrUnknownReader:      "SCARD_E_UNKNOWN_READER",
	scard.ErrReaderUnavailable:  "SCARD_E_READER_UNAVAILABLE",
	scard.ErrNoSmartcard:        "SCARD_E_NO_SMARTCARD",
	scard.ErrSharingViolation:   "SCARD_E_SHARING_VIOLATION",
	scard.ErrInvalidHandle:      "SCARD_E_INVALID_HANDLE",
}

// mapSCardError converts a scard error into an NFCError whose code and
// message identify the failure class.
func mapSCardError(op string, err error) error {
	var code scard.Error
	if !errors.As(err, &code) {
		return WrapError(ErrCodeSubsystem, op, "pcsc error", err)
	}

	name, ok := scardCodeNames[code]
	if !ok {
		name = fmt.Sprintf("SCARD_0x%08X", uint32(code))
	}

	switch code {
	case scard.ErrNoService, scard.ErrServiceStopped:
		return &NFCError{Code: ErrCodeServiceUnavailable, Op: op, Message: name + ": smart card service not available", Cause: err}
	case scard.ErrTimeout:
		return &NFCError{Code: ErrCodeTimeout, Op: op, Message: name + ": timeout", Cause: err}
	case scard.ErrCancelled:
		return &NFCError{Code: ErrCodeCancelled, Op: op, Message: name, Cause: err}
	case scard.ErrNoReadersAvailable, scard.ErrUnknownReader, scard.ErrReaderUnavailable:
		return &NFCError{Code: ErrCodeNoReader, Op: op, Message: name, Cause: err}
	case scard.ErrNoSmartcard:
		return &NFCError{Code: ErrCodeNoCard, Op: op, Message: name, Cause: err}
	default:
		return &NFCError{Code: ErrCodeSubsystem, Op: op, Message: name, Cause: err}
	}
}
