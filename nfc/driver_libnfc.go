package nfc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/nfc/v2"
)

// DefaultLibNFCPollInterval is the delay between target polls.
const DefaultLibNFCPollInterval = 250 * time.Millisecond

// libnfcFailureLimit is the number of consecutive poll failures after which
// the device is considered lost.
const libnfcFailureLimit = 3

// LibNFCDriver implements Driver on top of libnfc. libnfc has no reader
// status notifications, so presence is derived by polling for ISO14443A
// and FeliCa targets, and the probe pseudo-APDUs are answered from the
// polled target data.
type LibNFCDriver struct {
	// Connstring selects the device; empty picks the first one libnfc finds
	Connstring string

	PollInterval time.Duration

	Logger *log.Logger
}

// NewLibNFCDriver creates a libnfc driver.
func NewLibNFCDriver(connstring string, logger *log.Logger) *LibNFCDriver {
	if logger == nil {
		logger = log.New(os.Stderr, "[libnfc] ", log.LstdFlags)
	}
	return &LibNFCDriver{
		Connstring:   connstring,
		PollInterval: DefaultLibNFCPollInterval,
		Logger:       logger,
	}
}

func (d *LibNFCDriver) Name() string {
	return "libnfc"
}

// Open opens the device, puts it in initiator mode and starts polling.
func (d *LibNFCDriver) Open(sink EventSink) (Subsystem, error) {
	dev, err := nfc.Open(d.Connstring)
	if err != nil {
		return nil, NewServiceUnavailableError("nfc.Open", err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, WrapError(ErrCodeSubsystem, "InitiatorInit", "failed to initialize initiator mode", err)
	}
	d.Logger.Printf("Opened %s (%s), libnfc %s", dev.String(), dev.Connection(), nfc.Version())

	s := &libnfcSubsystem{
		driver: d,
		dev:    dev,
		sink:   sink,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.reader = &libnfcReader{sub: s, name: dev.String()}
	go s.poll()
	return s, nil
}

type libnfcSubsystem struct {
	driver *LibNFCDriver
	sink   EventSink
	reader *libnfcReader

	devMu sync.Mutex
	dev   nfc.Device

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (s *libnfcSubsystem) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.devMu.Lock()
		err = s.dev.Close()
		s.devMu.Unlock()
	})
	return err
}

func (s *libnfcSubsystem) emit(ev Event) {
	select {
	case <-s.stop:
	default:
		s.sink(ev)
	}
}

func (s *libnfcSubsystem) poll() {
	defer close(s.done)

	s.emit(Event{Kind: EventReaderAttached, Reader: s.reader})

	var present bool
	failures := 0
	for {
		select {
		case <-s.stop:
			return
		case <-time.After(s.driver.PollInterval):
		}

		if s.reader.inSession() {
			continue
		}

		card, err := s.selectCard()
		if err != nil {
			failures++
			s.emit(Event{Kind: EventReaderError, Reader: s.reader, Err: err})
			if failures >= libnfcFailureLimit {
				s.emit(Event{Kind: EventReaderDetached, Reader: s.reader})
				s.emit(Event{Kind: EventSubsystemError, Err: NewServiceUnavailableError("poll", err)})
				return
			}
			continue
		}
		failures = 0

		s.reader.setCard(card)
		if (card != nil) == present {
			continue
		}
		present = card != nil

		ev := Event{Kind: EventReaderStatus, Reader: s.reader, State: StateEmpty}
		if present {
			ev.State = StatePresent
			ev.ATR = card.atr
		}
		s.emit(ev)
	}
}

// libnfcModulations are polled in order; the first target found wins.
var libnfcModulations = []nfc.Modulation{
	{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106},
	{Type: nfc.Felica, BaudRate: nfc.Nbr212},
	{Type: nfc.Felica, BaudRate: nfc.Nbr424},
}

func (s *libnfcSubsystem) selectCard() (*polledCard, error) {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	var lastErr error
	for _, mod := range libnfcModulations {
		targets, err := s.dev.InitiatorListPassiveTargets(mod)
		if err != nil {
			if isNoTargetError(err) {
				continue
			}
			lastErr = err
			continue
		}
		for _, t := range targets {
			if card := cardFromTarget(t); card != nil {
				return card, nil
			}
		}
	}
	return nil, lastErr
}

func (s *libnfcSubsystem) transceive(tx []byte) ([]byte, error) {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	rx := make([]byte, 262)
	n, err := s.dev.InitiatorTransceiveBytes(tx, rx, 0)
	if err != nil {
		return nil, err
	}
	return rx[:n], nil
}

func isNoTargetError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "no target")
}

// polledCard is the target data captured by the last poll.
type polledCard struct {
	kind CardType
	uid  []byte
	idm  []byte
	pmm  []byte
	atr  []byte
}

func cardFromTarget(t nfc.Target) *polledCard {
	switch tt := t.(type) {
	case *nfc.ISO14443aTarget:
		n := tt.UIDLen
		if n <= 0 || n > len(tt.UID) {
			return nil
		}
		return &polledCard{
			kind: CardTypeISO14443,
			uid:  append([]byte(nil), tt.UID[:n]...),
			atr:  SyntheticATR(ATRStandardISO14443A),
		}
	case *nfc.FelicaTarget:
		return &polledCard{
			kind: CardTypeFelica,
			uid:  append([]byte(nil), tt.ID[:]...),
			idm:  append([]byte(nil), tt.ID[:]...),
			pmm:  append([]byte(nil), tt.Pad[:]...),
			atr:  SyntheticATR(ATRStandardFelica),
		}
	default:
		return nil
	}
}

// PC/SC part 3 card standard bytes used in synthetic ATRs.
const (
	ATRStandardISO14443A byte = 0x03
	ATRStandardFelica    byte = 0x11
)

// SyntheticATR builds the PC/SC part 3 style ATR a PC/SC reader would
// report for a contactless storage card of the given standard.
func SyntheticATR(standard byte) []byte {
	atr := []byte{
		0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C,
		0xA0, 0x00, 0x00, 0x03, 0x06, // RID
		standard,
		0x00, 0x00, // card name
		0x00, 0x00, 0x00, 0x00, // RFU
	}
	var tck byte
	for _, b := range atr[1:] {
		tck ^= b
	}
	return append(atr, tck)
}

var swNotSupported = []byte{0x6A, 0x81}

// emulateAPDU answers the probe pseudo-APDUs from polled target data and
// passes anything else to the card.
func emulateAPDU(card *polledCard, cmd []byte, transceive func([]byte) ([]byte, error)) ([]byte, error) {
	if card == nil {
		return nil, errors.New("no card present")
	}
	switch {
	case IsUIDCommand(cmd):
		if len(card.uid) == 0 {
			return append([]byte(nil), swNotSupported...), nil
		}
		resp := append([]byte(nil), card.uid...)
		return append(resp, SW1Success, SW2Success), nil
	case IsFelicaPollingCommand(cmd):
		if card.kind != CardTypeFelica {
			return append([]byte(nil), swNotSupported...), nil
		}
		// length, polling response code, IDm, PMm
		resp := []byte{byte(2 + len(card.idm) + len(card.pmm)), 0x01}
		resp = append(resp, card.idm...)
		resp = append(resp, card.pmm...)
		return append(resp, SW1Success, SW2Success), nil
	default:
		return transceive(cmd)
	}
}

// libnfcReader is the single reader a libnfc device exposes.
type libnfcReader struct {
	sub  *libnfcSubsystem
	name string

	mu      sync.Mutex
	card    *polledCard
	session bool
}

func (r *libnfcReader) Name() string {
	return r.name
}

func (r *libnfcReader) setCard(c *polledCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = c
}

func (r *libnfcReader) inSession() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *libnfcReader) Connect(mode ShareMode) (Protocol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card == nil {
		return ProtocolUndefined, &NFCError{Code: ErrCodeNoCard, Op: "Connect", Reader: r.name, Message: "no card present"}
	}
	if r.session {
		return ProtocolUndefined, fmt.Errorf("card session already open on %s", r.name)
	}
	r.session = true
	return ProtocolT1, nil
}

func (r *libnfcReader) Transmit(cmd []byte, maxLen int, proto Protocol) ([]byte, error) {
	r.mu.Lock()
	card := r.card
	session := r.session
	r.mu.Unlock()

	if !session {
		return nil, fmt.Errorf("no card session on %s", r.name)
	}
	resp, err := emulateAPDU(card, cmd, r.sub.transceive)
	if err != nil {
		return nil, err
	}
	if maxLen > 0 && len(resp) > maxLen {
		resp = resp[:maxLen]
	}
	return resp, nil
}

func (r *libnfcReader) Disconnect(d Disposition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = false
	return nil
}

func (r *libnfcReader) Close() error {
	return r.Disconnect(LeaveCard)
}
