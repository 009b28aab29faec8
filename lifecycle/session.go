package lifecycle

import (
	"fmt"
	"log"
	"os"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// Requester accepts recovery triggers.
type Requester interface {
	Request(t Trigger)
}

// Session owns the subsystem connection and the single active reader.
// All methods run on the loop goroutine.
type Session struct {
	Logger *log.Logger

	driver    nfc.Driver
	loop      Loop
	publisher *Publisher
	prober    *nfc.Prober
	recovery  Requester

	subsystem nfc.Subsystem
	reader    nfc.Reader
	lastState nfc.StateMask

	// generation increases on every Start and Stop; events carry the
	// generation they were emitted under and stale ones are dropped.
	generation uint64
}

// NewSession creates a session manager for driver.
func NewSession(driver nfc.Driver, loop Loop, publisher *Publisher, prober *nfc.Prober, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Session{
		Logger:    logger,
		driver:    driver,
		loop:      loop,
		publisher: publisher,
		prober:    prober,
	}
}

// SetRecovery wires the supervisor that fatal errors are reported to.
func (s *Session) SetRecovery(r Requester) {
	s.recovery = r
}

// HasReader reports whether a reader handle is held.
func (s *Session) HasReader() bool {
	return s.reader != nil
}

// Reader returns the active reader handle, or nil.
func (s *Session) Reader() nfc.Reader {
	return s.reader
}

// Start tears down any existing connection and opens a new one. Failures,
// including driver panics, are reported as false.
func (s *Session) Start() (ok bool) {
	s.Stop()

	s.generation++
	gen := s.generation

	defer func() {
		if r := recover(); r != nil {
			s.Logger.Printf("Driver %s panicked on open: %v", s.driver.Name(), r)
			ok = false
		}
	}()

	sub, err := s.driver.Open(func(ev nfc.Event) {
		s.loop.Post(func() {
			if gen != s.generation {
				return
			}
			s.HandleEvent(ev)
		})
	})
	if err != nil {
		s.Logger.Printf("Failed to open %s subsystem: %v", s.driver.Name(), err)
		return false
	}

	s.subsystem = sub
	s.Logger.Printf("%s subsystem started, waiting for readers", s.driver.Name())
	return true
}

// Stop releases the reader and the subsystem. Errors are logged and
// swallowed so teardown always completes.
func (s *Session) Stop() {
	s.generation++

	if s.reader != nil {
		s.closeQuietly("reader "+s.reader.Name(), s.reader.Close)
		s.reader = nil
		s.lastState = nfc.StateUnaware
	}
	if s.subsystem != nil {
		s.closeQuietly("subsystem", s.subsystem.Close)
		s.subsystem = nil
	}
}

func (s *Session) closeQuietly(what string, closeFn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Printf("Panic while closing %s: %v", what, r)
		}
	}()
	if err := closeFn(); err != nil {
		s.Logger.Printf("Error closing %s: %v", what, err)
	}
}

// HandleEvent reacts to one driver notification.
func (s *Session) HandleEvent(ev nfc.Event) {
	switch ev.Kind {
	case nfc.EventReaderAttached:
		s.onAttached(ev.Reader)
	case nfc.EventReaderStatus:
		s.onStatus(ev)
	case nfc.EventReaderDetached:
		s.onDetached(ev.Reader)
	case nfc.EventReaderError:
		s.onError("reader", ev.Err)
	case nfc.EventSubsystemError:
		s.onError("subsystem", ev.Err)
	default:
		s.Logger.Printf("Ignoring unknown event %s", ev.Kind)
	}
}

// onAttached takes the reader as the active one. Status, error and
// detach notifications for it arrive through the same sink.
func (s *Session) onAttached(r nfc.Reader) {
	if r == nil {
		return
	}
	if s.reader != nil && s.reader != r {
		s.Logger.Printf("Ignoring reader %s, already using %s", r.Name(), s.reader.Name())
		return
	}
	s.reader = r
	s.lastState = nfc.StateUnaware
	s.Logger.Printf("Reader connected: %s", r.Name())
	s.publisher.ReaderAttached(r.Name())
	s.publisher.Notify(fmt.Sprintf("Reader connected: %s", r.Name()), protocol.SeverityInfo)
}

func (s *Session) onStatus(ev nfc.Event) {
	if ev.Reader == nil || ev.Reader != s.reader {
		return
	}
	prev := s.lastState
	s.lastState = ev.State

	switch nfc.Classify(prev, ev.State) {
	case nfc.CardInserted:
		s.Logger.Printf("Card detected, ATR %s", nfc.BytesToHex(ev.ATR))
		seq := s.publisher.CardInserted(ev.ATR, s.loop.Now())
		s.probe(seq, s.reader)
	case nfc.CardRemoved:
		s.Logger.Printf("Card removed")
		s.publisher.CardRemoved()
	}
}

func (s *Session) probe(seq uint64, r nfc.Reader) {
	var result nfc.ProbeResult
	s.loop.Go(func() {
		result = s.prober.Probe(r)
	}, func() {
		s.publisher.ApplyProbe(seq, result)
	})
}

func (s *Session) onDetached(r nfc.Reader) {
	if r == nil || r != s.reader {
		return
	}
	name := r.Name()
	s.closeQuietly("reader "+name, r.Close)
	s.reader = nil
	s.lastState = nfc.StateUnaware
	s.Logger.Printf("Reader removed: %s", name)
	s.publisher.ReaderDetached()
	s.publisher.Notify(fmt.Sprintf("Reader disconnected: %s", name), protocol.SeverityWarning)
}

func (s *Session) onError(source string, err error) {
	if err == nil {
		return
	}
	label := "Reader error"
	if source == "subsystem" {
		label = "PC/SC error"
	}

	if nfc.IsFatal(err) {
		metrics.DriverErrors.WithLabelValues(source, "fatal").Inc()
		s.publisher.Notify(fmt.Sprintf("%s: %v", label, err), protocol.SeverityError)
		if s.recovery != nil {
			s.recovery.Request(TriggerFatal)
		}
		return
	}

	metrics.DriverErrors.WithLabelValues(source, "other").Inc()
	s.publisher.Notify(fmt.Sprintf("%s: %v", label, err), protocol.SeverityWarning)
}
