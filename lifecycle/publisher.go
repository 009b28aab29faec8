package lifecycle

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// unnamedReader stands in when a driver reports a reader without a name,
// so a connected reader always has a non-empty name.
const unnamedReader = "Unknown reader"

// Notifier receives everything the publisher emits. Implementations are
// called from the loop goroutine and must not block it.
type Notifier interface {
	StatusUpdate(status protocol.StatusUpdatePayload)
	SystemMessage(msg protocol.SystemMessagePayload)
	ServiceRestartTip(tip protocol.ServiceRestartTipPayload)
}

// ReaderState is the observable reader snapshot.
//
// ReaderName is non-empty exactly when ReaderConnected is true.
// LastCardInfo survives card removal.
type ReaderState struct {
	ReaderConnected bool
	ReaderName      string
	CardPresent     bool
	LastCardInfo    *nfc.CardInfo
}

// Payload converts the state to its wire form.
func (s ReaderState) Payload() protocol.StatusUpdatePayload {
	p := protocol.StatusUpdatePayload{
		ReaderConnected: s.ReaderConnected,
		ReaderName:      s.ReaderName,
		CardPresent:     s.CardPresent,
	}
	if c := s.LastCardInfo; c != nil {
		p.LastCardInfo = &protocol.CardInfoPayload{
			Detected:     c.Detected,
			ATR:          nfc.BytesToHex(c.ATR),
			TimeDetected: c.TimeDetected.Format(time.RFC3339),
			Type:         string(c.Type),
			UID:          nfc.BytesToHex(c.UID),
			IDm:          nfc.BytesToHex(c.IDm),
			PMm:          nfc.BytesToHex(c.PMm),
		}
	}
	return p
}

// Publisher is the only writer of ReaderState. Every mutation publishes a
// full snapshot to all notifiers. Mutating methods must be called on the
// loop goroutine.
type Publisher struct {
	Logger *log.Logger

	state   ReaderState
	cardSeq uint64

	notifiersMu sync.RWMutex
	notifiers   []Notifier
}

// NewPublisher creates a publisher with an empty state.
func NewPublisher(logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(os.Stderr, "[publisher] ", log.LstdFlags)
	}
	return &Publisher{Logger: logger}
}

// AddNotifier registers n. Safe to call from any goroutine.
func (p *Publisher) AddNotifier(n Notifier) {
	p.notifiersMu.Lock()
	defer p.notifiersMu.Unlock()
	p.notifiers = append(p.notifiers, n)
}

func (p *Publisher) each(fn func(Notifier)) {
	p.notifiersMu.RLock()
	ns := append([]Notifier(nil), p.notifiers...)
	p.notifiersMu.RUnlock()
	for _, n := range ns {
		fn(n)
	}
}

// State returns a copy of the current snapshot.
func (p *Publisher) State() ReaderState {
	s := p.state
	s.LastCardInfo = p.state.LastCardInfo.Clone()
	return s
}

func (p *Publisher) publish() {
	metrics.ReaderConnected.Set(metrics.Bool(p.state.ReaderConnected))
	metrics.CardPresent.Set(metrics.Bool(p.state.CardPresent))

	payload := p.state.Payload()
	p.each(func(n Notifier) { n.StatusUpdate(payload) })
}

// Publish re-sends the current snapshot without changing it.
func (p *Publisher) Publish() {
	p.publish()
}

// ReaderAttached marks name as the connected reader.
func (p *Publisher) ReaderAttached(name string) {
	if name == "" {
		name = unnamedReader
	}
	p.state.ReaderConnected = true
	p.state.ReaderName = name
	p.publish()
}

// ReaderDetached clears the reader and card flags.
func (p *Publisher) ReaderDetached() {
	p.clear()
	p.publish()
}

// ClearReader clears the published reader and card flags ahead of a
// subsystem rebuild. The last card is kept.
func (p *Publisher) ClearReader() {
	p.clear()
	p.publish()
}

func (p *Publisher) clear() {
	p.state.ReaderConnected = false
	p.state.ReaderName = ""
	p.state.CardPresent = false
}

// CardInserted records a new card and returns its sequence number, used
// to match the probe result to this insertion.
func (p *Publisher) CardInserted(atr []byte, at time.Time) uint64 {
	p.cardSeq++
	p.state.CardPresent = true
	p.state.LastCardInfo = nfc.NewCardInfo(atr, at)
	metrics.CardsDetected.Inc()
	p.publish()
	return p.cardSeq
}

// CardRemoved clears the present flag and keeps the last card.
func (p *Publisher) CardRemoved() {
	p.state.CardPresent = false
	p.publish()
}

// ApplyProbe merges a probe result into the card it was started for. A
// result for an older insertion is dropped.
func (p *Publisher) ApplyProbe(seq uint64, r nfc.ProbeResult) bool {
	recordProbe(r)
	if seq != p.cardSeq || p.state.LastCardInfo == nil {
		p.Logger.Printf("Dropping probe result for card #%d, current is #%d", seq, p.cardSeq)
		return false
	}
	p.state.LastCardInfo.Merge(r)
	p.publish()
	return true
}

func recordProbe(r nfc.ProbeResult) {
	if r.ConnectErr != nil {
		metrics.ProbeSteps.WithLabelValues("connect", "error").Inc()
		return
	}
	metrics.ProbeSteps.WithLabelValues("uid", result(r.UIDOK)).Inc()
	metrics.ProbeSteps.WithLabelValues("felica", result(r.FelicaOK)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// Notify sends a one-line advisory.
func (p *Publisher) Notify(message string, severity protocol.Severity) {
	p.Logger.Printf("[%s] %s", severity, message)
	msg := protocol.SystemMessagePayload{Message: message, Type: severity}
	p.each(func(n Notifier) { n.SystemMessage(msg) })
}

// RestartTip sends remediation guidance.
func (p *Publisher) RestartTip(message string) {
	tip := protocol.ServiceRestartTipPayload{Message: message}
	p.each(func(n Notifier) { n.ServiceRestartTip(tip) })
}
