package lifecycle

import (
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

var (
	testTime   = time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	uidHex     = nfc.BytesToHex(nfc.GetUIDAPDU())
	pollingHex = nfc.BytesToHex(nfc.FelicaPollingAPDU())
	testATR    = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F}
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// syncLoop runs posted work on the calling goroutine, draining the queue
// in order. Timers come from a FakeClock and Go runs work inline.
type syncLoop struct {
	clock    *nfc.FakeClock
	queue    []func()
	draining bool
}

func newSyncLoop(clock *nfc.FakeClock) *syncLoop {
	return &syncLoop{clock: clock}
}

func (l *syncLoop) Post(fn func()) {
	l.queue = append(l.queue, fn)
	if l.draining {
		return
	}
	l.draining = true
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		next()
	}
	l.draining = false
}

func (l *syncLoop) AfterFunc(d time.Duration, fn func()) nfc.Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

func (l *syncLoop) Go(work func(), then func()) {
	work()
	l.Post(then)
}

func (l *syncLoop) Now() time.Time {
	return l.clock.Now()
}

// recordingNotifier keeps everything the publisher emits.
type recordingNotifier struct {
	mu       sync.Mutex
	statuses []protocol.StatusUpdatePayload
	messages []protocol.SystemMessagePayload
	tips     []protocol.ServiceRestartTipPayload
}

func (r *recordingNotifier) StatusUpdate(s protocol.StatusUpdatePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingNotifier) SystemMessage(m protocol.SystemMessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recordingNotifier) ServiceRestartTip(t protocol.ServiceRestartTipPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tips = append(r.tips, t)
}

func (r *recordingNotifier) lastStatus() (protocol.StatusUpdatePayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return protocol.StatusUpdatePayload{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

// findMessage returns the first message of the given severity containing text.
func (r *recordingNotifier) findMessage(sev protocol.Severity, text string) (protocol.SystemMessagePayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Type == sev && strings.Contains(m.Message, text) {
			return m, true
		}
	}
	return protocol.SystemMessagePayload{}, false
}

func (r *recordingNotifier) tipCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tips)
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = nil
	r.messages = nil
	r.tips = nil
}

// harness wires a session, supervisor and watchdog on a syncLoop.
type harness struct {
	clock    *nfc.FakeClock
	loop     *syncLoop
	driver   *nfc.MockDriver
	pub      *Publisher
	session  *Session
	sup      *Supervisor
	watchdog *Watchdog
	rec      *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  nfc.NewFakeClock(testTime),
		driver: nfc.NewMockDriver(),
		rec:    &recordingNotifier{},
	}
	h.loop = newSyncLoop(h.clock)
	h.pub = NewPublisher(quietLogger())
	h.pub.AddNotifier(h.rec)
	h.session = NewSession(h.driver, h.loop, h.pub, nfc.NewProber(quietLogger()), quietLogger())

	cfg := DefaultSupervisorConfig()
	cfg.RestartTip = "restart pcscd"
	h.sup = NewSupervisor(cfg, h.loop, h.session, h.pub, quietLogger())
	h.session.SetRecovery(h.sup)
	h.watchdog = NewWatchdog(DefaultWatchdogInterval, h.loop, h.pub, h.session, h.sup, quietLogger())
	return h
}

func (h *harness) boot() {
	h.loop.Post(h.sup.Boot)
}

func (h *harness) post(fn func()) {
	h.loop.Post(fn)
}

// newCardReader returns a reader answering the UID read with uid.
func newCardReader(name string, uid []byte) *nfc.MockReader {
	r := nfc.NewMockReader(name)
	r.Responses[uidHex] = append(append([]byte(nil), uid...), 0x90, 0x00)
	r.Responses[pollingHex] = []byte{0x6A, 0x81}
	return r
}

func felicaResponse() []byte {
	resp := []byte{0x14, 0x01}
	resp = append(resp, 0x01, 0x2E, 0x4C, 0xD3, 0x8A, 0x1B, 0x22, 0x33)
	resp = append(resp, 0x10, 0x0B, 0x4B, 0x42, 0x84, 0x85, 0xD0, 0xFF)
	return append(resp, 0x90, 0x00)
}
