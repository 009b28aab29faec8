package lifecycle

import (
	"log"
	"os"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// DefaultWatchdogInterval is the consistency check period.
const DefaultWatchdogInterval = 30 * time.Second

// ReaderHolder reports whether a reader handle is actually held.
type ReaderHolder interface {
	HasReader() bool
}

// Watchdog periodically checks that a published connected reader is
// backed by a real handle, since driver notifications can be lost.
type Watchdog struct {
	Logger *log.Logger

	interval  time.Duration
	loop      Loop
	publisher *Publisher
	holder    ReaderHolder
	recovery  Requester

	timer   nfc.Timer
	running bool
}

// NewWatchdog creates a stopped watchdog.
func NewWatchdog(interval time.Duration, loop Loop, publisher *Publisher, holder ReaderHolder, recovery Requester, logger *log.Logger) *Watchdog {
	if logger == nil {
		logger = log.New(os.Stderr, "[watchdog] ", log.LstdFlags)
	}
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		Logger:    logger,
		interval:  interval,
		loop:      loop,
		publisher: publisher,
		holder:    holder,
		recovery:  recovery,
	}
}

// Start schedules the first check.
func (w *Watchdog) Start() {
	if w.running {
		return
	}
	w.running = true
	w.arm()
}

// Stop cancels the next check.
func (w *Watchdog) Stop() {
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) arm() {
	w.timer = w.loop.AfterFunc(w.interval, func() {
		if !w.running {
			return
		}
		w.Check()
		w.arm()
	})
}

// Check runs one consistency check and reports whether it found the
// published state out of sync.
func (w *Watchdog) Check() bool {
	if !w.publisher.State().ReaderConnected || w.holder.HasReader() {
		return false
	}

	metrics.WatchdogDivergences.Inc()
	w.Logger.Printf("Reader published as connected but no reader handle is held")
	w.publisher.ClearReader()
	w.publisher.Notify("Reader state was out of sync, reinitializing", protocol.SeverityWarning)
	w.recovery.Request(TriggerWatchdog)
	return true
}
