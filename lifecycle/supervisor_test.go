package lifecycle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

var errNoService = nfc.NewServiceUnavailableError("EstablishContext", errors.New("pcscd not running"))

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 3 * time.Second},
		{2, 4 * time.Second},
		{5, 7 * time.Second},
		{8, 10 * time.Second},
		{9, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	prev := BackoffDelay(0)
	for n := 1; n < 50; n++ {
		d := BackoffDelay(n)
		if d < prev {
			t.Fatalf("Backoff decreased at attempt %d: %s < %s", n, d, prev)
		}
		if d > DefaultMaxDelay {
			t.Fatalf("Backoff at attempt %d exceeds cap: %s", n, d)
		}
		prev = d
	}
}

func TestDefaultRestartTip(t *testing.T) {
	if tip := DefaultRestartTip("linux"); !strings.Contains(tip, "pcscd") {
		t.Errorf("Linux tip should mention pcscd: %s", tip)
	}
	if tip := DefaultRestartTip("windows"); !strings.Contains(tip, "SCardSvr") {
		t.Errorf("Windows tip should mention SCardSvr: %s", tip)
	}
}

// TestSupervisor_BootFailure tests that a failed initial start enters recovery
func TestSupervisor_BootFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.OpenErrors = []error{errNoService}
	h.boot()

	if h.sup.State() != StateRecovering || h.sup.Attempts() != 1 {
		t.Fatalf("Expected recovering attempt 1, got %s attempts=%d", h.sup.State(), h.sup.Attempts())
	}
	if _, ok := h.rec.findMessage(protocol.SeverityError, "Failed to initialize"); !ok {
		t.Error("Expected initialization failure notice")
	}

	// Backoff for attempt 1 is 3s
	if d, ok := h.clock.NextDeadline(); !ok || d != 3*time.Second {
		t.Fatalf("Expected a 3s backoff, got %s (pending=%v)", d, ok)
	}

	h.clock.Advance(3 * time.Second)

	if h.sup.State() != StateIdle || h.sup.Attempts() != 0 {
		t.Errorf("Expected idle with reset counter, got %s attempts=%d", h.sup.State(), h.sup.Attempts())
	}
	if h.driver.OpenCount() != 2 {
		t.Errorf("Expected 2 opens, got %d", h.driver.OpenCount())
	}
	if _, ok := h.rec.findMessage(protocol.SeveritySuccess, "reinitialized"); !ok {
		t.Error("Expected success notice")
	}
	if h.sup.HasPending() {
		t.Error("Expected no pending timer after success")
	}
}

// TestSupervisor_NoRestartBeforeBackoff tests that start waits for the backoff
func TestSupervisor_NoRestartBeforeBackoff(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.post(func() { h.sup.Request(TriggerFatal) })

	h.clock.Advance(2999 * time.Millisecond)
	if h.driver.OpenCount() != 1 {
		t.Fatalf("Expected no restart before backoff, got %d opens", h.driver.OpenCount())
	}
	h.clock.Advance(time.Millisecond)
	if h.driver.OpenCount() != 2 {
		t.Fatalf("Expected restart at backoff, got %d opens", h.driver.OpenCount())
	}
}

// TestSupervisor_Exhaustion tests that five failed restarts stop automatic recovery
func TestSupervisor_Exhaustion(t *testing.T) {
	h := newHarness(t)
	h.boot()

	exhaustedBefore := testutil.ToFloat64(metrics.RecoveryExhausted)

	h.driver.OpenError = errNoService
	h.post(func() { h.sup.Request(TriggerFatal) })

	var delays []time.Duration
	for h.sup.State() != StateExhausted {
		d, ok := h.clock.NextDeadline()
		if !ok {
			t.Fatalf("No pending timer in state %s", h.sup.State())
		}
		if h.sup.State() == StateRecovering {
			delays = append(delays, d)
		}
		h.clock.Advance(d)
		if len(delays) > DefaultMaxAttempts+1 {
			t.Fatal("Supervisor did not exhaust")
		}
	}

	if len(delays) != DefaultMaxAttempts {
		t.Errorf("Expected %d backoffs, got %d", DefaultMaxAttempts, len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("Backoff decreased: %v", delays)
		}
	}

	// One successful boot plus five failed restarts
	if got := h.driver.OpenCount(); got != 1+DefaultMaxAttempts {
		t.Errorf("Expected %d opens, got %d", 1+DefaultMaxAttempts, got)
	}
	if h.sup.Attempts() > DefaultMaxAttempts {
		t.Errorf("Counter exceeded bound: %d", h.sup.Attempts())
	}
	if h.rec.tipCount() != 1 {
		t.Errorf("Expected one restart tip, got %d", h.rec.tipCount())
	}
	if _, ok := h.rec.findMessage(protocol.SeverityError, "Operator action required"); !ok {
		t.Error("Expected escalation notice")
	}
	if got := testutil.ToFloat64(metrics.RecoveryExhausted) - exhaustedBefore; got != 1 {
		t.Errorf("Expected exhausted counter +1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.RecoveryState); got != float64(StateExhausted) {
		t.Errorf("Expected state gauge %d, got %v", StateExhausted, got)
	}

	// No sixth automatic attempt
	h.clock.Advance(time.Hour)
	h.post(func() { h.sup.Request(TriggerFatal) })
	h.post(func() { h.sup.Request(TriggerWatchdog) })
	if got := h.driver.OpenCount(); got != 1+DefaultMaxAttempts {
		t.Errorf("Expected no further attempts, got %d opens", got)
	}
	if h.sup.State() != StateExhausted {
		t.Errorf("Expected exhausted, got %s", h.sup.State())
	}
}

// TestSupervisor_ForceFromExhausted tests the operator escape from exhaustion
func TestSupervisor_ForceFromExhausted(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.driver.OpenError = errNoService
	h.post(func() { h.sup.Request(TriggerFatal) })
	h.clock.Advance(time.Minute)
	if h.sup.State() != StateExhausted {
		t.Fatalf("Expected exhausted, got %s", h.sup.State())
	}

	opens := h.driver.OpenCount()
	h.driver.OpenError = nil
	h.rec.reset()

	h.post(func() { h.sup.Request(TriggerForced) })

	// Start happens immediately, without advancing the clock
	if got := h.driver.OpenCount(); got != opens+1 {
		t.Fatalf("Expected immediate start, got %d opens (was %d)", got, opens)
	}
	if h.sup.State() != StateIdle || h.sup.Attempts() != 0 {
		t.Errorf("Expected idle with zero counter, got %s attempts=%d", h.sup.State(), h.sup.Attempts())
	}
	if _, ok := h.rec.findMessage(protocol.SeverityWarning, "Forced reset"); !ok {
		t.Error("Expected forced reset notice")
	}
	if status, ok := h.rec.lastStatus(); !ok || status.ReaderConnected {
		t.Error("Expected teardown to publish a cleared state")
	}
}

// TestSupervisor_ForceWhileRecovering tests that a forced reset replaces the pending backoff
func TestSupervisor_ForceWhileRecovering(t *testing.T) {
	h := newHarness(t)
	h.boot()

	r := nfc.NewMockReader("ReaderX")
	h.driver.Attach(r)

	h.post(func() { h.sup.Request(TriggerFatal) })
	if !h.sup.HasPending() {
		t.Fatal("Expected pending backoff")
	}

	h.post(func() { h.sup.Request(TriggerForced) })

	if h.sup.HasPending() || h.clock.Pending() != 0 {
		t.Error("Expected the pending backoff to be cancelled")
	}
	if h.sup.State() != StateIdle || h.sup.Attempts() != 0 {
		t.Errorf("Expected idle, got %s attempts=%d", h.sup.State(), h.sup.Attempts())
	}
	if h.driver.OpenCount() != 2 {
		t.Errorf("Expected 2 opens, got %d", h.driver.OpenCount())
	}

	// The cancelled backoff never fires a second start
	h.clock.Advance(time.Minute)
	if h.driver.OpenCount() != 2 {
		t.Errorf("Expected no extra start, got %d opens", h.driver.OpenCount())
	}
}

// TestSupervisor_ForceFromIdle tests that a forced reset tears down a live session
func TestSupervisor_ForceFromIdle(t *testing.T) {
	h := newHarness(t)
	h.boot()

	r := nfc.NewMockReader("ReaderX")
	h.driver.Attach(r)

	h.post(func() { h.sup.Request(TriggerForced) })

	if r.CountCalls("Close") != 1 {
		t.Error("Expected reader closed")
	}
	calls := h.driver.Calls()
	want := []string{"Open", "Close#1", "Open"}
	if len(calls) != len(want) {
		t.Fatalf("Driver calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Driver calls = %v, want %v", calls, want)
			break
		}
	}
	if h.pub.State().ReaderConnected {
		t.Error("Expected reader state cleared")
	}
}

// TestSupervisor_AutomaticTriggersDropped tests the single in-flight recovery guard
func TestSupervisor_AutomaticTriggersDropped(t *testing.T) {
	h := newHarness(t)
	h.boot()

	dropped := testutil.ToFloat64(metrics.RecoveryDropped.WithLabelValues("watchdog"))

	h.post(func() { h.sup.Request(TriggerFatal) })
	h.post(func() { h.sup.Request(TriggerFatal) })
	h.post(func() { h.sup.Request(TriggerWatchdog) })

	if h.sup.Attempts() != 1 {
		t.Errorf("Expected one attempt, got %d", h.sup.Attempts())
	}
	if h.clock.Pending() != 1 {
		t.Errorf("Expected one pending timer, got %d", h.clock.Pending())
	}
	if got := testutil.ToFloat64(metrics.RecoveryDropped.WithLabelValues("watchdog")) - dropped; got != 1 {
		t.Errorf("Expected one dropped watchdog trigger, got %v", got)
	}
}

// TestSupervisor_ManualPreempts tests that a manual request replaces the pending backoff
func TestSupervisor_ManualPreempts(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.post(func() { h.sup.Request(TriggerFatal) })
	h.post(func() { h.sup.Request(TriggerManual) })

	if h.sup.Attempts() != 2 {
		t.Errorf("Expected attempt 2, got %d", h.sup.Attempts())
	}
	if h.clock.Pending() != 1 {
		t.Errorf("Expected one pending timer, got %d", h.clock.Pending())
	}
	if d, _ := h.clock.NextDeadline(); d != 4*time.Second {
		t.Errorf("Expected 4s backoff, got %s", d)
	}

	h.clock.Advance(4 * time.Second)
	if h.driver.OpenCount() != 2 || h.sup.State() != StateIdle {
		t.Errorf("Expected a single restart, got %d opens in %s", h.driver.OpenCount(), h.sup.State())
	}
}

// TestSupervisor_ManualInExhausted tests that a manual request repeats the escalation
func TestSupervisor_ManualInExhausted(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.driver.OpenError = errNoService
	h.post(func() { h.sup.Request(TriggerFatal) })
	h.clock.Advance(time.Minute)

	opens := h.driver.OpenCount()
	tips := h.rec.tipCount()

	h.post(func() { h.sup.Request(TriggerManual) })

	if h.sup.State() != StateExhausted {
		t.Errorf("Expected exhausted, got %s", h.sup.State())
	}
	if h.driver.OpenCount() != opens {
		t.Error("Manual request must not restart when exhausted")
	}
	if h.rec.tipCount() != tips+1 {
		t.Error("Expected the restart tip to be repeated")
	}
}
