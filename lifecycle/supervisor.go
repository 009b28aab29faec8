package lifecycle

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// RecoveryState is the supervisor's state.
type RecoveryState int

const (
	StateIdle RecoveryState = iota
	StateRecovering
	StateExhausted
)

func (s RecoveryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecovering:
		return "recovering"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger is the reason a recovery was requested.
type Trigger int

const (
	TriggerFatal Trigger = iota
	TriggerWatchdog
	TriggerManual
	TriggerForced
	TriggerRetry
)

func (t Trigger) String() string {
	switch t {
	case TriggerFatal:
		return "fatal"
	case TriggerWatchdog:
		return "watchdog"
	case TriggerManual:
		return "manual"
	case TriggerForced:
		return "forced"
	case TriggerRetry:
		return "retry"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// operator reports whether the trigger came from an operator command.
func (t Trigger) operator() bool {
	return t == TriggerManual || t == TriggerForced
}

// Default recovery tuning.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultStepDelay   = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultRetryDelay  = 1 * time.Second
)

// SupervisorConfig tunes retries and backoff.
type SupervisorConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	StepDelay   time.Duration
	MaxDelay    time.Duration
	RetryDelay  time.Duration

	// RestartTip is sent to observers when recovery gives up. Empty
	// selects a tip for the current platform.
	RestartTip string
}

// DefaultSupervisorConfig returns the stock tuning.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		StepDelay:   DefaultStepDelay,
		MaxDelay:    DefaultMaxDelay,
		RetryDelay:  DefaultRetryDelay,
	}
}

// Backoff returns min(BaseDelay + attempt*StepDelay, MaxDelay).
func (c SupervisorConfig) Backoff(attempt int) time.Duration {
	d := c.BaseDelay + time.Duration(attempt)*c.StepDelay
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// BackoffDelay is the default backoff for attempt: 2s plus 1s per
// attempt, capped at 10s.
func BackoffDelay(attempt int) time.Duration {
	return DefaultSupervisorConfig().Backoff(attempt)
}

// DefaultRestartTip returns remediation guidance for the given GOOS.
func DefaultRestartTip(goos string) string {
	switch goos {
	case "windows":
		return `Automatic recovery failed. Restart the "Smart Card" service (services.msc, or "net stop SCardSvr" then "net start SCardSvr" as administrator), reconnect the reader, then use Force reset.`
	case "darwin":
		return `Automatic recovery failed. Reconnect the reader; if it is still not detected run "sudo killall -9 com.apple.ctkpcscd" to restart the smart card daemon, then use Force reset.`
	default:
		return `Automatic recovery failed. Restart the PC/SC daemon with "sudo systemctl restart pcscd", reconnect the reader, then use Force reset.`
	}
}

// SessionController is the part of the session the supervisor drives.
type SessionController interface {
	Start() bool
	Stop()
}

// Supervisor rebuilds the subsystem connection on failure, with bounded
// attempts and increasing backoff. All methods run on the loop goroutine.
type Supervisor struct {
	Logger *log.Logger

	cfg       SupervisorConfig
	loop      Loop
	session   SessionController
	publisher *Publisher

	state    RecoveryState
	attempts int

	pending    nfc.Timer
	pendingSeq uint64
}

// NewSupervisor creates a supervisor in the idle state.
func NewSupervisor(cfg SupervisorConfig, loop Loop, session SessionController, publisher *Publisher, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(os.Stderr, "[supervisor] ", log.LstdFlags)
	}
	if cfg.RestartTip == "" {
		cfg.RestartTip = DefaultRestartTip(runtime.GOOS)
	}
	return &Supervisor{
		Logger:    logger,
		cfg:       cfg,
		loop:      loop,
		session:   session,
		publisher: publisher,
	}
}

// State returns the current state.
func (s *Supervisor) State() RecoveryState {
	return s.state
}

// Attempts returns the consecutive attempt counter.
func (s *Supervisor) Attempts() int {
	return s.attempts
}

// MaxAttempts returns the configured attempt bound.
func (s *Supervisor) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// HasPending reports whether a backoff or retry timer is armed.
func (s *Supervisor) HasPending() bool {
	return s.pending != nil
}

// Boot performs the initial start. A failed start enters recovery.
func (s *Supervisor) Boot() {
	if s.session.Start() {
		s.publisher.Publish()
		s.publisher.Notify("Waiting for a card reader", protocol.SeverityInfo)
		return
	}
	s.publisher.Notify("Failed to initialize the reader subsystem", protocol.SeverityError)
	s.Request(TriggerFatal)
}

// Request asks for a recovery. Automatic triggers are dropped while a
// recovery is in flight or after recovery gave up. A manual request
// pre-empts an in-flight recovery; a forced request is always honored.
func (s *Supervisor) Request(t Trigger) {
	switch s.state {
	case StateRecovering:
		if !t.operator() {
			s.drop(t)
			return
		}
	case StateExhausted:
		switch t {
		case TriggerForced:
		case TriggerManual:
			s.Logger.Printf("Manual reinitialize ignored, recovery exhausted")
			metrics.RecoveryDropped.WithLabelValues(t.String()).Inc()
			s.escalate()
			return
		default:
			s.drop(t)
			return
		}
	}

	if t == TriggerForced {
		s.forceReset()
		return
	}
	s.enter(t)
}

func (s *Supervisor) drop(t Trigger) {
	s.Logger.Printf("Dropping %s trigger while %s", t, s.state)
	metrics.RecoveryDropped.WithLabelValues(t.String()).Inc()
}

func (s *Supervisor) enter(t Trigger) {
	s.cancelPending()

	if s.attempts >= s.cfg.MaxAttempts {
		s.exhaust()
		return
	}

	s.attempts++
	s.setState(StateRecovering)
	metrics.RecoveryAttempts.WithLabelValues(t.String()).Inc()

	s.teardown()

	delay := s.cfg.Backoff(s.attempts)
	s.Logger.Printf("Recovery attempt %d/%d (%s), restarting in %s", s.attempts, s.cfg.MaxAttempts, t, delay)
	s.publisher.Notify(
		fmt.Sprintf("Reconnecting to the reader subsystem (attempt %d/%d) in %s", s.attempts, s.cfg.MaxAttempts, delay),
		protocol.SeverityInfo,
	)
	s.schedule(delay, s.restart)
}

// forceReset zeroes the counter and rebuilds immediately, from any state.
func (s *Supervisor) forceReset() {
	s.cancelPending()
	s.attempts = 0
	s.setState(StateRecovering)
	metrics.RecoveryAttempts.WithLabelValues(TriggerForced.String()).Inc()

	s.Logger.Printf("Forced reset, rebuilding subsystem now")
	s.teardown()
	s.publisher.Notify("Forced reset: rebuilding the reader subsystem", protocol.SeverityWarning)
	s.restart()
}

func (s *Supervisor) teardown() {
	s.session.Stop()
	s.publisher.ClearReader()
}

func (s *Supervisor) restart() {
	s.cancelPending()

	if s.session.Start() {
		metrics.RecoveryResults.WithLabelValues("success").Inc()
		s.attempts = 0
		s.setState(StateIdle)
		s.Logger.Printf("Subsystem restarted")
		s.publisher.Notify("Reader subsystem reinitialized", protocol.SeveritySuccess)
		return
	}

	metrics.RecoveryResults.WithLabelValues("failure").Inc()
	if s.attempts >= s.cfg.MaxAttempts {
		s.exhaust()
		return
	}

	s.setState(StateIdle)
	s.publisher.Notify(
		fmt.Sprintf("Reinitialization failed (attempt %d/%d)", s.attempts, s.cfg.MaxAttempts),
		protocol.SeverityWarning,
	)
	s.schedule(s.cfg.RetryDelay, func() { s.Request(TriggerRetry) })
}

func (s *Supervisor) exhaust() {
	s.cancelPending()
	s.setState(StateExhausted)
	metrics.RecoveryExhausted.Inc()
	s.Logger.Printf("Recovery exhausted after %d attempts", s.attempts)
	s.escalate()
}

func (s *Supervisor) escalate() {
	s.publisher.Notify(
		fmt.Sprintf("Could not recover the reader subsystem after %d attempts. Operator action required.", s.cfg.MaxAttempts),
		protocol.SeverityError,
	)
	s.publisher.RestartTip(s.cfg.RestartTip)
}

// schedule arms the single pending timer, replacing any previous one.
func (s *Supervisor) schedule(d time.Duration, fn func()) {
	s.cancelPending()
	seq := s.pendingSeq
	s.pending = s.loop.AfterFunc(d, func() {
		if seq != s.pendingSeq {
			return
		}
		s.pending = nil
		fn()
	})
}

func (s *Supervisor) cancelPending() {
	s.pendingSeq++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// Shutdown cancels pending timers.
func (s *Supervisor) Shutdown() {
	s.cancelPending()
}

func (s *Supervisor) setState(st RecoveryState) {
	s.state = st
	metrics.RecoveryState.Set(float64(st))
	metrics.RecoveryAttemptCounter.Set(float64(s.attempts))
}
