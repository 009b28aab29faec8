package lifecycle

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
)

// ErrThrottled is returned when an operator command arrives inside its
// cooldown window.
var ErrThrottled = errors.New("command throttled, try again shortly")

// Default command cooldowns.
const (
	DefaultManualCooldown = 5 * time.Second
	DefaultForceCooldown  = 8 * time.Second
)

// Commands gates operator commands with per-command cooldowns and
// forwards accepted ones to the supervisor on the loop.
type Commands struct {
	loop     Loop
	recovery Requester

	manual *rate.Limiter
	force  *rate.Limiter
}

// NewCommands creates the command gate. A zero cooldown disables throttling.
func NewCommands(loop Loop, recovery Requester, manualCooldown, forceCooldown time.Duration) *Commands {
	return &Commands{
		loop:     loop,
		recovery: recovery,
		manual:   cooldownLimiter(manualCooldown),
		force:    cooldownLimiter(forceCooldown),
	}
}

func cooldownLimiter(cooldown time.Duration) *rate.Limiter {
	if cooldown <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(cooldown), 1)
}

// ManualReinitialize requests a recovery, honoring the attempt bound.
func (c *Commands) ManualReinitialize() error {
	return c.submit("manualReinitialize", c.manual, TriggerManual)
}

// ForceReinitialize zeroes the attempt counter and rebuilds immediately.
func (c *Commands) ForceReinitialize() error {
	return c.submit("forceReinitialize", c.force, TriggerForced)
}

func (c *Commands) submit(name string, limiter *rate.Limiter, t Trigger) error {
	if !limiter.AllowN(c.loop.Now(), 1) {
		metrics.Commands.WithLabelValues(name, "throttled").Inc()
		return ErrThrottled
	}
	metrics.Commands.WithLabelValues(name, "accepted").Inc()
	c.loop.Post(func() { c.recovery.Request(t) })
	return nil
}
