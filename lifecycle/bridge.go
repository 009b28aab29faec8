package lifecycle

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
)

// Config wires a Bridge.
type Config struct {
	Driver nfc.Driver
	Clock  nfc.Clock

	Supervisor       SupervisorConfig
	WatchdogInterval time.Duration
	ManualCooldown   time.Duration
	ForceCooldown    time.Duration

	Logger *log.Logger
}

// Snapshot is a consistent view of the bridge taken on the loop.
type Snapshot struct {
	Driver      string
	State       ReaderState
	Recovery    RecoveryState
	Attempts    int
	MaxAttempts int
}

// ErrStopped is returned by Inspect once the bridge has stopped.
var ErrStopped = errors.New("bridge stopped")

// Bridge runs the session, supervisor and watchdog on one loop goroutine.
type Bridge struct {
	Logger *log.Logger

	clock  nfc.Clock
	driver nfc.Driver

	publisher  *Publisher
	session    *Session
	supervisor *Supervisor
	watchdog   *Watchdog
	commands   *Commands

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewBridge creates a bridge. Nothing runs until Run is called.
func NewBridge(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = nfc.NewRealClock()
	}
	if cfg.Supervisor.MaxAttempts == 0 {
		cfg.Supervisor = DefaultSupervisorConfig()
	}

	b := &Bridge{
		Logger: logger,
		clock:  clock,
		driver: cfg.Driver,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.publisher = NewPublisher(nil)
	b.session = NewSession(cfg.Driver, b, b.publisher, nfc.NewProber(nil), nil)
	b.supervisor = NewSupervisor(cfg.Supervisor, b, b.session, b.publisher, nil)
	b.session.SetRecovery(b.supervisor)
	b.watchdog = NewWatchdog(cfg.WatchdogInterval, b, b.publisher, b.session, b.supervisor, nil)
	b.commands = NewCommands(b, b.supervisor, cfg.ManualCooldown, cfg.ForceCooldown)
	return b
}

// Publisher returns the state publisher.
func (b *Bridge) Publisher() *Publisher {
	return b.publisher
}

// AddNotifier registers an observer sink.
func (b *Bridge) AddNotifier(n Notifier) {
	b.publisher.AddNotifier(n)
}

// Post queues fn for the loop. Work posted after Run returns is dropped.
func (b *Bridge) Post(fn func()) {
	select {
	case <-b.done:
		return
	default:
	}

	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// AfterFunc runs fn on the loop after d.
func (b *Bridge) AfterFunc(d time.Duration, fn func()) nfc.Timer {
	return b.clock.AfterFunc(d, func() { b.Post(fn) })
}

// Go runs work on its own goroutine and then on the loop.
func (b *Bridge) Go(work func(), then func()) {
	go func() {
		work()
		b.Post(then)
	}()
}

// Now returns the bridge clock's time.
func (b *Bridge) Now() time.Time {
	return b.clock.Now()
}

// Run boots the subsystem and processes events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.Logger.Printf("Starting with %s driver", b.driver.Name())
	b.Post(func() {
		b.supervisor.Boot()
		b.watchdog.Start()
	})

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-b.wake:
			b.drain()
		}
	}
}

func (b *Bridge) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		fn := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()

		fn()
	}
}

func (b *Bridge) shutdown() {
	b.once.Do(func() { close(b.done) })

	b.watchdog.Stop()
	b.supervisor.Shutdown()
	b.session.Stop()

	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
	b.Logger.Printf("Stopped")
}

// Inspect returns a snapshot taken on the loop.
func (b *Bridge) Inspect(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	b.Post(func() {
		result <- Snapshot{
			Driver:      b.driver.Name(),
			State:       b.publisher.State(),
			Recovery:    b.supervisor.State(),
			Attempts:    b.supervisor.Attempts(),
			MaxAttempts: b.supervisor.MaxAttempts(),
		}
	})

	select {
	case s := <-result:
		return s, nil
	case <-b.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// ManualReinitialize queues an operator reinitialize.
func (b *Bridge) ManualReinitialize() error {
	return b.commands.ManualReinitialize()
}

// ForceReinitialize queues an operator forced reset.
func (b *Bridge) ForceReinitialize() error {
	return b.commands.ForceReinitialize()
}
