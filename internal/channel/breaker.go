// ABOUTME: Per-connection circuit breaker guarding pushes to a slow or failing observer
// ABOUTME: While open it keeps exactly one pending event, the most recent one

package channel

import (
	"sync"
	"time"

	"github.com/2389/counsel-coordinator/internal/clock"
	"github.com/2389/counsel-coordinator/internal/events"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failed pushes that opens the breaker.
	Threshold int `yaml:"threshold" toml:"threshold"`
	// Cooldown is the first wait before a half-open probe.
	Cooldown time.Duration `yaml:"cooldown" toml:"cooldown"`
	// MaxCooldown caps the doubling cooldown.
	MaxCooldown time.Duration `yaml:"max_cooldown" toml:"max_cooldown"`
	// MaxProbeFailures is how many consecutive failed probes end the connection.
	MaxProbeFailures int `yaml:"max_probe_failures" toml:"max_probe_failures"`
}

// DefaultBreakerConfig returns the defaults used when a field is zero.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        3,
		Cooldown:         5 * time.Second,
		MaxCooldown:      time.Minute,
		MaxProbeFailures: 5,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.Cooldown)
	}
	if c.MaxProbeFailures <= 0 {
		c.MaxProbeFailures = d.MaxProbeFailures
	}
	return c
}

// Breaker is the closed/open/half-open state machine for one connection.
// It does no I/O; the caller reports each push outcome.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	clock         clock.Clock
	state         State
	failures      int
	probeFailures int
	cooldown      time.Duration
	openedAt      time.Time
	pending       *events.Event
	onTransition  func(from, to State)
}

// NewBreaker returns a closed breaker. onTransition may be nil; it is called
// with the lock held, so it must not call back into the breaker.
func NewBreaker(cfg BreakerConfig, clk clock.Clock, onTransition func(from, to State)) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:          cfg,
		clock:        clock.OrSystem(clk),
		state:        StateClosed,
		cooldown:     cfg.Cooldown,
		onTransition: onTransition,
	}
}

// State returns the current state, moving open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow reports whether a push may be attempted now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state != StateOpen
}

// Success records a delivered push. It closes a half-open breaker and
// discards the pending event, which the delivered one supersedes.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeFailures = 0
	b.pending = nil
	if b.state != StateClosed {
		b.cooldown = b.cfg.Cooldown
		b.setLocked(StateClosed)
	}
}

// Failure records a failed push. It returns true when the connection has
// failed MaxProbeFailures consecutive probes and should be dropped.
func (b *Breaker) Failure() (giveUp bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.probeFailures++
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.openLocked()
		return b.probeFailures >= b.cfg.MaxProbeFailures
	case StateOpen:
		// A push raced the transition; the cooldown already runs.
	}
	return false
}

// Hold stores ev as the single pending event, replacing any older one.
func (b *Breaker) Hold(ev *events.Event) {
	b.mu.Lock()
	b.pending = ev
	b.mu.Unlock()
}

// TakePending removes and returns the pending event.
func (b *Breaker) TakePending() (*events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := b.pending
	b.pending = nil
	return ev, ev != nil
}

// HasPending reports whether an event is waiting.
func (b *Breaker) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// RetryIn returns how long until an open breaker allows a probe. It is zero
// when the breaker is not open.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return max(b.openedAt.Add(b.cooldown).Sub(b.clock.Now()), 0)
}

// Cooldown returns the current cooldown window.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && !b.clock.Now().Before(b.openedAt.Add(b.cooldown)) {
		b.setLocked(StateHalfOpen)
	}
}

func (b *Breaker) openLocked() {
	b.failures = 0
	b.openedAt = b.clock.Now()
	b.setLocked(StateOpen)
}

func (b *Breaker) setLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
