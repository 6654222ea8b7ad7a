package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Breaker.Execute while the breaker is open.
var ErrOpen = errors.New("upstream breaker open")

// State is the breaker's position.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the cool-down has passed.
	Open
	// HalfOpen lets calls through to probe whether the upstream is back.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed calls that opens
	// the breaker (default 5).
	MaxFailures int
	// Cooldown is how long the breaker stays open (default 30s).
	Cooldown time.Duration
	// Probes is the number of consecutive half-open successes needed
	// to close again (default 1).
	Probes int
	// OnStateChange runs under the breaker lock on every transition.
	OnStateChange func(from, to State)
}

// Breaker counts consecutive upstream failures across clients.  Once
// the threshold is reached, new clients are turned away at once instead
// of each sitting through a full dial backoff.
type Breaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open.  fn's result is counted;
// a Permanent error is returned but does not count as an upstream
// failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cfg.Cooldown {
		b.successes = 0
		b.transition(HalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures, retry in %v",
		ErrOpen, b.failures, (b.cfg.Cooldown - elapsed).Truncate(time.Second))
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && !IsPermanent(err) {
		b.failures++
		b.successes = 0
		if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			b.transition(Open)
		}
		return
	}

	b.successes++
	switch b.state {
	case HalfOpen:
		if b.successes >= b.cfg.Probes {
			b.failures = 0
			b.transition(Closed)
		}
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
