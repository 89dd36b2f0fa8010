package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the wrapped operation while the
// breaker is isolating its dependency.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // failing, reject calls
	HalfOpen              // probing recovery
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

// Config controls a single breaker.
type Config struct {
	// FailureThreshold is the number of consecutive classified failures
	// before the breaker opens. Default 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// a single probe. Default 60s.
	RecoveryTimeout time.Duration

	// IsFailure classifies which errors count toward the threshold.
	// Nil means "any non-nil error except context cancellation".
	IsFailure func(err error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker for one external
// dependency.
//
// State machine: Closed --failures>=threshold--> Open --timeout--> HalfOpen
// --success--> Closed; HalfOpen --failure--> Open (timer resets).
//
// Exactly one call is admitted as the half-open probe; concurrent callers
// keep seeing ErrOpen until the probe resolves, preventing a thundering
// herd on a barely-recovered dependency.
//
// The breaker keeps no side effects beyond its own counters: it does not
// log and does not retry. Callers decide what a fast-fail means for them.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state       State
	failures    int
	lastFailure time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// Do invokes op through the breaker. It returns ErrOpen without calling
// op while the dependency is isolated; otherwise it returns op's error
// verbatim after recording the outcome.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := op(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning Open -> HalfOpen
// when the recovery timeout has elapsed. Only the transitioning caller is
// admitted as the probe.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		// A probe is already in flight.
		return false
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.state = Closed
		}
		return
	}

	if !b.cfg.IsFailure(err) {
		// Unclassified errors (e.g. cancellation) neither trip nor heal.
		// An inconclusive probe sends the breaker back to Open without
		// resetting the timer, so the next probe is not pushed out.
		if b.state == HalfOpen {
			b.state = Open
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
		}
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.lastFailure = time.Time{}
}

// Info is a snapshot of one breaker for status output.
type Info struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

func (b *Breaker) info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}
