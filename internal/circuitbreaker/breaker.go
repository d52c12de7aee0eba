// Package circuitbreaker guards batch dispatch to the durable executor.
// After enough consecutive dispatch failures the breaker opens and batches
// run in-process until a probe succeeds.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State int

const (
	Closed   State = iota // calls pass
	Open                  // calls rejected until the cooldown elapses
	HalfOpen              // one probe call in flight
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

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker counts consecutive failures and moves between Closed, Open and
// HalfOpen. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	changedAt time.Time // last transition into Open or HalfOpen
	onChange  func(from, to State)

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
// Non-positive values keep the default of 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing.
// Non-positive values keep the default of 30s.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback for every transition. It runs with
// the breaker locked and must not call back into it.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open breaker lets one probe
// through once the cooldown has elapsed. A probe that never reports back is
// replaced after another cooldown.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open, HalfOpen:
		if b.now().Sub(b.changedAt) < b.cooldown {
			return false
		}
		b.transition(HalfOpen)
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.transition(Closed)
	}
}

// RecordFailure counts a failure. A failed probe reopens the breaker
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	}
}

// Execute runs fn when Allow permits and records its outcome. It returns
// ErrOpen without calling fn otherwise.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// CurrentState returns the state without advancing an expired cooldown.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if to != Closed {
		b.changedAt = b.now()
	}
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
