// Package circuitbreaker implements a minimal circuit breaker used to stop
// hammering the outbound SMTP relay while it is down. The breaker trips after
// a configurable number of consecutive failures and allows a single probe
// request after a cool-down timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

type Breaker struct {
	name         string
	maxFailures  int
	timeout      time.Duration
	onStateChange func(name string, from, to State)

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probeInFlight bool
}

type Settings struct {
	Name          string
	MaxFailures   int           // consecutive failures before tripping (default 5)
	Timeout       time.Duration // cool-down before a probe is allowed (default 60s)
	OnStateChange func(name string, from, to State)
}

func New(st Settings) *Breaker {
	b := &Breaker{
		name:          st.Name,
		maxFailures:   st.MaxFailures,
		timeout:       st.Timeout,
		onStateChange: st.OnStateChange,
	}
	if b.name == "" {
		b.name = "breaker"
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 5
	}
	if b.timeout <= 0 {
		b.timeout = 60 * time.Second
	}
	return b
}

// Execute runs fn unless the breaker is open. The error returned by fn is
// passed through; ErrOpen is returned without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// State reports the current state, accounting for cool-down expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.timeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = time.Now()
		if b.state != StateOpen {
			b.transition(StateOpen)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
