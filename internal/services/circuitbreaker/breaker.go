// Package circuitbreaker implements a three-state breaker guarding each
// upstream provider. Failures are counted in a sliding window; once the
// threshold is hit the circuit opens and rejects immediately until the open
// duration elapses, then a limited number of half-open probes decide whether
// to close again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// IsFailureStatus reports whether an upstream HTTP status counts against the
// breaker. Server errors and throttling do; client errors are the caller's
// fault and leave the circuit alone, except 408 and 429 which indicate
// upstream pressure.
func IsFailureStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == 408 || status == 429
}

type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  config.BreakerConfig

	state    State
	failures []time.Time
	openedAt time.Time

	halfOpenSuccesses int
	halfOpenInflight  int

	now func() time.Time
}

func New(name string, cfg config.BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenRequiredSuccesses <= 0 {
		cfg.HalfOpenRequiredSuccesses = 2
	}
	if cfg.HalfOpenMaxConcurrent <= 0 {
		cfg.HalfOpenMaxConcurrent = 3
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow reports whether a request may proceed. In the half-open state it
// also reserves a probe slot; the caller must follow up with RecordSuccess
// or RecordFailure.
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenInflight = 1
		return true
	case StateHalfOpen:
		if b.halfOpenInflight >= b.cfg.HalfOpenMaxConcurrent {
			return false
		}
		b.halfOpenInflight++
		return true
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = b.failures[:0]
	case StateHalfOpen:
		if b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenRequiredSuccesses {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		now := b.now()
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		// A failed probe reopens immediately for a fresh cooldown.
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		b.openedAt = b.now()
	}
}

// State returns the current state without advancing open→half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// prune drops failures that fell out of the sliding window. Callers hold mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition moves to a new state and resets the counters that belong to the
// old one. Callers hold mu.
func (b *Breaker) transition(to State) {
	b.state = to
	switch to {
	case StateClosed:
		b.failures = b.failures[:0]
		b.halfOpenSuccesses = 0
		b.halfOpenInflight = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.halfOpenInflight = 0
	}
	metrics.CircuitState.WithLabelValues(b.name).Set(stateGaugeValue(to))
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}
