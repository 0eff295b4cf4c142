// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// CircuitBreaker tracks call outcomes over a sliding window. When the
// failure rate crosses the threshold (with at least minSamples outcomes in
// the window) it opens; after the cooldown a single probe is allowed through
// and its outcome decides between Closed and Open again.
type CircuitBreaker struct {
	mu sync.Mutex

	window     time.Duration
	cooldown   time.Duration
	threshold  float64
	minSamples int

	state        State
	changedAt    time.Time
	outcomes     []outcome
	probeInFlight bool
}

func New(window, cooldown time.Duration, threshold float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		window:     window,
		cooldown:   cooldown,
		threshold:  threshold,
		minSamples: minSamples,
		state:      Closed,
		changedAt:  time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.changedAt) < cb.cooldown {
			return false
		}
		cb.transition(HalfOpen)
		cb.probeInFlight = true
		return true
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds a call outcome back into the window.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.prune(now)
	cb.outcomes = append(cb.outcomes, outcome{at: now, ok: ok})

	if cb.state == HalfOpen {
		cb.probeInFlight = false
		if ok {
			cb.transition(Closed)
		} else {
			cb.transition(Open)
		}
		return
	}

	if cb.state == Closed && len(cb.outcomes) >= cb.minSamples {
		fails := 0
		for _, o := range cb.outcomes {
			if !o.ok {
				fails++
			}
		}
		if float64(fails)/float64(len(cb.outcomes)) >= cb.threshold {
			cb.transition(Open)
		}
	}
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	kept := cb.outcomes[:0]
	for _, o := range cb.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	cb.outcomes = kept
}

func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.changedAt = time.Now()
}
