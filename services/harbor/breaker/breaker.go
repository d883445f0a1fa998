// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-destination circuit breakers for the
// harbor network layer.
//
// A breaker tracks request outcomes against one remote destination and
// stops issuing work to destinations that keep failing:
//
//   - Closed: normal operation, requests pass through
//   - Open: failure threshold exceeded, requests are rejected immediately
//   - Half-Open: after the open timeout, limited probes test recovery
//
// Callers must check Allow before issuing work and report the outcome
// with RecordSuccess or RecordFailure afterward. A caller that forgets
// to report leaves the breaker stale; nothing enforces the contract.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests immediately.
	StateOpen

	// StateHalfOpen allows limited probe requests to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures breaker behavior for one destination class.
type Config struct {
	// FailureThreshold is the number of consecutive failures within
	// FailureWindow before the circuit opens.
	// Default: 5
	FailureThreshold int

	// FailureWindow is the rolling window in which failures are
	// counted. Failures older than the window no longer count toward
	// the threshold.
	// Default: 60s
	FailureWindow time.Duration

	// OpenTimeout is how long the circuit stays open before allowing
	// half-open probes.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenMaxProbes is the max in-flight probes in half-open state.
	// Default: 2
	HalfOpenMaxProbes int

	// SuccessThreshold is the number of consecutive probe successes in
	// half-open state needed to close the circuit.
	// Default: 2
	SuccessThreshold int

	// OnStateChange is invoked after every state transition with the
	// destination and the old and new states. Called asynchronously
	// to avoid blocking the breaker. Optional.
	OnStateChange func(destination string, from, to State)

	// Logger receives transition logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for remote artifact sources.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		OpenTimeout:       30 * time.Second,
		HalfOpenMaxProbes: 2,
		SuccessThreshold:  2,
	}
}

// withDefaults fills zero fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Breaker is a circuit breaker scoped to one remote destination.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	destination string
	config      Config

	state            State
	failureTimes     []time.Time
	probeSuccesses   int
	halfOpenRequests int
	lastFailureTime  time.Time
	lastStateChange  time.Time

	mu sync.RWMutex
}

// New creates a breaker for the given destination.
//
// Inputs:
//   - destination: Remote host this breaker guards, used in logs.
//   - config: Thresholds and timeouts. Zero fields take defaults.
//
// Outputs:
//   - *Breaker: A new breaker in closed state.
func New(destination string, config Config) *Breaker {
	return &Breaker{
		destination:     destination,
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow checks whether a request to the destination may proceed.
//
// Returns false while the circuit is open. After the open timeout the
// breaker moves to half-open and admits a bounded number of probes.
//
// Thread Safety: safe for concurrent use.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		// Open timeout elapsed: admit the first probe
		if now.Sub(b.lastFailureTime) >= b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen, now)
			b.halfOpenRequests = 1
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenRequests < b.config.HalfOpenMaxProbes {
			b.halfOpenRequests++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request outcome.
//
// In half-open state, enough consecutive successes close the circuit.
//
// Thread Safety: safe for concurrent use.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		// A success breaks the consecutive-failure run
		b.failureTimes = b.failureTimes[:0]

	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed, now)
		}
	}
}

// RecordFailure records a failed request outcome.
//
// Enough consecutive failures within the rolling window open the
// circuit. Any failure during half-open reopens it.
//
// Thread Safety: safe for concurrent use.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneFailures(now)

		if len(b.failureTimes) >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, now)
		}

	case StateHalfOpen:
		// Any probe failure reopens the circuit
		b.transitionTo(StateOpen, now)
	}
}

// State returns the current state.
//
// Thread Safety: safe for concurrent use.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns a snapshot of breaker statistics.
//
// Thread Safety: safe for concurrent use.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Destination:     b.destination,
		State:           b.state,
		RecentFailures:  len(b.failureTimes),
		ProbeSuccesses:  b.probeSuccesses,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset returns the breaker to closed state.
//
// This is for tests and manual intervention; normal recovery goes
// through half-open probes.
//
// Thread Safety: safe for concurrent use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureTimes = b.failureTimes[:0]
	b.probeSuccesses = 0
	b.halfOpenRequests = 0
	b.lastStateChange = time.Now()
}

// pruneFailures drops failures older than the rolling window.
// Must be called with mu held.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

// transitionTo changes the state and fires observers.
// Must be called with mu held.
func (b *Breaker) transitionTo(newState State, now time.Time) {
	from := b.state
	if from == newState {
		return
	}

	b.state = newState
	b.lastStateChange = now
	b.probeSuccesses = 0
	b.halfOpenRequests = 0

	if newState == StateClosed {
		b.failureTimes = b.failureTimes[:0]
	}

	b.config.Logger.Info("circuit state changed",
		"destination", b.destination,
		"from", from.String(),
		"to", newState.String())

	if b.config.OnStateChange != nil {
		// Fire without holding the lock so the callback can read
		// breaker state
		go b.config.OnStateChange(b.destination, from, newState)
	}
}

// Stats contains a point-in-time snapshot of one breaker.
type Stats struct {
	Destination     string
	State           State
	RecentFailures  int
	ProbeSuccesses  int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// TimeSinceLastFailure returns the duration since the last failure,
// or zero if no failure was recorded.
func (s Stats) TimeSinceLastFailure() time.Duration {
	if s.LastFailureTime.IsZero() {
		return 0
	}
	return time.Since(s.LastFailureTime)
}
