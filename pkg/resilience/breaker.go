// Copyright 2025 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides per-agent failure isolation: a three-state
// circuit breaker and a per-agent rate limiter consulted by the executor.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows calls through.
	StateClosed State = iota
	// StateOpen short-circuits calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen permits exactly one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Default breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 30 * time.Second
)

// Observer receives breaker events for metrics.
type Observer interface {
	RecordStateChange(agent string, from, to State)
	RecordRejection(agent string)
}

type noopObserver struct{}

func (noopObserver) RecordStateChange(string, State, State) {}
func (noopObserver) RecordRejection(string)                 {}

// Breaker is a per-agent circuit breaker. Consecutive failures past the
// threshold open the circuit; after the cool-down one probe is permitted.
// There is no direct closed to half_open transition.
type Breaker struct {
	agent     string
	threshold int
	coolDown  time.Duration
	observer  Observer
	now       func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	Observer         Observer
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewBreaker creates a closed breaker for one agent.
func NewBreaker(agent string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		agent:     agent,
		threshold: cfg.FailureThreshold,
		coolDown:  cfg.CoolDown,
		observer:  cfg.Observer,
		now:       cfg.Now,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it transitions
// to half_open once the cool-down has elapsed and admits a single probe; the
// cool-down wait is re-checked on the next call, never busy-waited.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			b.observer.RecordRejection(b.agent)
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			b.observer.RecordRejection(b.agent)
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure counter; a successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure increments the failure counter. Reaching the threshold in
// the closed state, or any half-open probe failure, opens the circuit with a
// renewed cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		// Failure recorded while already open (late result); keep state.
	}
}

// State returns the current state. It does not advance open to half_open;
// only Allow does that.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// transition moves to a new state. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.consecutiveFailures = 0
	}
	b.observer.RecordStateChange(b.agent, from, to)
	slog.Info("Circuit breaker state change",
		"agent", b.agent,
		"from", from.String(),
		"to", to.String(),
	)
}
