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

package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, coolDown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker("calculator", BreakerConfig{
		FailureThreshold: threshold,
		CoolDown:         coolDown,
		Now:              clock.Now,
	})
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 4, b.ConsecutiveFailures())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// A fresh streak is needed to open.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Cool-down not elapsed yet.
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Cool-down elapsed: exactly one probe is admitted.
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)
	b.RecordFailure()
	b.RecordFailure()

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)
	b.RecordFailure()
	b.RecordFailure()

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The cool-down restarts from the probe failure.
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.Advance(2 * time.Second)
	assert.NoError(t, b.Allow())
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	rejections  int
}

func (o *recordingObserver) RecordStateChange(agent string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+">"+to.String())
}

func (o *recordingObserver) RecordRejection(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejections++
}

func TestBreakerObserver(t *testing.T) {
	obs := &recordingObserver{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBreaker("calculator", BreakerConfig{
		FailureThreshold: 2,
		CoolDown:         time.Second,
		Observer:         obs,
		Now:              clock.Now,
	})

	b.RecordFailure()
	b.RecordFailure()
	_ = b.Allow() // rejected
	clock.Advance(2 * time.Second)
	_ = b.Allow() // probe
	b.RecordSuccess()

	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, obs.transitions)
	assert.Equal(t, 1, obs.rejections)
}

func TestBreakerTable(t *testing.T) {
	table := NewBreakerTable(BreakerConfig{FailureThreshold: 2})

	a := table.For("calculator")
	assert.Same(t, a, table.For("calculator"))
	assert.NotSame(t, a, table.For("search"))

	assert.Empty(t, table.OpenCircuits())
	a.RecordFailure()
	a.RecordFailure()
	table.For("search").RecordFailure()
	assert.Equal(t, []string{"calculator"}, table.OpenCircuits())
}

func TestRateLimiter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	limiter := NewRateLimiter()
	limiter.now = clock.Now

	// Zero rate means unlimited.
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("calculator", 0))
	}

	// A cap of 2/min admits two calls, then refills over time.
	assert.True(t, limiter.Allow("search", 2))
	assert.True(t, limiter.Allow("search", 2))
	assert.False(t, limiter.Allow("search", 2))

	clock.Advance(30 * time.Second)
	assert.True(t, limiter.Allow("search", 2))
	assert.False(t, limiter.Allow("search", 2))

	// Buckets are per agent.
	assert.True(t, limiter.Allow("weather", 2))
}
