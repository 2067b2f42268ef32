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
	"time"
)

// RateLimiter is a per-agent token bucket. A zero rate means unlimited.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	ratePerMinute int
	tokens        float64
	lastRefill    time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the agent. Returns false when the agent's
// rate cap is exhausted for the current window.
func (l *RateLimiter) Allow(agent string, ratePerMinute int) bool {
	if ratePerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[agent]
	if !ok || b.ratePerMinute != ratePerMinute {
		b = &bucket{
			ratePerMinute: ratePerMinute,
			tokens:        float64(ratePerMinute),
			lastRefill:    now,
		}
		l.buckets[agent] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Minutes() * float64(b.ratePerMinute)
		if b.tokens > float64(b.ratePerMinute) {
			b.tokens = float64(b.ratePerMinute)
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
