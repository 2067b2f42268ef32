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
	"sort"
	"sync"
)

// BreakerTable lazily creates one breaker per agent. The table is a flat
// name-keyed map; breakers live for the process lifetime.
type BreakerTable struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerTable creates an empty table; every breaker shares cfg.
func NewBreakerTable(cfg BreakerConfig) *BreakerTable {
	return &BreakerTable{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the agent's breaker, creating it on first use.
func (t *BreakerTable) For(agent string) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[agent]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[agent]; ok {
		return b
	}
	b = NewBreaker(agent, t.cfg)
	t.breakers[agent] = b
	return b
}

// OpenCircuits returns the agents whose breaker is currently open.
func (t *BreakerTable) OpenCircuits() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var open []string
	for agent, b := range t.breakers {
		if b.State() == StateOpen {
			open = append(open, agent)
		}
	}
	sort.Strings(open)
	return open
}
