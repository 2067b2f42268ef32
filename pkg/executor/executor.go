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

// Package executor runs agent calls under retry, backoff, timeout, fallback,
// and circuit-breaker discipline, alone or as bounded-concurrency groups.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/resilience"
)

// Backoff parameters for retries between attempts.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is min(100ms * 2^(attempt-1), 5s) scaled by jitter in [0.5, 1.5).
func DefaultBackoff() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Cap: 5 * time.Second}
}

// Delay computes the backoff before the given retry (attempt starts at 1).
func (b Backoff) Delay(attempt int, jitter float64) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	return time.Duration(float64(d) * jitter)
}

// DefaultMaxParallel bounds concurrent agent calls in a parallel group.
const DefaultMaxParallel = 3

// Observer receives executor events for metrics.
type Observer interface {
	RecordAgentCall(agentName string, success bool, duration time.Duration)
	RecordRetry(agentName string)
	RecordFallback(agentName string)
}

type noopObserver struct{}

func (noopObserver) RecordAgentCall(string, bool, time.Duration) {}
func (noopObserver) RecordRetry(string)                          {}
func (noopObserver) RecordFallback(string)                       {}

// Task is one (agent, input) pair in a multi-agent call.
type Task struct {
	Agent string
	Input map[string]any
}

// Executor wraps agent calls with the failure-handling policies.
type Executor struct {
	breakers    *resilience.BreakerTable
	limiter     *resilience.RateLimiter
	backoff     Backoff
	maxParallel int64
	observer    Observer

	// jitter and sleep are injectable for tests.
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// Config configures an Executor.
type Config struct {
	Breakers    *resilience.BreakerTable
	Limiter     *resilience.RateLimiter
	Backoff     Backoff
	MaxParallel int
	Observer    Observer
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerTable(resilience.BreakerConfig{})
	}
	if cfg.Limiter == nil {
		cfg.Limiter = resilience.NewRateLimiter()
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Executor{
		breakers:    cfg.Breakers,
		limiter:     cfg.Limiter,
		backoff:     cfg.Backoff,
		maxParallel: int64(cfg.MaxParallel),
		observer:    cfg.Observer,
		jitter:      func() float64 { return 0.5 + rand.Float64() },
		sleep:       sleepCtx,
	}
}

// Breakers exposes the breaker table for health reporting.
func (e *Executor) Breakers() *resilience.BreakerTable { return e.breakers }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Call runs a single agent with retry, backoff, and fallback semantics:
//
//  1. If the breaker is open, substitute the configured fallback agent when
//     one exists and is enabled; otherwise fail with KindCircuitOpen.
//  2. Attempt up to max_retries+1 times; only retriable kinds are retried.
//  3. Back off between attempts.
//  4. After exhausting attempts, invoke the fallback once (without further
//     fallbacks) and annotate the response fellback=true.
func (e *Executor) Call(ctx context.Context, snap *agent.Snapshot, name string, input map[string]any) *agent.Response {
	return e.call(ctx, snap, name, input, true)
}

func (e *Executor) call(ctx context.Context, snap *agent.Snapshot, name string, input map[string]any, allowFallback bool) *agent.Response {
	entry, ok := snap.Get(name)
	if !ok || !entry.Descriptor.Enabled {
		return failure(name, agent.KindPermanent, fmt.Sprintf("agent %q is not registered or disabled", name), 0, 0)
	}

	breaker := e.breakers.For(name)
	if err := breaker.Allow(); err != nil {
		if allowFallback {
			if fb := e.fallbackFor(snap, entry.Descriptor); fb != "" {
				slog.Warn("Circuit open, substituting fallback agent", "agent", name, "fallback", fb)
				e.observer.RecordFallback(name)
				resp := e.call(ctx, snap, fb, input, false)
				resp.FellBack = true
				return resp
			}
		}
		return failure(name, agent.KindCircuitOpen, "circuit breaker is open", 0, 0)
	}

	resp := e.attemptLoop(ctx, entry, breaker, input)
	if resp.Success || ctx.Err() != nil {
		return resp
	}

	if allowFallback && resp.ErrorKind != agent.KindInputRejected {
		if fb := e.fallbackFor(snap, entry.Descriptor); fb != "" {
			slog.Warn("Agent exhausted retries, invoking fallback",
				"agent", name,
				"fallback", fb,
				"error_kind", string(resp.ErrorKind),
			)
			e.observer.RecordFallback(name)
			fbResp := e.call(ctx, snap, fb, input, false)
			fbResp.FellBack = true
			return fbResp
		}
	}
	return resp
}

// attemptLoop runs the bounded retry loop for one agent. The breaker was
// already consulted for the first attempt; subsequent attempts re-consult it.
func (e *Executor) attemptLoop(ctx context.Context, entry *agent.Entry, breaker *resilience.Breaker, input map[string]any) *agent.Response {
	desc := entry.Descriptor
	maxAttempts := desc.Limits.MaxRetries + 1
	start := time.Now()

	var lastKind agent.Kind
	var lastMsg string
	attemptsMade := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptsMade = attempt
		if attempt > 1 {
			e.observer.RecordRetry(desc.Name)
			if err := breaker.Allow(); err != nil {
				lastKind, lastMsg = agent.KindCircuitOpen, "circuit breaker opened during retries"
				break
			}
		}

		if !e.limiter.Allow(desc.Name, desc.Limits.RatePerMinute) {
			// Local rate caps do not count toward the breaker threshold.
			lastKind, lastMsg = agent.KindRateLimited, "agent rate cap exhausted"
		} else {
			attemptStart := time.Now()
			data, err := entry.Adapter.Call(ctx, input)
			elapsed := time.Since(attemptStart)
			if err == nil {
				breaker.RecordSuccess()
				e.observer.RecordAgentCall(desc.Name, true, elapsed)
				return &agent.Response{
					AgentName:     desc.Name,
					Success:       true,
					Data:          data,
					ExecutionTime: time.Since(start),
					Attempts:      attempt,
				}
			}
			e.observer.RecordAgentCall(desc.Name, false, elapsed)
			if ctx.Err() != nil {
				// Caller cancellation is terminal, not an agent failure.
				return failure(desc.Name, agent.KindTimeout, "call cancelled: "+ctx.Err().Error(), time.Since(start), attempt)
			}
			breaker.RecordFailure()
			lastKind = agent.KindOf(err)
			lastMsg = err.Error()
			slog.Debug("Agent attempt failed",
				"agent", desc.Name,
				"attempt", attempt,
				"error_kind", string(lastKind),
				"error", lastMsg,
			)
		}

		if !lastKind.Retriable() || attempt == maxAttempts {
			break
		}
		if err := e.sleep(ctx, e.backoff.Delay(attempt, e.jitter())); err != nil {
			return failure(desc.Name, agent.KindTimeout, "call cancelled during backoff", time.Since(start), attempt)
		}
	}

	return failure(desc.Name, lastKind, lastMsg, time.Since(start), attemptsMade)
}

// fallbackFor resolves the descriptor's fallback agent when it exists and is
// enabled.
func (e *Executor) fallbackFor(snap *agent.Snapshot, desc *agent.Descriptor) string {
	if desc.Fallback == "" {
		return ""
	}
	fb, ok := snap.Get(desc.Fallback)
	if !ok || !fb.Descriptor.Enabled {
		return ""
	}
	return desc.Fallback
}

// CallParallel executes tasks concurrently with at most maxParallel in
// flight. The result slice matches the task order. A failing task never
// aborts its peers; partial success is the caller's call to judge.
func (e *Executor) CallParallel(ctx context.Context, snap *agent.Snapshot, tasks []Task) []*agent.Response {
	responses := make([]*agent.Response, len(tasks))
	sem := semaphore.NewWeighted(e.maxParallel)
	var wg sync.WaitGroup

	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			responses[i] = failure(task.Agent, agent.KindTimeout, "call cancelled: "+err.Error(), 0, 0)
			continue
		}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer sem.Release(1)
			responses[i] = e.Call(ctx, snap, task.Agent, task.Input)
		}(i, task)
	}

	wg.Wait()
	return responses
}

// CallSequential executes tasks one by one. When injectUpstream is set, each
// task's input gains an "upstream" map of earlier agents' outputs keyed by
// agent name.
func (e *Executor) CallSequential(ctx context.Context, snap *agent.Snapshot, tasks []Task, injectUpstream bool) []*agent.Response {
	responses := make([]*agent.Response, len(tasks))
	upstream := make(map[string]any)

	for i, task := range tasks {
		input := task.Input
		if injectUpstream && len(upstream) > 0 {
			input = make(map[string]any, len(task.Input)+1)
			for k, v := range task.Input {
				input[k] = v
			}
			merged := make(map[string]any, len(upstream))
			for k, v := range upstream {
				merged[k] = v
			}
			input["upstream"] = merged
		}

		resp := e.Call(ctx, snap, task.Agent, input)
		responses[i] = resp
		if resp.Success {
			upstream[resp.AgentName] = resp.Data
		}
		if ctx.Err() != nil {
			for j := i + 1; j < len(tasks); j++ {
				responses[j] = failure(tasks[j].Agent, agent.KindTimeout, "pipeline cancelled", 0, 0)
			}
			break
		}
	}
	return responses
}

func failure(name string, kind agent.Kind, msg string, elapsed time.Duration, attempts int) *agent.Response {
	return &agent.Response{
		AgentName:     name,
		Success:       false,
		Error:         msg,
		ErrorKind:     kind,
		ExecutionTime: elapsed,
		Attempts:      attempts,
	}
}
