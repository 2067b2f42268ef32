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

package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/resilience"
)

func entry(t *testing.T, name string, handler agent.HandlerFunc, mutate func(*agent.Descriptor)) *agent.Entry {
	t.Helper()
	desc := &agent.Descriptor{Name: name, Enabled: true}
	desc.SetDefaults()
	if mutate != nil {
		mutate(desc)
	}
	adapter, err := agent.NewInProcessAdapter(desc, handler)
	require.NoError(t, err)
	return &agent.Entry{Descriptor: desc, Adapter: adapter}
}

func snapshot(t *testing.T, entries ...*agent.Entry) *agent.Snapshot {
	t.Helper()
	snap, err := agent.NewSnapshot(entries)
	require.NoError(t, err)
	return snap
}

// newFastExecutor removes real sleeps and jitter randomness from tests.
func newFastExecutor(cfg Config) *Executor {
	e := New(cfg)
	e.jitter = func() float64 { return 1.0 }
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func succeedAfter(failures int, kind agent.Kind) (agent.HandlerFunc, *atomic.Int32) {
	var calls atomic.Int32
	handler := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if int(calls.Add(1)) <= failures {
			return nil, agent.NewError("calculator", kind, "synthetic failure", nil)
		}
		return map[string]any{"result": 42.0}, nil
	}
	return handler, &calls
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 5 * time.Second}

	tests := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{1, 1.0, 100 * time.Millisecond},
		{2, 1.0, 200 * time.Millisecond},
		{3, 1.0, 400 * time.Millisecond},
		{7, 1.0, 5 * time.Second}, // capped
		{1, 0.5, 50 * time.Millisecond},
		{1, 1.5, 150 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt, tt.jitter))
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	handler, calls := succeedAfter(2, agent.KindTransient)
	snap := snapshot(t, entry(t, "calculator", handler, nil))
	e := newFastExecutor(Config{})

	resp := e.Call(context.Background(), snap, "calculator", map[string]any{"operation": "add"})
	require.True(t, resp.Success)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 42.0, resp.Data["result"])
}

func TestCallDoesNotRetryPermanentFailures(t *testing.T) {
	handler, calls := succeedAfter(10, agent.KindPermanent)
	snap := snapshot(t, entry(t, "calculator", handler, nil))
	e := newFastExecutor(Config{})

	resp := e.Call(context.Background(), snap, "calculator", nil)
	require.False(t, resp.Success)
	assert.Equal(t, agent.KindPermanent, resp.ErrorKind)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallExhaustsRetriesThenFails(t *testing.T) {
	handler, calls := succeedAfter(10, agent.KindTransient)
	snap := snapshot(t, entry(t, "calculator", handler, func(d *agent.Descriptor) {
		d.Limits.MaxRetries = 2
	}))
	e := newFastExecutor(Config{})

	resp := e.Call(context.Background(), snap, "calculator", nil)
	require.False(t, resp.Success)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallFallbackAfterExhaustion(t *testing.T) {
	failing, _ := succeedAfter(10, agent.KindTransient)
	backup := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"result": 7.0}, nil
	}
	snap := snapshot(t,
		entry(t, "calculator", failing, func(d *agent.Descriptor) {
			d.Fallback = "backup"
			d.Limits.MaxRetries = 1
		}),
		entry(t, "backup", backup, nil),
	)
	e := newFastExecutor(Config{})

	resp := e.Call(context.Background(), snap, "calculator", nil)
	require.True(t, resp.Success)
	assert.True(t, resp.FellBack)
	assert.Equal(t, "backup", resp.AgentName)
	assert.Equal(t, 7.0, resp.Data["result"])
}

func TestCallNoFallbackOnInputRejection(t *testing.T) {
	rejecting, _ := succeedAfter(10, agent.KindInputRejected)
	backup := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		t.Error("fallback must not run for rejected input")
		return nil, nil
	}
	snap := snapshot(t,
		entry(t, "calculator", rejecting, func(d *agent.Descriptor) { d.Fallback = "backup" }),
		entry(t, "backup", backup, nil),
	)
	e := newFastExecutor(Config{})

	resp := e.Call(context.Background(), snap, "calculator", nil)
	require.False(t, resp.Success)
	assert.Equal(t, agent.KindInputRejected, resp.ErrorKind)
	assert.False(t, resp.FellBack)
}

func TestCallSubstitutesFallbackWhenCircuitOpen(t *testing.T) {
	failing, _ := succeedAfter(10, agent.KindTransient)
	backup := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"result": 7.0}, nil
	}
	snap := snapshot(t,
		entry(t, "calculator", failing, func(d *agent.Descriptor) { d.Fallback = "backup" }),
		entry(t, "backup", backup, nil),
	)
	breakers := resilience.NewBreakerTable(resilience.BreakerConfig{FailureThreshold: 2})
	breakers.For("calculator").RecordFailure()
	breakers.For("calculator").RecordFailure()
	e := newFastExecutor(Config{Breakers: breakers})

	resp := e.Call(context.Background(), snap, "calculator", nil)
	require.True(t, resp.Success)
	assert.True(t, resp.FellBack)
	assert.Equal(t, "backup", resp.AgentName)
}

func TestCallCircuitOpenWithoutFallback(t *testing.T) {
	handler, calls := succeedAfter(0, agent.KindTransient)
	snap := snapshot(t, entry(t, "calculator", handler, nil))
	breakers := resilience.NewBreakerTable(resilience.BreakerConfig{FailureThreshold: 1})
	breakers.For("calculator").RecordFailure()
	e := newFastExecutor(Config{Breakers: breakers})

	resp := e.Call(context.Background(), snap, "calculator", nil)
	require.False(t, resp.Success)
	assert.Equal(t, agent.KindCircuitOpen, resp.ErrorKind)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCallUnknownAgent(t *testing.T) {
	snap := snapshot(t)
	e := newFastExecutor(Config{})

	resp := e.Call(context.Background(), snap, "nonexistent", nil)
	require.False(t, resp.Success)
	assert.Equal(t, agent.KindPermanent, resp.ErrorKind)
}

// A local rate cap must not poison the circuit breaker; the cap is our
// throttle, not the agent's failure.
func TestRateLimitDoesNotTripBreaker(t *testing.T) {
	handler, _ := succeedAfter(0, agent.KindTransient)
	snap := snapshot(t, entry(t, "calculator", handler, func(d *agent.Descriptor) {
		d.Limits.RatePerMinute = 1
		d.Limits.MaxRetries = 0
	}))
	breakers := resilience.NewBreakerTable(resilience.BreakerConfig{FailureThreshold: 2})
	e := newFastExecutor(Config{Breakers: breakers})

	first := e.Call(context.Background(), snap, "calculator", nil)
	require.True(t, first.Success)

	for i := 0; i < 10; i++ {
		resp := e.Call(context.Background(), snap, "calculator", nil)
		require.False(t, resp.Success)
		assert.Equal(t, agent.KindRateLimited, resp.ErrorKind)
	}
	assert.Equal(t, resilience.StateClosed, breakers.For("calculator").State())
}

func TestCallParallelPreservesOrder(t *testing.T) {
	make2 := func(name string, result float64) *agent.Entry {
		return entry(t, name, func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"result": result}, nil
		}, nil)
	}
	snap := snapshot(t, make2("a", 1), make2("b", 2), make2("c", 3), make2("d", 4))
	e := newFastExecutor(Config{MaxParallel: 2})

	tasks := []Task{
		{Agent: "d"}, {Agent: "b"}, {Agent: "a"}, {Agent: "c"},
	}
	responses := e.CallParallel(context.Background(), snap, tasks)
	require.Len(t, responses, 4)
	assert.Equal(t, "d", responses[0].AgentName)
	assert.Equal(t, "b", responses[1].AgentName)
	assert.Equal(t, "a", responses[2].AgentName)
	assert.Equal(t, "c", responses[3].AgentName)
}

func TestCallParallelBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	handler := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return map[string]any{"result": 1.0}, nil
	}

	var entries []*agent.Entry
	var tasks []Task
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		entries = append(entries, entry(t, name, handler, nil))
		tasks = append(tasks, Task{Agent: name})
	}
	e := newFastExecutor(Config{MaxParallel: 3})

	responses := e.CallParallel(context.Background(), snapshot(t, entries...), tasks)
	for _, r := range responses {
		require.True(t, r.Success)
	}
	assert.LessOrEqual(t, peak, 3)
}

func TestCallSequentialInjectsUpstream(t *testing.T) {
	producer := entry(t, "calculator", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"result": 10.0}, nil
	}, nil)

	var sawUpstream map[string]any
	consumer := entry(t, "processor", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		sawUpstream, _ = input["upstream"].(map[string]any)
		return map[string]any{"result": 20.0}, nil
	}, nil)

	e := newFastExecutor(Config{})
	responses := e.CallSequential(context.Background(), snapshot(t, producer, consumer),
		[]Task{{Agent: "calculator"}, {Agent: "processor"}}, true)

	require.Len(t, responses, 2)
	require.True(t, responses[1].Success)
	require.NotNil(t, sawUpstream)
	calcOut, ok := sawUpstream["calculator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10.0, calcOut["result"])
}

func TestCallSequentialStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := entry(t, "a", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{"result": 1.0}, nil
	}, nil)
	second := entry(t, "b", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		t.Error("second task must not run after cancellation")
		return nil, nil
	}, nil)

	e := newFastExecutor(Config{})
	responses := e.CallSequential(ctx, snapshot(t, first, second),
		[]Task{{Agent: "a"}, {Agent: "b"}}, true)

	require.Len(t, responses, 2)
	assert.True(t, responses[0].Success)
	assert.False(t, responses[1].Success)
	assert.Equal(t, agent.KindTimeout, responses[1].ErrorKind)
}
