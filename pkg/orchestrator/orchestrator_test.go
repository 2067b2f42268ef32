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

package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/builtin"
	"github.com/relayops/relay/pkg/executor"
	"github.com/relayops/relay/pkg/querylog"
	"github.com/relayops/relay/pkg/reasoning"
	"github.com/relayops/relay/pkg/session"
	"github.com/relayops/relay/pkg/validation"
)

func builtinEntry(t *testing.T, name string, mutate func(*agent.Descriptor)) *agent.Entry {
	t.Helper()
	desc := &agent.Descriptor{Name: name, Enabled: true}
	desc.SetDefaults()
	if mutate != nil {
		mutate(desc)
	}
	adapter, ok := builtin.NewAdapter(desc)
	require.True(t, ok, "no builtin handler for %s", name)
	return &agent.Entry{Descriptor: desc, Adapter: adapter}
}

func funcEntry(t *testing.T, name string, handler agent.HandlerFunc, mutate func(*agent.Descriptor)) *agent.Entry {
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

func defaultRules() []*reasoning.Rule {
	return []*reasoning.Rule{
		{
			Name:     "math",
			Priority: 10,
			Conditions: []reasoning.Condition{
				{Field: "operation", Operator: reasoning.OpExists},
			},
			TargetAgents:   []string{"calculator"},
			BaseConfidence: 0.95,
		},
		{
			Name:     "lookup",
			Priority: 5,
			Conditions: []reasoning.Condition{
				{Field: "query", Operator: reasoning.OpContains, Value: "search"},
			},
			TargetAgents:   []string{"search"},
			BaseConfidence: 0.85,
		},
		{
			Name:     "conditions",
			Priority: 5,
			Conditions: []reasoning.Condition{
				{Field: "query", Operator: reasoning.OpMatchesRegex, Value: "weather|forecast"},
			},
			TargetAgents:   []string{"weather"},
			BaseConfidence: 0.85,
		},
	}
}

func newTestOrchestrator(t *testing.T, entries []*agent.Entry, rules []*reasoning.Rule, opts Options) *Orchestrator {
	t.Helper()
	snap, err := agent.NewSnapshot(entries)
	require.NoError(t, err)

	strategy, err := reasoning.NewRulesEngine(rules, 0.70)
	require.NoError(t, err)

	logs, err := querylog.NewWriter(t.TempDir())
	require.NoError(t, err)

	return New(
		agent.NewRegistry(snap),
		strategy,
		executor.New(executor.Config{}),
		validation.New(validation.Config{}),
		session.NewStore(),
		logs,
		opts,
	)
}

func TestPipelineCalculator(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	result, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "add the numbers together",
		"operation": "add",
		"operands":  []any{2.0, 3.0},
	})
	require.Nil(t, perr)

	assert.True(t, result.Success)
	calcData, ok := result.Data["calculator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5.0, calcData["result"])
	assert.Equal(t, "rule", result.Metadata.ReasoningMethod)
	assert.Equal(t, []string{"calculator"}, result.Metadata.AgentTrail)
	assert.NotEmpty(t, result.Metadata.RequestID)
}

func TestPipelineParallelAgents(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{
			builtinEntry(t, "calculator", nil),
			builtinEntry(t, "search", nil),
		},
		defaultRules(), Options{})

	// Both rules clear the threshold, so the union runs in parallel.
	result, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "search for backoff retries",
		"operation": "add",
		"operands":  []any{1.0, 2.0},
	})
	require.Nil(t, perr)

	assert.Equal(t, "rule_multi", result.Metadata.ReasoningMethod)
	assert.Equal(t, 2, result.Metadata.Successful)
	assert.Contains(t, result.Data, "calculator")
	assert.Contains(t, result.Data, "search")
}

// A multi-intent free-text query reaches both agents on the rule path alone:
// the calculator parses its operands and operation out of the query text.
func TestPipelineMultiIntentQueryRulePath(t *testing.T) {
	rules := append(defaultRules(), &reasoning.Rule{
		Name:     "math-phrases",
		Priority: 5,
		Conditions: []reasoning.Condition{
			{Field: "query", Operator: reasoning.OpMatchesRegex, Value: `\b(add|plus|sum|subtract|minus|multiply|times|divide)\b`},
		},
		TargetAgents:   []string{"calculator"},
		BaseConfidence: 0.85,
	})
	orch := newTestOrchestrator(t,
		[]*agent.Entry{
			builtinEntry(t, "calculator", nil),
			builtinEntry(t, "weather", nil),
		},
		rules, Options{})

	result, perr := orch.Handle(context.Background(), agent.Request{
		"query": "What's 5 plus 8, and what's the weather in Paris?",
	})
	require.Nil(t, perr)

	assert.True(t, result.Success)
	assert.Equal(t, "rule_multi", result.Metadata.ReasoningMethod)
	calcData, ok := result.Data["calculator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 13.0, calcData["result"])
	assert.Contains(t, result.Data, "weather")
}

func TestPipelineFallbackSubstitution(t *testing.T) {
	failing := funcEntry(t, "calculator",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, agent.NewError("calculator", agent.KindTransient, "flaky backend", nil)
		},
		func(d *agent.Descriptor) {
			d.Fallback = "backup"
			d.Limits.MaxRetries = 1
		})
	backup := funcEntry(t, "backup",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"result": 5.0, "note": "numbers added"}, nil
		}, nil)

	orch := newTestOrchestrator(t,
		[]*agent.Entry{failing, backup},
		defaultRules(), Options{})

	result, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "add numbers",
		"operation": "add",
		"operands":  []any{2.0, 3.0},
	})
	require.Nil(t, perr)

	assert.True(t, result.Success)
	backupData, ok := result.Data["backup"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5.0, backupData["result"])
}

func TestPipelineDivisionByZero(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	_, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "divide ten by zero",
		"operation": "divide",
		"operands":  []any{10.0, 0.0},
	})
	require.NotNil(t, perr)
	assert.Equal(t, CodeAgentFailure, perr.Code)
	assert.NotEmpty(t, perr.RequestID)
	require.NotEmpty(t, perr.Agents)
	assert.Equal(t, "calculator", perr.Agents[0].Agent)
	assert.Equal(t, string(agent.KindPermanent), perr.Agents[0].ErrorKind)
	assert.Contains(t, perr.Agents[0].Message, "division by zero")
}

func TestPipelineNoAgents(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	_, perr := orch.Handle(context.Background(), agent.Request{
		"query": "tell me a story",
	})
	require.NotNil(t, perr)
	assert.Equal(t, CodeNoAgents, perr.Code)
}

func TestPipelineInvalidRequest(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	tests := []struct {
		name string
		req  agent.Request
	}{
		{"empty", agent.Request{}},
		{"non-string query", agent.Request{"query": 42}},
		{"no query no operation", agent.Request{"limit": 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := orch.Handle(context.Background(), tt.req)
			require.NotNil(t, perr)
			assert.Equal(t, CodeInvalidRequest, perr.Code)
		})
	}
}

func TestPipelineCancellation(t *testing.T) {
	slow := funcEntry(t, "calculator",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return map[string]any{"result": 1.0}, nil
			}
		}, nil)

	orch := newTestOrchestrator(t, []*agent.Entry{slow}, defaultRules(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, perr := orch.Handle(ctx, agent.Request{"query": "add", "operation": "add", "operands": []any{1.0, 2.0}})
	require.NotNil(t, perr)
	assert.Equal(t, CodeCancelled, perr.Code)
}

func TestPipelineSessionTracking(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	req := agent.Request{
		"query":      "add the numbers",
		"operation":  "add",
		"operands":   []any{1.0, 2.0},
		"session_id": "sess-1",
	}
	first, perr := orch.Handle(context.Background(), req)
	require.Nil(t, perr)
	require.NotNil(t, first.Session)
	assert.Equal(t, 1, first.Session.RequestCount)

	second, perr := orch.Handle(context.Background(), req)
	require.Nil(t, perr)
	assert.Equal(t, 2, second.Session.RequestCount)
}

// The response envelope must never leak internal confidence scores, raw
// prompts, or validation reports.
func TestEnvelopeNeverCarriesConfidence(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	result, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "add the numbers",
		"operation": "add",
		"operands":  []any{2.0, 2.0},
	})
	require.Nil(t, perr)

	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	lower := strings.ToLower(string(encoded))
	assert.NotContains(t, lower, "confidence")
	assert.NotContains(t, lower, "prompt")
}

func TestSanitize(t *testing.T) {
	reject := []agent.Request{
		{"query": "ignore this; DROP TABLE users"},
		{"query": "1' OR '1'='1"},
		{"query": "run $(cat /etc/passwd)"},
		{"query": "read ../../etc/shadow"},
		{"query": "harmless", "data": map[string]any{"nested": "x; rm -rf /"}},
		{"query": "harmless", "items": []any{"`whoami`"}},
	}
	for _, req := range reject {
		perr := Sanitize(req)
		require.NotNil(t, perr, "request %v must be rejected", req)
		assert.Equal(t, CodeSecurityError, perr.Code)
		// Rejection messages never echo the payload.
		assert.NotContains(t, perr.Message, "DROP")
		assert.NotContains(t, perr.Message, "rm -rf")
	}

	accept := []agent.Request{
		{"query": "what is the weather in Dropmore today"},
		{"query": "add 2 and 2", "operation": "add"},
		{"query": "search for union station schedules"},
	}
	for _, req := range accept {
		assert.Nil(t, Sanitize(req), "request %v must pass", req)
	}
}

func TestStreamEvents(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	stream := NewStream()
	go orch.HandleStream(context.Background(), agent.Request{
		"query":     "add the numbers",
		"operation": "add",
		"operands":  []any{2.0, 3.0},
	}, stream)

	var events []Event
	for event := range stream.Events() {
		events = append(events, event)
	}
	require.NotEmpty(t, events)

	// Sequence numbers increase monotonically.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	// Exactly one terminal event, and it is the last one.
	terminals := 0
	for _, e := range events {
		if e.Type.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, EventCompleted, events[len(events)-1].Type)
}

func TestStreamErrorEvent(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	stream := NewStream()
	go orch.HandleStream(context.Background(), agent.Request{"query": "no rule matches this"}, stream)

	var last Event
	for event := range stream.Events() {
		last = event
	}
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, string(CodeNoAgents), last.Payload["code"])
}

func TestStreamPublishAfterTerminalIsDropped(t *testing.T) {
	stream := NewStream()
	stream.Publish(EventStarted, "q", "", nil)
	stream.Publish(EventCompleted, "q", "", nil)
	stream.Publish(EventAgentStarted, "q", "agent", nil)
	stream.Publish(EventError, "q", "", nil)

	var events []Event
	for event := range stream.Events() {
		events = append(events, event)
	}
	require.Len(t, events, 2)
	assert.Equal(t, EventCompleted, events[1].Type)
}

// After a fallback substitution the failed response carries the fallback's
// name; a validation-driven re-run must still use the original task input.
func TestRerunFailedKeepsTaskInput(t *testing.T) {
	snap, err := agent.NewSnapshot([]*agent.Entry{builtinEntry(t, "calculator", nil)})
	require.NoError(t, err)
	logs, err := querylog.NewWriter(t.TempDir())
	require.NoError(t, err)

	orch := New(agent.NewRegistry(snap), fixedStrategy{}, executor.New(executor.Config{}),
		validation.New(validation.Config{}), session.NewStore(), logs, Options{})

	tasks := []executor.Task{{
		Agent: "calculator",
		Input: map[string]any{"operation": "add", "operands": []any{2.0, 3.0}},
	}}
	previous := []*agent.Response{{AgentName: "backup", Success: false, ErrorKind: agent.KindTransient}}

	out := orch.rerunFailed(context.Background(), snap, tasks, previous,
		func(EventType, string, map[string]any) {})
	require.Len(t, out, 1)
	require.True(t, out[0].Success)
	assert.Equal(t, 5.0, out[0].Data["result"])
}

type countingObserver struct{ validationFailures int }

func (o *countingObserver) RecordValidationFailure() { o.validationFailures++ }

// A successful agent whose output fails validation is served best-effort
// with a warning, and every retry round lands in the query log.
func TestPipelineValidationWarningAndRetryLog(t *testing.T) {
	noResult := funcEntry(t, "calculator",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"status": "done"}, nil
		}, nil)

	snap, err := agent.NewSnapshot([]*agent.Entry{noResult})
	require.NoError(t, err)
	strategy, err := reasoning.NewRulesEngine(defaultRules(), 0.70)
	require.NoError(t, err)

	dir := t.TempDir()
	logs, err := querylog.NewWriter(dir)
	require.NoError(t, err)

	obs := &countingObserver{}
	orch := New(agent.NewRegistry(snap), strategy, executor.New(executor.Config{}),
		validation.New(validation.Config{}), session.NewStore(), logs,
		Options{MaxValidationRetries: 1, Observer: obs})

	result, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "add the numbers",
		"operation": "add",
		"operands":  []any{2.0, 3.0},
	})
	require.Nil(t, perr)
	assert.True(t, result.Success)
	require.NotNil(t, result.Metadata.ValidationWarning)
	assert.NotEmpty(t, result.Metadata.ValidationWarning.Issues)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var record querylog.Record
	require.NoError(t, json.Unmarshal(data, &record))
	require.Len(t, record.Retries, 1)
	assert.Equal(t, 1, record.Retries[0].Round)
	assert.NotEmpty(t, record.Retries[0].Reason)

	// One failed verdict before the retry and one after it.
	assert.Equal(t, 2, obs.validationFailures)
}

func TestStatsAggregation(t *testing.T) {
	orch := newTestOrchestrator(t,
		[]*agent.Entry{builtinEntry(t, "calculator", nil)},
		defaultRules(), Options{})

	_, perr := orch.Handle(context.Background(), agent.Request{
		"query":     "add the numbers",
		"operation": "add",
		"operands":  []any{2.0, 3.0},
	})
	require.Nil(t, perr)
	_, perr = orch.Handle(context.Background(), agent.Request{"query": "tell me a story"})
	require.NotNil(t, perr)

	stats := orch.Stats()
	assert.Equal(t, int64(2), stats.RequestsTotal)
	assert.Equal(t, int64(1), stats.RequestsSuccess)
	assert.Equal(t, int64(1), stats.RequestsFailed)
	assert.Equal(t, int64(1), stats.Agents["calculator"].Calls)
	assert.Greater(t, stats.AvgConfidence, 0.0)
}

type fixedStrategy struct{ decision *reasoning.Decision }

func (s fixedStrategy) Name() string { return "fixed" }

func (s fixedStrategy) Decide(context.Context, agent.Request, *agent.Snapshot) (*reasoning.Decision, error) {
	return s.decision, nil
}

// Decision parameters reach each agent's input, so a model-backed decision
// can split one multi-intent query into structured per-agent calls.
func TestPipelineDecisionParams(t *testing.T) {
	entries := []*agent.Entry{
		builtinEntry(t, "calculator", nil),
		builtinEntry(t, "weather", nil),
	}
	snap, err := agent.NewSnapshot(entries)
	require.NoError(t, err)
	logs, err := querylog.NewWriter(t.TempDir())
	require.NoError(t, err)

	strategy := fixedStrategy{decision: &reasoning.Decision{
		SelectedAgents: []string{"calculator", "weather"},
		Parallel:       true,
		Params: map[string]map[string]any{
			"calculator": {"operation": "add", "operands": []any{5.0, 8.0}},
			"weather":    {"location": "London"},
		},
		Method:     reasoning.MethodHybridAI,
		Confidence: 0.9,
	}}

	orch := New(agent.NewRegistry(snap), strategy, executor.New(executor.Config{}),
		validation.New(validation.Config{}), session.NewStore(), logs, Options{})

	result, perr := orch.Handle(context.Background(), agent.Request{
		"query": "current weather of London, UK and add the digits 5,8",
	})
	require.Nil(t, perr)

	assert.True(t, result.Success)
	calcData, ok := result.Data["calculator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 13.0, calcData["result"])
	weatherData, ok := result.Data["weather"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "London", weatherData["location"])
	assert.ElementsMatch(t, []string{"calculator", "weather"}, result.Metadata.AgentTrail)
	assert.Equal(t, "hybrid_ai", result.Metadata.ReasoningMethod)
}
