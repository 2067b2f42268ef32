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

package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/gateway"
)

// gatewayStub serves a fixed model answer in the chat completions shape.
func gatewayStub(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": answer}},
			},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestAIStrategyDecide(t *testing.T) {
	server := gatewayStub(t, `{
		"agents": ["calculator", "calculator", "nonexistent"],
		"parallel": true,
		"confidence": 1.7,
		"reasoning": "math request",
		"parameters": {"calculator": {"precision": 2}, "nonexistent": {}}
	}`)
	defer server.Close()

	snap := testSnapshot(t, "calculator", "search")
	strategy, err := NewAIStrategy(gateway.New(gateway.Config{URL: server.URL}))
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(), agent.Request{"query": "add 2 and 2"}, snap)
	require.NoError(t, err)

	// Duplicates and unknown agents dropped, confidence clamped.
	assert.Equal(t, []string{"calculator"}, decision.SelectedAgents)
	assert.Equal(t, 1.0, decision.Confidence)
	assert.Equal(t, MethodAI, decision.Method)
	assert.Equal(t, "math request", decision.Explanation)
	assert.Equal(t, 2, decision.TokensUsed, "gateway usage lands on the decision for the query log")
	assert.False(t, decision.Parallel, "single agent never runs as a parallel group")
	assert.Contains(t, decision.Params, "calculator")
	assert.NotContains(t, decision.Params, "nonexistent")
}

func TestAIStrategyEmptySelection(t *testing.T) {
	server := gatewayStub(t, `{"agents": [], "confidence": 0.9, "reasoning": "nothing fits"}`)
	defer server.Close()

	snap := testSnapshot(t, "calculator")
	strategy, err := NewAIStrategy(gateway.New(gateway.Config{URL: server.URL}))
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(), agent.Request{"query": "hi"}, snap)
	require.NoError(t, err)
	assert.True(t, decision.Empty())
	assert.Equal(t, 0.0, decision.Confidence, "empty selection forces zero confidence")
}

func TestAIStrategyMalformedJSON(t *testing.T) {
	server := gatewayStub(t, `agents: calculator`)
	defer server.Close()

	snap := testSnapshot(t, "calculator")
	strategy, err := NewAIStrategy(gateway.New(gateway.Config{URL: server.URL}))
	require.NoError(t, err)

	_, err = strategy.Decide(context.Background(), agent.Request{"query": "hi"}, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestAIStrategyRequiresGateway(t *testing.T) {
	_, err := NewAIStrategy(nil)
	require.Error(t, err)
}

func TestHybridPrefersConfidentRule(t *testing.T) {
	// A gateway that would fail loudly if consulted.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be consulted when a rule is confident")
	}))
	defer server.Close()

	snap := testSnapshot(t, "calculator")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{calcRule()},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(), agent.Request{"operation": "add"}, snap)
	require.NoError(t, err)
	assert.Equal(t, MethodHybridRule, decision.Method)
	assert.Equal(t, []string{"calculator"}, decision.SelectedAgents)
}

func TestHybridEscalatesWeakMatch(t *testing.T) {
	server := gatewayStub(t, `{"agents": ["search"], "confidence": 0.85, "reasoning": "looks like search"}`)
	defer server.Close()

	weak := searchRule()
	weak.BaseConfidence = 0.40

	snap := testSnapshot(t, "calculator", "search")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{weak},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(), agent.Request{"query": "search for cats"}, snap)
	require.NoError(t, err)
	assert.Equal(t, MethodHybridAI, decision.Method)
	assert.Equal(t, []string{"search"}, decision.SelectedAgents)
}

func TestHybridFallsBackWhenGatewayFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadRequest)
	}))
	defer server.Close()

	weak := searchRule()
	weak.BaseConfidence = 0.40

	snap := testSnapshot(t, "search")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{weak},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(), agent.Request{"query": "search for cats"}, snap)
	require.NoError(t, err)
	// The weak rule decision survives the failed escalation.
	assert.Equal(t, []string{"search"}, decision.SelectedAgents)
	assert.Equal(t, 0.40, decision.Confidence)
}

func TestHybridMultiRuleConfirmed(t *testing.T) {
	// The model agrees with part of the union, so the decision stands.
	server := gatewayStub(t, `{"agents": ["calculator"], "confidence": 0.9, "reasoning": "math"}`)
	defer server.Close()

	snap := testSnapshot(t, "calculator", "search")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{calcRule(), searchRule()},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(),
		agent.Request{"query": "search and add", "operation": "add"}, snap)
	require.NoError(t, err)
	assert.Equal(t, MethodRuleMulti, decision.Method)
	assert.ElementsMatch(t, []string{"calculator", "search"}, decision.SelectedAgents)
	assert.InDelta(t, 0.875, decision.Confidence, 1e-9)
}

func TestHybridMultiRuleRejected(t *testing.T) {
	// A disjoint model selection downgrades confidence but never swaps the
	// agent set.
	server := gatewayStub(t, `{"agents": ["weather"], "confidence": 0.9, "reasoning": "forecast"}`)
	defer server.Close()

	snap := testSnapshot(t, "calculator", "search", "weather")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{calcRule(), searchRule()},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(),
		agent.Request{"query": "search and add", "operation": "add"}, snap)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"calculator", "search"}, decision.SelectedAgents)
	assert.InDelta(t, 0.875*0.6, decision.Confidence, 1e-9)
	assert.Contains(t, decision.Explanation, "cross-check")
}

func TestHybridMultiRuleConfirmationGatewayDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadRequest)
	}))
	defer server.Close()

	snap := testSnapshot(t, "calculator", "search")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{calcRule(), searchRule()},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(),
		agent.Request{"query": "search and add", "operation": "add"}, snap)
	require.NoError(t, err)
	assert.InDelta(t, 0.875, decision.Confidence, 1e-9, "failed cross-check leaves the decision untouched")
}

func TestHybridBothEmpty(t *testing.T) {
	server := gatewayStub(t, `{"agents": [], "confidence": 0.0, "reasoning": "nothing applies"}`)
	defer server.Close()

	snap := testSnapshot(t, "calculator")
	strategy, err := New(Config{
		Mode:    ModeHybrid,
		Rules:   []*Rule{calcRule()},
		Gateway: gateway.New(gateway.Config{URL: server.URL}),
	})
	require.NoError(t, err)

	decision, err := strategy.Decide(context.Background(), agent.Request{"query": "unrelated"}, snap)
	require.NoError(t, err)
	assert.True(t, decision.Empty())
	assert.Equal(t, MethodHybrid, decision.Method)
	assert.Equal(t, 0.0, decision.Confidence)
}

func TestFactoryUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reasoning mode")
}
