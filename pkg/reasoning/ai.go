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
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/gateway"
)

const aiSystemPrompt = `You are an agent router. Given a user request and a catalog of agents,
select the agents that should handle it. Respond with a single JSON object:
{"agents": ["name", ...], "parallel": true|false, "confidence": 0.0-1.0,
"reasoning": "one sentence", "parameters": {"agent_name": {...}}}.
Select only agents from the catalog. Select no agents if none apply.`

// AIStrategy asks the model gateway to pick agents. The model sees agent
// names, descriptions, and capabilities, never raw credentials or prior
// session content.
type AIStrategy struct {
	client *gateway.Client
}

// NewAIStrategy builds the model-backed strategy.
func NewAIStrategy(client *gateway.Client) (*AIStrategy, error) {
	if client == nil {
		return nil, fmt.Errorf("ai reasoning requires a model gateway")
	}
	return &AIStrategy{client: client}, nil
}

// Name implements Strategy.
func (s *AIStrategy) Name() string { return "ai" }

// aiDecision is the JSON shape the model is asked to produce.
type aiDecision struct {
	Agents     []string                  `json:"agents"`
	Parallel   bool                      `json:"parallel"`
	Confidence float64                   `json:"confidence"`
	Reasoning  string                    `json:"reasoning"`
	Parameters map[string]map[string]any `json:"parameters"`
}

// Decide sends the agent catalog and the request to the gateway and parses
// the selection. Unknown or disabled agents are dropped; confidence is
// clamped to [0, 1].
func (s *AIStrategy) Decide(ctx context.Context, req agent.Request, snap *agent.Snapshot) (*Decision, error) {
	raw, usage, err := s.client.CompleteJSON(ctx, aiSystemPrompt, s.userPrompt(req, snap))
	if err != nil {
		return nil, fmt.Errorf("ai reasoning failed: %w", err)
	}
	slog.Debug("AI reasoning completed", "total_tokens", usage.TotalTokens)

	var parsed aiDecision
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("ai reasoning returned malformed JSON: %w", err)
	}

	selected := availableTargets(dedupe(parsed.Agents), snap)
	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if len(selected) == 0 {
		confidence = 0
	}

	params := make(map[string]map[string]any)
	for name, p := range parsed.Parameters {
		if entry, ok := snap.Get(name); ok && entry.Descriptor.Enabled {
			params[name] = p
		}
	}

	return &Decision{
		SelectedAgents: selected,
		Parallel:       parsed.Parallel && len(selected) > 1,
		Params:         params,
		Method:         MethodAI,
		Confidence:     confidence,
		Explanation:    parsed.Reasoning,
		TokensUsed:     usage.TotalTokens,
	}, nil
}

func (s *AIStrategy) userPrompt(req agent.Request, snap *agent.Snapshot) string {
	var b strings.Builder
	b.WriteString("Agent catalog:\n")
	for _, entry := range snap.ListEnabled() {
		d := entry.Descriptor
		fmt.Fprintf(&b, "- %s: %s (capabilities: %s)\n",
			d.Name, d.Description, strings.Join(d.Capabilities, ", "))
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(gateway.Redact(req.Query()))
	if fields := requestFields(req); fields != "" {
		b.WriteString("\nFields: ")
		b.WriteString(fields)
	}
	return b.String()
}

// requestFields lists non-query field names so the model sees the envelope
// shape without its values.
func requestFields(req agent.Request) string {
	var names []string
	for k := range req {
		if k != "query" && k != "session_id" {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
