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

// Package reasoning selects which agents should serve a request. Strategies
// implement the same interface: a deterministic rules engine, a model-backed
// selector, and a hybrid that prefers rules and escalates to the model.
package reasoning

import (
	"context"

	"github.com/relayops/relay/pkg/agent"
)

// Method records which path produced a decision.
type Method string

const (
	MethodRule      Method = "rule"
	MethodRuleMulti Method = "rule_multi"
	MethodAI        Method = "ai"
	// MethodHybridRule and MethodHybridAI tag which half of the hybrid
	// strategy produced the decision.
	MethodHybridRule Method = "hybrid_rule"
	MethodHybridAI   Method = "hybrid_ai"
	// MethodHybrid labels an empty decision when both halves came up short.
	MethodHybrid Method = "hybrid"
)

// DefaultConfidenceThreshold is the minimum confidence at which a decision
// is acted on without escalation.
const DefaultConfidenceThreshold = 0.70

// Decision is the outcome of reasoning over one request. Confidence is
// internal: it is logged and drives escalation, but never crosses the
// service boundary.
type Decision struct {
	SelectedAgents []string                  `json:"selected_agents"`
	Parallel       bool                      `json:"parallel"`
	Params         map[string]map[string]any `json:"params,omitempty"`
	Method         Method                    `json:"method"`
	Confidence     float64                   `json:"confidence"`
	Explanation    string                    `json:"explanation"`
	// TokensUsed is the gateway token cost of a model-backed decision. Zero
	// on the pure rule path.
	TokensUsed int `json:"tokens_used,omitempty"`
}

// Empty reports whether the decision selected no agents.
func (d *Decision) Empty() bool {
	return d == nil || len(d.SelectedAgents) == 0
}

// Strategy decides which agents serve a request against a registry snapshot.
type Strategy interface {
	Name() string
	Decide(ctx context.Context, req agent.Request, snap *agent.Snapshot) (*Decision, error)
}
