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
	"log/slog"

	"github.com/relayops/relay/pkg/agent"
)

// HybridStrategy tries the rules engine first and escalates to the model
// only when the rule decision is empty or falls below the confidence
// threshold. The escalation degrades gracefully: an unavailable gateway
// falls back to whatever the rules produced.
type HybridStrategy struct {
	rules     *RulesEngine
	ai        *AIStrategy
	threshold float64
}

// NewHybridStrategy composes the two strategies. The AI half is optional;
// without it the hybrid behaves like the rules engine with hybrid labeling.
func NewHybridStrategy(rules *RulesEngine, ai *AIStrategy, threshold float64) *HybridStrategy {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &HybridStrategy{rules: rules, ai: ai, threshold: threshold}
}

// Name implements Strategy.
func (s *HybridStrategy) Name() string { return "hybrid" }

// Decide prefers a confident rule decision; otherwise it asks the model.
// When both paths come up empty the decision is empty with zero confidence,
// which the pipeline surfaces as a no-agents error.
func (s *HybridStrategy) Decide(ctx context.Context, req agent.Request, snap *agent.Snapshot) (*Decision, error) {
	ruleDecision, err := s.rules.Decide(ctx, req, snap)
	if err != nil {
		return nil, err
	}
	if !ruleDecision.Empty() && ruleDecision.Confidence >= s.threshold {
		if ruleDecision.Method == MethodRuleMulti && s.ai != nil {
			s.confirmMulti(ctx, req, snap, ruleDecision)
		}
		return tagRulePath(ruleDecision), nil
	}

	if s.ai == nil {
		return s.settle(ruleDecision, nil), nil
	}

	aiDecision, err := s.ai.Decide(ctx, req, snap)
	if err != nil {
		slog.Warn("AI escalation failed, falling back to rule decision", "error", err)
		return s.settle(ruleDecision, nil), nil
	}
	return s.settle(ruleDecision, aiDecision), nil
}

// confirmMulti asks the model to cross-check a multi-rule selection. A model
// that picks a disjoint agent set downgrades the decision's confidence; it
// never changes the selected agents. Gateway failures leave the decision
// untouched.
func (s *HybridStrategy) confirmMulti(ctx context.Context, req agent.Request, snap *agent.Snapshot, d *Decision) {
	aiDecision, err := s.ai.Decide(ctx, req, snap)
	if err != nil {
		slog.Debug("Multi-rule confirmation skipped", "error", err)
		return
	}
	if aiDecision.Empty() || overlaps(d.SelectedAgents, aiDecision.SelectedAgents) {
		return
	}
	d.Confidence *= 0.6
	d.Explanation += "; model cross-check selected a different agent set"
	slog.Info("Multi-rule selection not confirmed by model, confidence downgraded",
		"rule_agents", d.SelectedAgents, "model_agents", aiDecision.SelectedAgents,
		"confidence", d.Confidence)
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if set[n] {
			return true
		}
	}
	return false
}

// tagRulePath marks a rule-produced decision as having come through the
// hybrid path. Multi-rule decisions keep their rule_multi tag.
func tagRulePath(d *Decision) *Decision {
	if d.Method == MethodRule {
		d.Method = MethodHybridRule
	}
	return d
}

// settle picks between the weak rule decision and the AI decision. The AI
// decision wins when it selected anything; an empty AI decision falls back to
// the rule decision so a flaky model cannot erase a legitimate weak match.
func (s *HybridStrategy) settle(ruleDecision, aiDecision *Decision) *Decision {
	if !aiDecision.Empty() {
		aiDecision.Method = MethodHybridAI
		return aiDecision
	}
	if !ruleDecision.Empty() {
		return tagRulePath(ruleDecision)
	}
	return &Decision{
		SelectedAgents: []string{},
		Method:         MethodHybrid,
		Confidence:     0,
		Explanation:    "no rule matched and model escalation selected no agents",
	}
}
