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
	"fmt"
	"sort"
	"strings"

	"github.com/relayops/relay/pkg/agent"
)

// RulesEngine is the deterministic strategy: declared rules are evaluated
// against the request and matched rules nominate agents. Identical inputs
// against an identical rule set always produce identical decisions.
type RulesEngine struct {
	rules     []*Rule
	threshold float64
}

// NewRulesEngine validates the rule set and builds the engine. Rules keep
// their declared order only as a final tiebreak input; ranking is by
// priority, then base confidence, then name.
func NewRulesEngine(rules []*Rule, threshold float64) (*RulesEngine, error) {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return &RulesEngine{rules: rules, threshold: threshold}, nil
}

// Name implements Strategy.
func (e *RulesEngine) Name() string { return "rules" }

// Decide evaluates every enabled rule. Matches ranked by priority descending,
// base confidence descending, name ascending. When several matches clear the
// confidence threshold their targets run as one parallel group; otherwise the
// top match alone decides. No match yields an empty zero-confidence decision.
func (e *RulesEngine) Decide(_ context.Context, req agent.Request, snap *agent.Snapshot) (*Decision, error) {
	var matches []*Rule
	for _, r := range e.rules {
		if r.Disabled {
			continue
		}
		if r.Matches(req) {
			matches = append(matches, r)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		if matches[i].BaseConfidence != matches[j].BaseConfidence {
			return matches[i].BaseConfidence > matches[j].BaseConfidence
		}
		return matches[i].Name < matches[j].Name
	})

	var strong []*Rule
	for _, r := range matches {
		if r.BaseConfidence >= e.threshold {
			strong = append(strong, r)
		}
	}

	if len(strong) > 1 {
		return e.multiMatch(strong, snap), nil
	}
	if len(matches) > 0 {
		return e.singleMatch(matches[0], snap), nil
	}
	return &Decision{
		SelectedAgents: []string{},
		Method:         MethodRule,
		Confidence:     0,
		Explanation:    "no rule matched the request",
	}, nil
}

func (e *RulesEngine) singleMatch(r *Rule, snap *agent.Snapshot) *Decision {
	targets := availableTargets(r.TargetAgents, snap)
	return &Decision{
		SelectedAgents: targets,
		Parallel:       r.Parallel && len(targets) > 1,
		Method:         MethodRule,
		Confidence:     r.BaseConfidence,
		Explanation:    fmt.Sprintf("rule %q matched", r.Name),
	}
}

// multiMatch unions the targets of every strong match into one parallel group.
// Confidence is the mean of the contributing rules' base confidences.
func (e *RulesEngine) multiMatch(strong []*Rule, snap *agent.Snapshot) *Decision {
	var union []string
	seen := make(map[string]bool)
	names := make([]string, 0, len(strong))
	total := 0.0
	for _, r := range strong {
		names = append(names, r.Name)
		total += r.BaseConfidence
		for _, t := range availableTargets(r.TargetAgents, snap) {
			if !seen[t] {
				seen[t] = true
				union = append(union, t)
			}
		}
	}
	return &Decision{
		SelectedAgents: union,
		Parallel:       len(union) > 1,
		Method:         MethodRuleMulti,
		Confidence:     total / float64(len(strong)),
		Explanation:    fmt.Sprintf("rules %s matched", strings.Join(names, ", ")),
	}
}

// availableTargets filters targets to agents that are registered and enabled,
// preserving the rule's declared order.
func availableTargets(targets []string, snap *agent.Snapshot) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if entry, ok := snap.Get(t); ok && entry.Descriptor.Enabled {
			out = append(out, t)
		}
	}
	return out
}
