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
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relayops/relay/pkg/agent"
)

// Operator compares a request field against a rule value.
type Operator string

const (
	OpEquals       Operator = "equals"
	OpContains     Operator = "contains"
	OpMatchesRegex Operator = "matches_regex"
	OpExists       Operator = "exists"
	OpGreaterThan  Operator = "gt"
	OpLessThan     Operator = "lt"
	OpIn           Operator = "in"
)

// Condition is one field test inside a rule.
type Condition struct {
	Field         string   `yaml:"field" json:"field"`
	Operator      Operator `yaml:"operator" json:"operator"`
	Value         any      `yaml:"value" json:"value,omitempty"`
	CaseSensitive bool     `yaml:"case_sensitive" json:"case_sensitive,omitempty"`

	// compiled regex, populated by Validate for matches_regex.
	re *regexp.Regexp
}

// Rule maps matching requests to target agents. Rules are declared in YAML
// and evaluated in deterministic order.
type Rule struct {
	Name           string      `yaml:"name" json:"name"`
	Priority       int         `yaml:"priority" json:"priority"`
	Combinator     string      `yaml:"combinator" json:"combinator,omitempty"`
	Conditions     []Condition `yaml:"conditions" json:"conditions"`
	TargetAgents   []string    `yaml:"target_agents" json:"target_agents"`
	BaseConfidence float64     `yaml:"base_confidence" json:"base_confidence"`
	// Parallel runs a multi-target rule's agents concurrently. Off, the
	// targets run sequentially with upstream output injection.
	Parallel bool `yaml:"parallel" json:"parallel,omitempty"`
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// Validate checks the rule schema and compiles regex conditions.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.Name)
	}
	if len(r.TargetAgents) == 0 {
		return fmt.Errorf("rule %s: at least one target agent is required", r.Name)
	}
	if r.BaseConfidence < 0 || r.BaseConfidence > 1 {
		return fmt.Errorf("rule %s: base_confidence must be in [0, 1]", r.Name)
	}
	switch r.Combinator {
	case "", "and", "or":
	default:
		return fmt.Errorf("rule %s: combinator must be \"and\" or \"or\"", r.Name)
	}
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if c.Field == "" {
			return fmt.Errorf("rule %s: condition %d: field is required", r.Name, i)
		}
		switch c.Operator {
		case OpEquals, OpContains, OpIn, OpGreaterThan, OpLessThan:
			if c.Value == nil {
				return fmt.Errorf("rule %s: condition %d: operator %s requires a value", r.Name, i, c.Operator)
			}
		case OpExists:
		case OpMatchesRegex:
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("rule %s: condition %d: matches_regex requires a string pattern", r.Name, i)
			}
			if !c.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("rule %s: condition %d: invalid pattern: %w", r.Name, i, err)
			}
			c.re = re
		default:
			return fmt.Errorf("rule %s: condition %d: unknown operator %q", r.Name, i, c.Operator)
		}
	}
	return nil
}

// Matches evaluates the rule's conditions against a request.
func (r *Rule) Matches(req agent.Request) bool {
	or := r.Combinator == "or"
	for i := range r.Conditions {
		hit := r.Conditions[i].matches(req)
		if or && hit {
			return true
		}
		if !or && !hit {
			return false
		}
	}
	return !or
}

func (c *Condition) matches(req agent.Request) bool {
	fieldValue, present := req.Field(c.Field)

	switch c.Operator {
	case OpExists:
		return present
	}
	if !present {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return c.compareStrings(fieldValue, func(field, want string) bool {
			return field == want
		})
	case OpContains:
		return c.compareStrings(fieldValue, strings.Contains)
	case OpMatchesRegex:
		s, ok := asString(fieldValue)
		return ok && c.re != nil && c.re.MatchString(s)
	case OpGreaterThan:
		f, ok1 := asFloat(fieldValue)
		w, ok2 := asFloat(c.Value)
		return ok1 && ok2 && f > w
	case OpLessThan:
		f, ok1 := asFloat(fieldValue)
		w, ok2 := asFloat(c.Value)
		return ok1 && ok2 && f < w
	case OpIn:
		items, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if equalValues(fieldValue, item, c.CaseSensitive) {
				return true
			}
		}
		return false
	}
	return false
}

func (c *Condition) compareStrings(fieldValue any, cmp func(field, want string) bool) bool {
	field, ok1 := asString(fieldValue)
	want, ok2 := asString(c.Value)
	if !ok1 || !ok2 {
		// Fall back to numeric equality for equals on numbers.
		if c.Operator == OpEquals {
			f, okF := asFloat(fieldValue)
			w, okW := asFloat(c.Value)
			return okF && okW && f == w
		}
		return false
	}
	if !c.CaseSensitive {
		field = strings.ToLower(field)
		want = strings.ToLower(want)
	}
	return cmp(field, want)
}

func equalValues(a, b any, caseSensitive bool) bool {
	if as, ok1 := asString(a); ok1 {
		if bs, ok2 := asString(b); ok2 {
			if !caseSensitive {
				return strings.EqualFold(as, bs)
			}
			return as == bs
		}
	}
	if af, ok1 := asFloat(a); ok1 {
		if bf, ok2 := asFloat(b); ok2 {
			return af == bf
		}
	}
	return false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
