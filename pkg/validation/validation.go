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

// Package validation scores aggregated agent outputs before they are
// returned to the caller. Checks are read-only: a validator never mutates
// agent outputs, it only judges them. Scores and confidence are internal
// diagnostics; they reach the query log, never the response envelope.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/gateway"
)

// DefaultThreshold is the minimum weighted confidence for a valid result.
const DefaultThreshold = 0.70

// Default check weights. They sum to 1.
const (
	DefaultRelevanceWeight     = 0.40
	DefaultConsistencyWeight   = 0.30
	DefaultHallucinationWeight = 0.30
)

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// Report is the verdict over one set of agent responses.
type Report struct {
	Valid      bool          `json:"valid"`
	Confidence float64       `json:"confidence"`
	Checks     []CheckResult `json:"checks"`
	Issues     []string      `json:"issues,omitempty"`
}

// HardFailure reports whether the outputs are structurally wrong rather
// than merely thin: non-finite numbers, empty payloads, or a missing result
// for an explicit operation. The pipeline retries hard and soft misses
// alike and, once retries are exhausted, serves the result best-effort with
// a warning; this flag feeds the hallucination-rate stats.
func (r *Report) HardFailure() bool {
	for _, c := range r.Checks {
		if c.Name == "hallucination" && c.Score == 0 {
			return true
		}
	}
	return false
}

// Config parameterizes a Validator.
type Config struct {
	Threshold           float64
	RelevanceWeight     float64
	ConsistencyWeight   float64
	HallucinationWeight float64
	// Gateway enables the model-backed plausibility check. Nil skips it.
	Gateway *gateway.Client
}

// SetDefaults fills unset weights and normalizes them to sum to 1.
func (c *Config) SetDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.RelevanceWeight == 0 && c.ConsistencyWeight == 0 && c.HallucinationWeight == 0 {
		c.RelevanceWeight = DefaultRelevanceWeight
		c.ConsistencyWeight = DefaultConsistencyWeight
		c.HallucinationWeight = DefaultHallucinationWeight
	}
	total := c.RelevanceWeight + c.ConsistencyWeight + c.HallucinationWeight
	if total > 0 && total != 1 {
		c.RelevanceWeight /= total
		c.ConsistencyWeight /= total
		c.HallucinationWeight /= total
	}
}

// Validator runs the configured checks.
type Validator struct {
	cfg Config
}

// New creates a Validator.
func New(cfg Config) *Validator {
	cfg.SetDefaults()
	return &Validator{cfg: cfg}
}

// Threshold returns the configured validity threshold.
func (v *Validator) Threshold() float64 { return v.cfg.Threshold }

// Validate scores the successful responses against the request. A set with
// no successful responses is invalid with zero confidence. The optional
// model-backed check runs only when a gateway is configured, available, and
// the result is non-trivial; its failure is never fatal.
func (v *Validator) Validate(ctx context.Context, req agent.Request, responses []*agent.Response) *Report {
	report := &Report{}

	successes := make([]*agent.Response, 0, len(responses))
	for _, r := range responses {
		if r.Success {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		report.Issues = append(report.Issues, "no successful agent responses to validate")
		return report
	}

	relevance := v.relevanceCheck(req, successes, report)
	consistency := v.consistencyCheck(successes, report)
	hallucination := v.hallucinationCheck(req, successes, report)

	report.Checks = append(report.Checks,
		CheckResult{Name: "relevance", Score: relevance, Weight: v.cfg.RelevanceWeight},
		CheckResult{Name: "consistency", Score: consistency, Weight: v.cfg.ConsistencyWeight},
		CheckResult{Name: "hallucination", Score: hallucination, Weight: v.cfg.HallucinationWeight},
	)

	confidence := relevance*v.cfg.RelevanceWeight +
		consistency*v.cfg.ConsistencyWeight +
		hallucination*v.cfg.HallucinationWeight

	if score, ok := v.aiCheck(ctx, req, successes); ok {
		report.Checks = append(report.Checks, CheckResult{Name: "ai_plausibility", Score: score, Weight: 0.40})
		confidence = confidence*0.60 + score*0.40
	}

	report.Confidence = confidence
	report.Valid = confidence >= v.cfg.Threshold && hallucination > 0
	return report
}

// relevanceCheck measures lexical overlap between the query terms and the
// stringified outputs. Requests without a query string are trivially
// relevant; structured operations are judged by the other checks.
func (v *Validator) relevanceCheck(req agent.Request, responses []*agent.Response, report *Report) float64 {
	query := strings.ToLower(req.Query())
	terms := queryTerms(query)
	if len(terms) == 0 {
		return 1.0
	}

	best := 0.0
	for _, r := range responses {
		text := strings.ToLower(flatten(r.Data))
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		score := float64(hits) / float64(len(terms))
		if score > best {
			best = score
		}
	}

	// Sparse overlap is normal for numeric answers; only a total miss across
	// every agent is suspicious.
	if best == 0 {
		report.Issues = append(report.Issues, "no agent output shares any term with the query")
		return 0.30
	}
	return 0.50 + 0.50*best
}

// consistencyCheck compares scalar values that appear under the same key in
// more than one agent's output. Disagreement drags the score down.
func (v *Validator) consistencyCheck(responses []*agent.Response, report *Report) float64 {
	if len(responses) < 2 {
		return 1.0
	}

	values := make(map[string][]any)
	for _, r := range responses {
		for k, val := range r.Data {
			if isScalar(val) {
				values[k] = append(values[k], val)
			}
		}
	}

	shared, conflicts := 0, 0
	for key, vals := range values {
		if len(vals) < 2 {
			continue
		}
		shared++
		first := fmt.Sprintf("%v", vals[0])
		for _, val := range vals[1:] {
			if fmt.Sprintf("%v", val) != first {
				conflicts++
				report.Issues = append(report.Issues,
					fmt.Sprintf("agents disagree on field %q", key))
				break
			}
		}
	}
	if shared == 0 {
		return 1.0
	}
	return 1.0 - float64(conflicts)/float64(shared)
}

// hallucinationCheck runs structural sanity heuristics: numeric outputs must
// be finite, empty payloads are not answers, and an answer to an explicit
// operation should mention its result.
func (v *Validator) hallucinationCheck(req agent.Request, responses []*agent.Response, report *Report) float64 {
	score := 1.0
	for _, r := range responses {
		if len(r.Data) == 0 {
			report.Issues = append(report.Issues,
				fmt.Sprintf("agent %s returned an empty payload", r.AgentName))
			score = 0
			continue
		}
		if bad := firstNonFinite(r.Data); bad != "" {
			report.Issues = append(report.Issues,
				fmt.Sprintf("agent %s returned a non-finite number in %q", r.AgentName, bad))
			score = 0
		}
	}
	if score == 0 {
		return 0
	}

	// An explicit operation request must produce a result field somewhere;
	// an answer without one is not an answer.
	if op, ok := req["operation"].(string); ok && op != "" {
		found := false
		for _, r := range responses {
			if _, present := r.Data["result"]; present {
				found = true
				break
			}
		}
		if !found {
			report.Issues = append(report.Issues,
				fmt.Sprintf("operation %q produced no result field", op))
			score = 0
		}
	}
	return score
}

// aiCheck asks the gateway to score plausibility. It reports ok=false when
// skipped, keeping heuristic-only scoring intact.
func (v *Validator) aiCheck(ctx context.Context, req agent.Request, responses []*agent.Response) (float64, bool) {
	if v.cfg.Gateway == nil || !v.cfg.Gateway.Available() {
		return 0, false
	}
	// Trivial outputs are not worth a model round trip.
	if len(responses) == 1 && len(responses[0].Data) <= 1 {
		return 0, false
	}

	summary, err := json.Marshal(responsesSummary(responses))
	if err != nil {
		return 0, false
	}
	system := `You judge whether agent outputs plausibly answer a request.
Respond with a single JSON object: {"score": 0.0-1.0, "reason": "one sentence"}.`
	user := fmt.Sprintf("Request: %s\nOutputs: %s", gateway.Redact(req.Query()), string(summary))

	raw, _, err := v.cfg.Gateway.CompleteJSON(ctx, system, user)
	if err != nil {
		slog.Debug("Validation AI check skipped", "error", err)
		return 0, false
	}
	var parsed struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, false
	}
	return math.Max(0, math.Min(1, parsed.Score)), true
}

func responsesSummary(responses []*agent.Response) map[string]any {
	out := make(map[string]any, len(responses))
	for _, r := range responses {
		out[r.AgentName] = r.Data
	}
	return out
}

// queryTerms splits a query into terms worth matching, dropping short
// stopword-like tokens.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}

// flatten renders nested data as searchable text.
func flatten(data map[string]any) string {
	var b strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, val := range t {
				b.WriteString(k)
				b.WriteByte(' ')
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		default:
			fmt.Fprintf(&b, "%v ", t)
		}
	}
	walk(data)
	return b.String()
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int64, json.Number:
		return true
	}
	return false
}

// firstNonFinite returns the key of the first NaN or infinite number found,
// walking nested maps and slices.
func firstNonFinite(data map[string]any) string {
	var find func(key string, v any) string
	find = func(key string, v any) string {
		switch t := v.(type) {
		case float64:
			if math.IsNaN(t) || math.IsInf(t, 0) {
				return key
			}
		case map[string]any:
			for k, val := range t {
				if bad := find(k, val); bad != "" {
					return bad
				}
			}
		case []any:
			for _, val := range t {
				if bad := find(key, val); bad != "" {
					return bad
				}
			}
		}
		return ""
	}
	for k, v := range data {
		if bad := find(k, v); bad != "" {
			return bad
		}
	}
	return ""
}
