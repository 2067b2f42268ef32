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

package builtin

import (
	"context"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/relayops/relay/pkg/agent"
)

// SearchParams is the search agent's input schema.
type SearchParams struct {
	Query string `json:"query" mapstructure:"query"`
	Limit int    `json:"limit,omitempty" mapstructure:"limit"`
}

// minRelevance filters out documents that barely overlap the query.
const minRelevance = 0.10

type document struct {
	Title string
	Body  string
}

// corpus is a small static document set for the sample search agent.
var corpus = []document{
	{"Go concurrency patterns", "Goroutines and channels let programs compose concurrent pipelines with worker pools and fan-out fan-in stages."},
	{"Circuit breakers in distributed systems", "A circuit breaker isolates a failing dependency: after repeated failures calls short-circuit until a cool-down elapses."},
	{"Retry strategies and exponential backoff", "Retrying transient failures with exponential backoff and jitter avoids thundering herds while bounding latency."},
	{"Understanding HTTP server timeouts", "Read, write, and idle timeouts protect servers from slow clients; handlers should honor request contexts."},
	{"Structured logging practices", "Structured logs carry key-value fields so aggregation systems can filter by request id, level, and component."},
	{"Weather data pipelines", "Ingesting weather observations requires deduplication, unit normalization, and late-arrival handling."},
	{"Capacity planning for caches", "Cache hit rate depends on working set size; eviction policy matters less than sizing for the hot set."},
	{"Token buckets and rate limiting", "A token bucket admits bursts up to its capacity while enforcing a sustained rate over time."},
}

// Search ranks the static corpus by lexical overlap with the query and
// returns documents above the relevance floor.
func Search(_ context.Context, input map[string]any) (map[string]any, error) {
	var params SearchParams
	if err := mapstructure.WeakDecode(input, &params); err != nil {
		return nil, agent.NewError("search", agent.KindInputRejected, "malformed input", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, agent.NewError("search", agent.KindInputRejected, "query is required", nil)
	}
	if params.Limit <= 0 || params.Limit > len(corpus) {
		params.Limit = 5
	}

	terms := tokenize(params.Query)
	type hit struct {
		doc   document
		score float64
	}
	var hits []hit
	for _, doc := range corpus {
		text := strings.ToLower(doc.Title + " " + doc.Body)
		matched := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matched++
			}
		}
		if len(terms) == 0 {
			continue
		}
		score := float64(matched) / float64(len(terms))
		if score >= minRelevance {
			hits = append(hits, hit{doc: doc, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > params.Limit {
		hits = hits[:params.Limit]
	}

	results := make([]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{
			"title":     h.doc.Title,
			"snippet":   h.doc.Body,
			"relevance": h.score,
		})
	}
	return map[string]any{
		"results": results,
		"count":   len(results),
		"query":   params.Query,
	}, nil
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'()")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
