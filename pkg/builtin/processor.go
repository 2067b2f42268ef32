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
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/relayops/relay/pkg/agent"
)

// ProcessParams is the data-processor's input schema.
type ProcessParams struct {
	Data      []float64 `json:"data" mapstructure:"data"`
	Transform string    `json:"transform" mapstructure:"transform" jsonschema:"enum=sum,enum=avg,enum=min,enum=max,enum=count,enum=median"`
}

// Process applies a numeric transform to a data series. When a pipeline
// runs it downstream of other agents, numeric upstream results are folded
// into the series.
func Process(_ context.Context, input map[string]any) (map[string]any, error) {
	var params ProcessParams
	if err := mapstructure.WeakDecode(input, &params); err != nil {
		return nil, agent.NewError("data-processor", agent.KindInputRejected, "malformed input", err)
	}

	data := params.Data
	if upstream, ok := input["upstream"].(map[string]any); ok {
		data = append(data, upstreamNumbers(upstream)...)
	}
	if len(data) == 0 {
		return nil, agent.NewError("data-processor", agent.KindInputRejected,
			"data must contain at least one number", nil)
	}
	if params.Transform == "" {
		params.Transform = "sum"
	}

	var result float64
	switch params.Transform {
	case "sum":
		for _, v := range data {
			result += v
		}
	case "avg":
		for _, v := range data {
			result += v
		}
		result /= float64(len(data))
	case "min":
		result = data[0]
		for _, v := range data[1:] {
			if v < result {
				result = v
			}
		}
	case "max":
		result = data[0]
		for _, v := range data[1:] {
			if v > result {
				result = v
			}
		}
	case "count":
		result = float64(len(data))
	case "median":
		sorted := append([]float64(nil), data...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			result = (sorted[mid-1] + sorted[mid]) / 2
		} else {
			result = sorted[mid]
		}
	default:
		return nil, agent.NewError("data-processor", agent.KindInputRejected,
			fmt.Sprintf("unknown transform %q", params.Transform), nil)
	}

	return map[string]any{
		"result":    result,
		"transform": params.Transform,
		"count":     len(data),
	}, nil
}

// upstreamNumbers extracts "result" numbers from upstream agent outputs.
func upstreamNumbers(upstream map[string]any) []float64 {
	var out []float64
	for _, v := range upstream {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if n, ok := m["result"].(float64); ok {
			out = append(out, n)
		}
	}
	return out
}
