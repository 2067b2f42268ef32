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
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/relayops/relay/pkg/agent"
)

// CalculatorParams is the calculator's input schema.
type CalculatorParams struct {
	Operation string    `json:"operation" mapstructure:"operation" jsonschema:"enum=add,enum=subtract,enum=multiply,enum=divide,enum=power"`
	Operands  []float64 `json:"operands" mapstructure:"operands"`
}

var operandPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// operationWords maps free-text verbs to operations. First hit wins, in
// declared order.
var operationWords = []struct {
	operation string
	words     []string
}{
	{"add", []string{"add", "plus", "sum", "total"}},
	{"subtract", []string{"subtract", "minus", "difference"}},
	{"multiply", []string{"multiply", "times", "product"}},
	{"divide", []string{"divide", "quotient"}},
	{"power", []string{"power", "raised to"}},
}

// fillFromQuery parses operands and an operation verb out of the request's
// free-text query. Structured fields always win; only missing pieces are
// filled, so a query-routed request works without an explicit operands list.
func (p *CalculatorParams) fillFromQuery(input map[string]any) {
	query, _ := input["query"].(string)
	if query == "" {
		return
	}
	if len(p.Operands) < 2 {
		var nums []float64
		for _, m := range operandPattern.FindAllString(query, -1) {
			if f, err := strconv.ParseFloat(m, 64); err == nil {
				nums = append(nums, f)
			}
		}
		if len(nums) >= 2 {
			p.Operands = nums
		}
	}
	if p.Operation == "" {
		lower := strings.ToLower(query)
		for _, candidate := range operationWords {
			for _, w := range candidate.words {
				if strings.Contains(lower, w) {
					p.Operation = candidate.operation
					return
				}
			}
		}
	}
}

// Calculate performs basic arithmetic over the operands, left to right.
// Division by zero is a permanent error, never an infinite result.
func Calculate(_ context.Context, input map[string]any) (map[string]any, error) {
	var params CalculatorParams
	if err := mapstructure.WeakDecode(input, &params); err != nil {
		return nil, agent.NewError("calculator", agent.KindInputRejected,
			fmt.Sprintf("malformed input: %v", err), err)
	}
	params.fillFromQuery(input)
	if len(params.Operands) < 2 {
		return nil, agent.NewError("calculator", agent.KindInputRejected,
			"at least two operands are required", nil)
	}

	result := params.Operands[0]
	for _, operand := range params.Operands[1:] {
		switch params.Operation {
		case "add":
			result += operand
		case "subtract":
			result -= operand
		case "multiply":
			result *= operand
		case "divide":
			if operand == 0 {
				return nil, agent.NewError("calculator", agent.KindPermanent,
					"division by zero", nil)
			}
			result /= operand
		case "power":
			result = math.Pow(result, operand)
		default:
			return nil, agent.NewError("calculator", agent.KindInputRejected,
				fmt.Sprintf("unknown operation %q", params.Operation), nil)
		}
	}

	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil, agent.NewError("calculator", agent.KindPermanent,
			"computation produced a non-finite result", nil)
	}
	return map[string]any{
		"result":    result,
		"operation": params.Operation,
		"operands":  params.Operands,
	}, nil
}
