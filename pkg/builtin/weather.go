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
	"hash/fnv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/relayops/relay/pkg/agent"
)

// WeatherParams is the weather agent's input schema.
type WeatherParams struct {
	Location string `json:"location" mapstructure:"location"`
}

var conditions = []string{"clear", "partly cloudy", "overcast", "light rain", "heavy rain", "snow", "fog"}

// Weather returns deterministic synthetic conditions for a location. The
// same location always reports the same weather, which keeps the sample
// agent useful for consistency checks.
func Weather(_ context.Context, input map[string]any) (map[string]any, error) {
	var params WeatherParams
	if err := mapstructure.WeakDecode(input, &params); err != nil {
		return nil, agent.NewError("weather", agent.KindInputRejected, "malformed input", err)
	}
	location := strings.TrimSpace(params.Location)
	if location == "" {
		// Fall back to the free-text query when a structured location is
		// absent.
		if q, ok := input["query"].(string); ok {
			location = strings.TrimSpace(q)
		}
	}
	if location == "" {
		return nil, agent.NewError("weather", agent.KindInputRejected, "location is required", nil)
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(location)))
	seed := h.Sum32()

	return map[string]any{
		"location":      location,
		"temperature_c": float64(int(seed%45)) - 10, // -10..34
		"humidity_pct":  float64(30 + seed%60),
		"conditions":    conditions[seed%uint32(len(conditions))],
	}, nil
}
