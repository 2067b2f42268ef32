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
	"fmt"

	"github.com/relayops/relay/pkg/gateway"
)

// Reasoning modes selectable in configuration.
const (
	ModeRule   = "rule"
	ModeAI     = "ai"
	ModeHybrid = "hybrid"
)

// Config selects and parameterizes a strategy.
type Config struct {
	Mode      string
	Rules     []*Rule
	Threshold float64
	Gateway   *gateway.Client
}

// New builds the strategy for the configured mode. Hybrid is the default;
// it tolerates a missing gateway, while the pure AI mode requires one.
func New(cfg Config) (Strategy, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}

	switch cfg.Mode {
	case ModeRule:
		return NewRulesEngine(cfg.Rules, cfg.Threshold)
	case ModeAI:
		return NewAIStrategy(cfg.Gateway)
	case ModeHybrid:
		rules, err := NewRulesEngine(cfg.Rules, cfg.Threshold)
		if err != nil {
			return nil, err
		}
		var ai *AIStrategy
		if cfg.Gateway != nil {
			if ai, err = NewAIStrategy(cfg.Gateway); err != nil {
				return nil, err
			}
		}
		return NewHybridStrategy(rules, ai, cfg.Threshold), nil
	default:
		return nil, fmt.Errorf("unknown reasoning mode %q (want rule, ai, or hybrid)", cfg.Mode)
	}
}
