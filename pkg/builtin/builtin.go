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

// Package builtin provides the in-process sample agents. Configured agents
// with the in_process transport bind to these handlers by name.
package builtin

import (
	"github.com/relayops/relay/pkg/agent"
)

// binding pairs a handler with its adapter options.
type binding struct {
	handler agent.HandlerFunc
	opts    []agent.InProcessOption
}

var bindings = map[string]binding{
	"calculator":     {handler: Calculate, opts: []agent.InProcessOption{agent.WithParamsType(CalculatorParams{})}},
	"search":         {handler: Search, opts: []agent.InProcessOption{agent.WithParamsType(SearchParams{})}},
	"weather":        {handler: Weather, opts: []agent.InProcessOption{agent.WithParamsType(WeatherParams{})}},
	"data-processor": {handler: Process, opts: []agent.InProcessOption{agent.WithParamsType(ProcessParams{})}},
}

// Names lists the available builtin agent names.
func Names() []string {
	out := make([]string, 0, len(bindings))
	for name := range bindings {
		out = append(out, name)
	}
	return out
}

// NewAdapter binds a descriptor to its builtin handler. The descriptor name
// selects the handler.
func NewAdapter(desc *agent.Descriptor) (*agent.InProcessAdapter, bool) {
	b, ok := bindings[desc.Name]
	if !ok {
		return nil, false
	}
	adapter, err := agent.NewInProcessAdapter(desc, b.handler, b.opts...)
	if err != nil {
		return nil, false
	}
	return adapter, true
}
