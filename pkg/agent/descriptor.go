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

package agent

import (
	"fmt"
	"time"
)

// TransportKind selects the adapter variant for an agent.
type TransportKind string

const (
	// TransportInProcess invokes a bound Go function.
	TransportInProcess TransportKind = "in_process"
	// TransportRemoteTool invokes a named tool on an external MCP server.
	TransportRemoteTool TransportKind = "remote_tool"
)

// Connection describes how to reach a remote tool server.
type Connection struct {
	// URL of the MCP server (HTTP transports).
	URL string `yaml:"url" json:"url,omitempty"`
	// Transport is the MCP transport: sse, streamable-http, or stdio.
	Transport string `yaml:"transport" json:"transport,omitempty"`
	// Tool is the remote tool name. Defaults to the agent name.
	Tool string `yaml:"tool" json:"tool,omitempty"`
	// Command and Args for stdio transport.
	Command string   `yaml:"command" json:"command,omitempty"`
	Args    []string `yaml:"args" json:"args,omitempty"`
}

// Limits bounds a single agent's calls.
type Limits struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	RatePerMinute int           `yaml:"rate_per_minute" json:"rate_per_minute"`
}

// Default limits applied when a descriptor leaves them unset.
const (
	DefaultMaxRetries = 2
	DefaultTimeout    = 30 * time.Second
)

// Descriptor is the registry entry for one agent.
type Descriptor struct {
	Name         string        `yaml:"name" json:"name"`
	Description  string        `yaml:"description" json:"description,omitempty"`
	Capabilities []string      `yaml:"capabilities" json:"capabilities"`
	Transport    TransportKind `yaml:"transport" json:"transport"`
	Connection   Connection    `yaml:"connection" json:"connection,omitempty"`
	AllowFields  []string      `yaml:"allow_fields" json:"allow_fields,omitempty"`
	DenyFields   []string      `yaml:"deny_fields" json:"deny_fields,omitempty"`
	Limits       Limits        `yaml:"limits" json:"limits"`
	Fallback     string        `yaml:"fallback" json:"fallback,omitempty"`
	Optional     bool          `yaml:"optional" json:"optional,omitempty"`
	Enabled      bool          `yaml:"enabled" json:"enabled"`
}

// SetDefaults fills unset limits.
func (d *Descriptor) SetDefaults() {
	if d.Limits.MaxRetries == 0 {
		d.Limits.MaxRetries = DefaultMaxRetries
	}
	if d.Limits.Timeout == 0 {
		d.Limits.Timeout = DefaultTimeout
	}
	if d.Transport == "" {
		d.Transport = TransportInProcess
	}
	if d.Transport == TransportRemoteTool && d.Connection.Tool == "" {
		d.Connection.Tool = d.Name
	}
}

// Validate checks the descriptor schema.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	switch d.Transport {
	case TransportInProcess:
	case TransportRemoteTool:
		if d.Connection.URL == "" && d.Connection.Command == "" {
			return fmt.Errorf("agent %s: remote_tool requires connection.url or connection.command", d.Name)
		}
	default:
		return fmt.Errorf("agent %s: unknown transport %q", d.Name, d.Transport)
	}
	if d.Limits.MaxRetries < 0 {
		return fmt.Errorf("agent %s: max_retries cannot be negative", d.Name)
	}
	if d.Limits.Timeout < 0 {
		return fmt.Errorf("agent %s: timeout cannot be negative", d.Name)
	}
	return nil
}

// HasCapability reports whether the descriptor carries a capability tag.
func (d *Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// FilterInput applies the descriptor's allow-list and deny-list to a copy of
// the input. A deny-list hit fails the call with KindInputRejected. An empty
// allow-list admits every field not denied.
func (d *Descriptor) FilterInput(input map[string]any) (map[string]any, error) {
	for _, denied := range d.DenyFields {
		if _, present := input[denied]; present {
			return nil, NewError(d.Name, KindInputRejected,
				fmt.Sprintf("input field %q is denied", denied), nil)
		}
	}

	if len(d.AllowFields) == 0 {
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]any, len(d.AllowFields))
	for _, allowed := range d.AllowFields {
		if v, present := input[allowed]; present {
			out[allowed] = v
		}
	}
	return out, nil
}
