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

// Package agent defines agent descriptors, the adapter contract over
// heterogeneous agent transports, and the snapshot-based agent registry.
package agent

import (
	"strings"
	"time"
)

// Request is the immutable request envelope: a query string plus arbitrary
// typed fields (operation, operands, data, location, session_id, ...).
type Request map[string]any

// Query returns the envelope's query string.
func (r Request) Query() string {
	q, _ := r["query"].(string)
	return q
}

// SessionID returns the caller-supplied session identifier, if any.
func (r Request) SessionID() string {
	s, _ := r["session_id"].(string)
	return s
}

// Field resolves a dotted field path ("data.items" reaches into nested maps).
func (r Request) Field(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a shallow copy. Adapters filter copies, never the original.
func (r Request) Clone() Request {
	out := make(Request, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Invocation identifies a single agent call within a pipeline run.
type Invocation struct {
	Agent     string         `json:"agent"`
	Input     map[string]any `json:"input"`
	Attempt   int            `json:"attempt"`
	QueryID   string         `json:"query_id"`
	SessionID string         `json:"session_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// Response is the outcome of an agent call. Data is opaque to the core.
type Response struct {
	AgentName     string         `json:"agent_name"`
	Success       bool           `json:"success"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     Kind           `json:"error_kind,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Attempts      int            `json:"attempts"`
	FellBack      bool           `json:"fellback,omitempty"`
}
