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

import "context"

// Adapter is the uniform call contract over agent transports. Implementations
// filter the input through the descriptor's allow/deny lists, enforce the
// per-call deadline, and classify failures as *Error.
type Adapter interface {
	// Name returns the agent name the adapter serves.
	Name() string

	// Call invokes the agent with the given input. The context carries the
	// per-call deadline; on expiry the call is cancelled and the adapter
	// returns an *Error with KindTimeout.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)

	// Schema returns the JSON schema of the agent's input, or nil when the
	// agent declares none. Used when prompting the model gateway.
	Schema() map[string]any

	// Close releases transport resources. Safe to call more than once.
	Close() error
}
