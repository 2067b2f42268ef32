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
	"context"
	"errors"
	"fmt"
)

// Kind classifies an agent call failure. Retriable kinds may be retried by
// the executor; the rest fail the attempt terminally.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindTransient       Kind = "transient"
	KindPermanent       Kind = "permanent"
	KindInputRejected   Kind = "input_rejected"
	KindInvalidResponse Kind = "invalid_response"
	KindCircuitOpen     Kind = "circuit_open"
	KindRateLimited     Kind = "rate_limited"
)

// Retriable reports whether a failure of this kind may be retried.
func (k Kind) Retriable() bool {
	switch k {
	case KindTimeout, KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified agent call failure.
type Error struct {
	Agent   string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %s: %v", e.Agent, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("agent %s: %s: %s", e.Agent, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified agent error.
func NewError(agent string, kind Kind, message string, err error) *Error {
	return &Error{Agent: agent, Kind: kind, Message: message, Err: err}
}

// asAgentError is errors.As specialized to *Error.
func asAgentError(err error, target **Error) bool {
	return errors.As(err, target)
}

// KindOf extracts the failure kind from an error. Context deadline errors
// classify as timeouts; anything unclassified is treated as transient so the
// executor gives remote hiccups a second chance.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}
