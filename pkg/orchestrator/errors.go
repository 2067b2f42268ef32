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

package orchestrator

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies pipeline failures for callers. Messages carried by
// these errors are safe to surface: no prompts, no stack traces, no internal
// scores.
type ErrorCode string

const (
	CodeInvalidRequest   ErrorCode = "invalid_request"
	CodeSecurityError    ErrorCode = "security_error"
	CodeNoAgents         ErrorCode = "no_agents"
	CodeAgentFailure     ErrorCode = "agent_failure"
	CodeValidationFailed ErrorCode = "validation_failed"
	CodeGatewayError     ErrorCode = "gateway_error"
	CodeCancelled        ErrorCode = "cancelled"
	CodeInternal         ErrorCode = "internal"
)

// PipelineError is the outward-facing failure of a pipeline run. Agents
// carries per-agent failures when the pipeline ran them but none succeeded.
type PipelineError struct {
	Code      ErrorCode    `json:"code"`
	Message   string       `json:"message"`
	RequestID string       `json:"request_id,omitempty"`
	Agents    []AgentError `json:"agents,omitempty"`
	Err       error        `json:"-"`
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError builds a PipelineError.
func NewError(code ErrorCode, message string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: err}
}

// HTTPStatus maps an error code to a response status.
func (e *PipelineError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest, CodeSecurityError:
		return http.StatusBadRequest
	case CodeNoAgents:
		return http.StatusNotFound
	case CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case CodeAgentFailure, CodeGatewayError:
		return http.StatusBadGateway
	case CodeCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
