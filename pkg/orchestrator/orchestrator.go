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

// Package orchestrator runs the query pipeline: sanitize, reason, execute,
// validate, aggregate. It owns the outward error taxonomy and the response
// envelope; internal confidence scores never leave it except into the query
// log.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/executor"
	"github.com/relayops/relay/pkg/querylog"
	"github.com/relayops/relay/pkg/reasoning"
	"github.com/relayops/relay/pkg/session"
	"github.com/relayops/relay/pkg/validation"
)

// DefaultPipelineTimeout bounds a whole pipeline run. A tighter caller
// deadline wins.
const DefaultPipelineTimeout = 120 * time.Second

// DefaultMaxValidationRetries bounds validation-driven re-execution.
const DefaultMaxValidationRetries = 2

// Observer receives pipeline-level metric callbacks.
type Observer interface {
	RecordValidationFailure()
}

type noopObserver struct{}

func (noopObserver) RecordValidationFailure() {}

// Options tunes pipeline behavior.
type Options struct {
	MaxValidationRetries int
	// ReuseAgentOutputs keeps successful outputs across a validation retry
	// and re-executes only the failed agents.
	ReuseAgentOutputs bool
	PipelineTimeout   time.Duration
	Observer          Observer
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	registry  *agent.Registry
	strategy  reasoning.Strategy
	executor  *executor.Executor
	validator *validation.Validator
	sessions  *session.Store
	logs      *querylog.Writer
	opts      Options
	stats     *statsCollector
}

// New assembles an orchestrator.
func New(reg *agent.Registry, strategy reasoning.Strategy, exec *executor.Executor,
	validator *validation.Validator, sessions *session.Store, logs *querylog.Writer, opts Options) *Orchestrator {
	if opts.MaxValidationRetries == 0 {
		opts.MaxValidationRetries = DefaultMaxValidationRetries
	}
	if opts.PipelineTimeout == 0 {
		opts.PipelineTimeout = DefaultPipelineTimeout
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &Orchestrator{
		registry:  reg,
		strategy:  strategy,
		executor:  exec,
		validator: validator,
		sessions:  sessions,
		logs:      logs,
		opts:      opts,
		stats:     newStatsCollector(),
	}
}

// AgentError is one agent's failure in the response envelope. ErrorKind
// carries the specific failure kind (timeout, transient, permanent,
// input_rejected, invalid_response, circuit_open, rate_limited), which is
// strictly more informative than a generic failure marker.
type AgentError struct {
	Agent     string `json:"agent"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// ValidationWarning flags a best-effort response that did not pass output
// validation. It carries the validator's issue messages, never its scores.
type ValidationWarning struct {
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// Metadata is the envelope's _metadata block.
type Metadata struct {
	Count              int                `json:"count"`
	Successful         int                `json:"successful"`
	Failed             int                `json:"failed"`
	AgentTrail         []string           `json:"agent_trail"`
	TotalExecutionTime string             `json:"total_execution_time"`
	ReasoningMethod    string             `json:"reasoning_method"`
	RequestID          string             `json:"request_id"`
	Timestamp          time.Time          `json:"timestamp"`
	ValidationWarning  *ValidationWarning `json:"validation_warning,omitempty"`
}

// Result is the response envelope. It deliberately has no field for
// confidence scores.
type Result struct {
	Success  bool             `json:"success"`
	Data     map[string]any   `json:"data"`
	Errors   []AgentError     `json:"errors,omitempty"`
	Metadata Metadata         `json:"_metadata"`
	Session  *session.Session `json:"session,omitempty"`
}

// Handle runs the pipeline without streaming.
func (o *Orchestrator) Handle(ctx context.Context, req agent.Request) (*Result, *PipelineError) {
	return o.run(ctx, req, nil)
}

// HandleStream runs the pipeline, publishing progress events. Exactly one
// terminal event ends the stream: completed carries the result, error
// carries the taxonomy code.
func (o *Orchestrator) HandleStream(ctx context.Context, req agent.Request, stream *Stream) {
	result, perr := o.run(ctx, req, stream)
	if perr != nil {
		stream.Publish(EventError, perr.RequestID, "", map[string]any{
			"code":    string(perr.Code),
			"message": perr.Message,
		})
		return
	}
	stream.Publish(EventCompleted, result.Metadata.RequestID, "", map[string]any{
		"result": result,
	})
}

func (o *Orchestrator) run(parent context.Context, req agent.Request, stream *Stream) (*Result, *PipelineError) {
	start := time.Now()
	queryID := uuid.NewString()

	emit := func(t EventType, agentName string, payload map[string]any) {
		if stream != nil && !t.Terminal() {
			stream.Publish(t, queryID, agentName, payload)
		}
	}
	fail := func(perr *PipelineError) *PipelineError {
		perr.RequestID = queryID
		o.stats.RecordRequest(false)
		return perr
	}
	emit(EventStarted, "", nil)

	if perr := validateRequest(req); perr != nil {
		return nil, fail(perr)
	}
	if perr := Sanitize(req); perr != nil {
		slog.Warn("Request rejected by sanitizer", "query_id", queryID, "reason", perr.Message)
		return nil, fail(perr)
	}

	ctx, cancel := context.WithTimeout(parent, o.opts.PipelineTimeout)
	defer cancel()

	record := querylog.NewRecord(queryID, req)
	outcome := "error"
	defer func() {
		record.Finish(outcome, time.Since(start))
		o.logs.Write(record)
	}()

	if o.sessions != nil {
		if sess := o.sessions.Touch(req.SessionID(), topicOf(req)); sess != nil {
			slog.Debug("Session touched", "session_id", sess.ID, "request_count", sess.RequestCount)
		}
	}

	emit(EventReasoningStarted, "", nil)
	snap := o.registry.Load()
	decision, err := o.strategy.Decide(ctx, req, snap)
	if err != nil {
		record.AddError(err)
		if ctx.Err() != nil {
			outcome = "cancelled"
			return nil, fail(NewError(CodeCancelled, "request cancelled during reasoning", ctx.Err()))
		}
		outcome = "gateway_error"
		return nil, fail(NewError(CodeGatewayError, "reasoning failed: model gateway unavailable", err))
	}
	record.Decision = decision

	if decision.Empty() {
		outcome = "no_agents"
		return nil, fail(NewError(CodeNoAgents, "no agent can serve this request", nil))
	}
	emit(EventReasoningComplete, "", map[string]any{
		"method":   string(decision.Method),
		"agents":   decision.SelectedAgents,
		"parallel": decision.Parallel,
	})

	tasks, inputs := buildTasks(req, decision)
	emit(EventAgentsExecuting, "", map[string]any{
		"agents":   decision.SelectedAgents,
		"parallel": decision.Parallel,
	})
	responses := o.execute(ctx, snap, decision, tasks, emit)
	record.AddResponses(inputs, responses)

	emit(EventValidationStarted, "", nil)
	report := o.validator.Validate(ctx, req, responses)
	emit(EventValidationComplete, "", map[string]any{"valid": report.Valid})
	if !report.Valid {
		o.opts.Observer.RecordValidationFailure()
	}

	for round := 1; !report.Valid && round <= o.opts.MaxValidationRetries && ctx.Err() == nil; round++ {
		reason := retryReason(report)
		record.AddRetry(round, reason, report)
		o.stats.RecordValidationRetry()
		emit(EventRetry, "", map[string]any{"round": round, "reason": reason})
		slog.Info("Re-executing pipeline after failed validation",
			"query_id", queryID, "round", round, "reason", reason)

		if o.opts.ReuseAgentOutputs {
			responses = o.rerunFailed(ctx, snap, tasks, responses, emit)
		} else {
			responses = o.execute(ctx, snap, decision, tasks, emit)
		}
		record.AddResponses(inputs, responses)
		emit(EventValidationStarted, "", nil)
		report = o.validator.Validate(ctx, req, responses)
		emit(EventValidationComplete, "", map[string]any{"valid": report.Valid})
		if !report.Valid {
			o.opts.Observer.RecordValidationFailure()
		}
	}
	record.Validation = report
	o.stats.RecordValidation(report.Confidence, report.HardFailure())
	o.stats.RecordResponses(responses)

	if parent.Err() != nil {
		outcome = "cancelled"
		return nil, fail(NewError(CodeCancelled, "request cancelled", parent.Err()))
	}

	result := o.aggregate(queryID, start, req, decision, responses, report, snap)
	if result == nil {
		if ctx.Err() != nil {
			outcome = "cancelled"
			return nil, fail(NewError(CodeCancelled, "pipeline deadline exceeded", ctx.Err()))
		}
		outcome = "agent_failure"
		perr := NewError(CodeAgentFailure, "all selected agents failed", nil)
		perr.Agents = agentErrorsOf(responses)
		return nil, fail(perr)
	}

	if result.Success {
		outcome = "success"
	} else {
		outcome = "partial_failure"
	}
	o.stats.RecordRequest(result.Success)
	return result, nil
}

// execute dispatches the decision's agents through the retry executor.
func (o *Orchestrator) execute(ctx context.Context, snap *agent.Snapshot,
	decision *reasoning.Decision, tasks []executor.Task, emit func(EventType, string, map[string]any)) []*agent.Response {

	for _, t := range tasks {
		emit(EventAgentStarted, t.Agent, nil)
	}

	var responses []*agent.Response
	switch {
	case len(tasks) == 1:
		responses = []*agent.Response{o.executor.Call(ctx, snap, tasks[0].Agent, tasks[0].Input)}
	case decision.Parallel:
		responses = o.executor.CallParallel(ctx, snap, tasks)
	default:
		responses = o.executor.CallSequential(ctx, snap, tasks, true)
	}

	for _, r := range responses {
		if r == nil {
			continue
		}
		emit(EventAgentComplete, r.AgentName, map[string]any{
			"success":  r.Success,
			"attempts": r.Attempts,
			"fellback": r.FellBack,
		})
	}
	return responses
}

// rerunFailed re-executes only the agents whose previous response failed,
// keeping successful outputs in place.
func (o *Orchestrator) rerunFailed(ctx context.Context, snap *agent.Snapshot,
	tasks []executor.Task, previous []*agent.Response, emit func(EventType, string, map[string]any)) []*agent.Response {

	out := make([]*agent.Response, len(previous))
	for i, resp := range previous {
		if resp == nil || resp.Success {
			out[i] = resp
			continue
		}
		// Responses stay task-ordered even when fallback substitution renamed
		// one, so the original task keeps its input across the re-run.
		task := executor.Task{Agent: resp.AgentName, Input: map[string]any{}}
		if i < len(tasks) {
			task = tasks[i]
		}
		emit(EventAgentStarted, task.Agent, nil)
		out[i] = o.executor.Call(ctx, snap, task.Agent, task.Input)
		emit(EventAgentComplete, out[i].AgentName, map[string]any{
			"success":  out[i].Success,
			"attempts": out[i].Attempts,
		})
	}
	return out
}

// aggregate builds the envelope. It returns nil when nothing succeeded.
func (o *Orchestrator) aggregate(queryID string, start time.Time, req agent.Request,
	decision *reasoning.Decision, responses []*agent.Response, report *validation.Report,
	snap *agent.Snapshot) *Result {

	data := make(map[string]any)
	var errs []AgentError
	trail := make([]string, 0, len(responses))
	successful := 0
	criticalFailed := false

	for _, r := range responses {
		if r == nil {
			continue
		}
		trail = append(trail, r.AgentName)
		if r.Success {
			successful++
			data[r.AgentName] = r.Data
			continue
		}
		errs = append(errs, AgentError{
			Agent:     r.AgentName,
			ErrorKind: string(r.ErrorKind),
			Message:   r.Error,
		})
		if entry, ok := snap.Get(r.AgentName); !ok || !entry.Descriptor.Optional {
			criticalFailed = true
		}
	}

	if successful == 0 {
		return nil
	}

	meta := Metadata{
		Count:              len(trail),
		Successful:         successful,
		Failed:             len(errs),
		AgentTrail:         trail,
		TotalExecutionTime: time.Since(start).String(),
		ReasoningMethod:    string(decision.Method),
		RequestID:          queryID,
		Timestamp:          time.Now().UTC(),
	}
	if !report.Valid {
		meta.ValidationWarning = &ValidationWarning{
			Message: "result did not pass output validation; returned best-effort",
			Issues:  report.Issues,
		}
	}

	result := &Result{
		Success:  !criticalFailed,
		Data:     data,
		Errors:   errs,
		Metadata: meta,
	}
	if o.sessions != nil {
		if sess, ok := o.sessions.Get(req.SessionID()); ok {
			result.Session = sess
		}
	}
	return result
}

// buildTasks derives one executor task per selected agent: the request
// fields plus any per-agent parameters from the decision. The original
// request is never mutated.
func buildTasks(req agent.Request, decision *reasoning.Decision) ([]executor.Task, map[string]map[string]any) {
	tasks := make([]executor.Task, 0, len(decision.SelectedAgents))
	inputs := make(map[string]map[string]any, len(decision.SelectedAgents))
	for _, name := range decision.SelectedAgents {
		input := map[string]any(req.Clone())
		for k, v := range decision.Params[name] {
			input[k] = v
		}
		tasks = append(tasks, executor.Task{Agent: name, Input: input})
		inputs[name] = input
	}
	return tasks, inputs
}

func validateRequest(req agent.Request) *PipelineError {
	if len(req) == 0 {
		return NewError(CodeInvalidRequest, "request body must be a non-empty JSON object", nil)
	}
	if q, ok := req["query"]; ok {
		if _, isString := q.(string); !isString {
			return NewError(CodeInvalidRequest, "query must be a string", nil)
		}
	}
	if strings.TrimSpace(req.Query()) == "" {
		return NewError(CodeInvalidRequest, "query is required", nil)
	}
	return nil
}

// agentErrorsOf collects the envelope error entries for failed responses.
func agentErrorsOf(responses []*agent.Response) []AgentError {
	var out []AgentError
	for _, r := range responses {
		if r == nil || r.Success {
			continue
		}
		out = append(out, AgentError{
			Agent:     r.AgentName,
			ErrorKind: string(r.ErrorKind),
			Message:   r.Error,
		})
	}
	return out
}

// retryReason picks the leading validation issue for the audit record.
func retryReason(report *validation.Report) string {
	if len(report.Issues) > 0 {
		return report.Issues[0]
	}
	return "validation confidence below threshold"
}

// topicOf summarizes the request for session bookkeeping.
func topicOf(req agent.Request) string {
	if op, ok := req["operation"].(string); ok && op != "" {
		return op
	}
	q := req.Query()
	if len(q) > 48 {
		return q[:48]
	}
	return q
}
