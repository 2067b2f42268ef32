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

// Package querylog writes one JSON audit record per pipeline run. The record
// is the only place where validation confidence and raw reasoning output are
// persisted; the response envelope never carries them.
package querylog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/reasoning"
	"github.com/relayops/relay/pkg/validation"
)

// AgentCall is one agent invocation in the record.
type AgentCall struct {
	Agent         string         `json:"agent"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Attempts      int            `json:"attempts"`
	FellBack      bool           `json:"fellback,omitempty"`
	ExecutionTime string         `json:"execution_time"`
}

// RetryRound records one validation-driven re-execution.
type RetryRound struct {
	Round      int                `json:"round"`
	Reason     string             `json:"reason"`
	Validation *validation.Report `json:"validation,omitempty"`
}

// Record is the full audit trail of one query.
type Record struct {
	QueryID    string              `json:"query_id"`
	SessionID  string              `json:"session_id,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	Request    agent.Request       `json:"request"`
	Decision   *reasoning.Decision `json:"decision,omitempty"`
	AgentCalls []AgentCall         `json:"agent_calls,omitempty"`
	Retries    []RetryRound        `json:"retries,omitempty"`
	Validation *validation.Report  `json:"validation,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
	Outcome    string              `json:"outcome"`
	TotalTime  string              `json:"total_time"`
}

// NewRecord starts a record for one query.
func NewRecord(queryID string, req agent.Request) *Record {
	return &Record{
		QueryID:   queryID,
		SessionID: req.SessionID(),
		Timestamp: time.Now().UTC(),
		Request:   req,
	}
}

// AddResponses appends executor responses as agent calls.
func (r *Record) AddResponses(inputs map[string]map[string]any, responses []*agent.Response) {
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		r.AgentCalls = append(r.AgentCalls, AgentCall{
			Agent:         resp.AgentName,
			Input:         inputs[resp.AgentName],
			Output:        resp.Data,
			Success:       resp.Success,
			Error:         resp.Error,
			ErrorKind:     string(resp.ErrorKind),
			Attempts:      resp.Attempts,
			FellBack:      resp.FellBack,
			ExecutionTime: resp.ExecutionTime.String(),
		})
	}
}

// AddRetry appends a validation retry round.
func (r *Record) AddRetry(round int, reason string, report *validation.Report) {
	r.Retries = append(r.Retries, RetryRound{Round: round, Reason: reason, Validation: report})
}

// AddError appends a pipeline-level error.
func (r *Record) AddError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Finish stamps the outcome and total duration.
func (r *Record) Finish(outcome string, total time.Duration) {
	r.Outcome = outcome
	r.TotalTime = total.String()
}

// Writer persists records, one file per query.
type Writer struct {
	dir string
}

// NewWriter creates the log directory if needed. An empty dir disables
// persistence.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return &Writer{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create query log directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Enabled reports whether records are persisted.
func (w *Writer) Enabled() bool { return w.dir != "" }

// Write persists one record as query_<timestamp>_<id-prefix>.json. The file
// is written to a temp name and renamed so readers never see a partial
// record. Write failures are logged, not fatal: the audit trail must not
// take down query serving.
func (w *Writer) Write(record *Record) string {
	if w.dir == "" || record == nil {
		return ""
	}

	name := Filename(record.Timestamp, record.QueryID)
	path := filepath.Join(w.dir, name)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		slog.Error("Failed to encode query log record", "query_id", record.QueryID, "error", err)
		return ""
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("Failed to write query log record", "path", tmp, "error", err)
		return ""
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("Failed to finalize query log record", "path", path, "error", err)
		os.Remove(tmp)
		return ""
	}
	return path
}

// Filename builds the record file name. The timestamp is second-resolution
// UTC with colons replaced so the name is portable.
func Filename(ts time.Time, queryID string) string {
	stamp := strings.ReplaceAll(ts.UTC().Format("2006-01-02T15:04:05"), ":", "-")
	prefix := queryID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("query_%s_%s.json", stamp, prefix)
}
