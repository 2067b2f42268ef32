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

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/orchestrator"
)

// maxRequestBody bounds query payloads at 1 MiB.
const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writePipelineError renders a failed pipeline run in the envelope shape
// callers always receive: success, data, errors, _metadata. Per-agent
// failures surface when the pipeline has them; otherwise a single entry
// carries the taxonomy code.
func writePipelineError(w http.ResponseWriter, perr *orchestrator.PipelineError) {
	errs := perr.Agents
	if len(errs) == 0 {
		errs = []orchestrator.AgentError{{
			ErrorKind: string(perr.Code),
			Message:   perr.Message,
		}}
	}
	writeJSON(w, perr.HTTPStatus(), map[string]any{
		"success": false,
		"data":    map[string]any{},
		"errors":  errs,
		"_metadata": map[string]any{
			"request_id": perr.RequestID,
			"error_code": string(perr.Code),
			"timestamp":  time.Now().UTC(),
		},
	})
}

// handleQuery runs the pipeline. A "stream": true field switches the
// response to server-sent events.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	start := time.Now()

	var req agent.Request
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.failures.Add(1)
		writePipelineError(w, orchestrator.NewError(orchestrator.CodeInvalidRequest,
			"request body must be a JSON object", err))
		return
	}

	stream, _ := req["stream"].(bool)
	delete(req, "stream")

	if stream {
		s.streamQuery(w, r, req)
		return
	}

	result, perr := s.orch.Handle(r.Context(), req)
	if perr != nil {
		s.failures.Add(1)
		s.recordOutcome(string(perr.Code), start)
		writePipelineError(w, perr)
		return
	}
	s.recordOutcome("success", start)
	writeJSON(w, http.StatusOK, result)
}

// handleHealth reports liveness. 200 requires at least one enabled agent
// whose circuit is not open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Load()
	open := s.executor.Breakers().OpenCircuits()

	openSet := make(map[string]bool, len(open))
	for _, name := range open {
		openSet[name] = true
	}
	healthy := 0
	for _, entry := range snap.ListEnabled() {
		if !openSet[entry.Descriptor.Name] {
			healthy++
		}
	}

	status := http.StatusOK
	state := "ok"
	if healthy == 0 {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	} else if len(open) > 0 {
		state = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":            state,
		"registered_agents": snap.Count(),
		"healthy_agents":    healthy,
		"open_circuits":     open,
	})
}

// handleReload rebuilds the registry snapshot and swaps it in atomically.
// In-flight queries keep the snapshot they started with; the previous
// snapshot's adapters close once swapped out.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload_unavailable", "no reloader configured")
		return
	}

	next, failed, err := s.reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}

	previous := s.registry.Swap(next)
	diff := agent.Diff(previous, next)
	diff.Failed = failed

	// Old adapters drain in the background; queries that loaded the old
	// snapshot may still be running.
	go func(old *agent.Snapshot) {
		time.Sleep(s.cfg.DrainWindow)
		if err := old.Close(); err != nil {
			// Best effort; adapters log their own close failures.
			_ = err
		}
	}(previous)

	writeJSON(w, http.StatusOK, diff)
}

// handleStats reports serving counters: HTTP-level totals plus the
// pipeline's aggregates (retry rate, hallucination rate, average validation
// confidence, per-agent calls and failures).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Load()
	pipeline := s.orch.Stats()
	stats := map[string]any{
		"uptime_seconds":     int(time.Since(s.startedAt).Seconds()),
		"requests_total":     s.requests.Load(),
		"failures_total":     s.failures.Load(),
		"registered_agents":  snap.Count(),
		"enabled_agents":     len(snap.ListEnabled()),
		"open_circuits":      s.executor.Breakers().OpenCircuits(),
		"requests_success":   pipeline.RequestsSuccess,
		"requests_failed":    pipeline.RequestsFailed,
		"validation_retries": pipeline.ValidationRetries,
		"retry_rate":         pipeline.RetryRate,
		"hallucination_rate": pipeline.HallucinationRate,
		"avg_confidence":     pipeline.AvgConfidence,
		"agents":             pipeline.Agents,
	}
	if s.sessions != nil {
		stats["active_sessions"] = s.sessions.Count()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) recordOutcome(outcome string, start time.Time) {
	if s.obs != nil {
		s.obs.RecordRequest(outcome, time.Since(start))
	}
}
