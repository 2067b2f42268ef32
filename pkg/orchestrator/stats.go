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
	"sync"

	"github.com/relayops/relay/pkg/agent"
)

// AgentStats are per-agent serving counters.
type AgentStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// StatsSnapshot is the aggregated view served by /stats. Average confidence
// appears here as an operator aggregate; per-request scores stay internal.
type StatsSnapshot struct {
	RequestsTotal     int64                 `json:"requests_total"`
	RequestsSuccess   int64                 `json:"requests_success"`
	RequestsFailed    int64                 `json:"requests_failed"`
	ValidationRetries int64                 `json:"validation_retries"`
	RetryRate         float64               `json:"retry_rate"`
	HallucinationRate float64               `json:"hallucination_rate"`
	AvgConfidence     float64               `json:"avg_confidence"`
	Agents            map[string]AgentStats `json:"agents"`
}

// statsCollector accumulates serving counters across pipeline runs.
type statsCollector struct {
	mu                sync.Mutex
	requestsTotal     int64
	requestsSuccess   int64
	requestsFailed    int64
	validationRetries int64
	agentCalls        int64
	agentRetries      int64
	hallucinations    int64
	validatedRuns     int64
	confidenceSum     float64
	agents            map[string]AgentStats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{agents: make(map[string]AgentStats)}
}

func (s *statsCollector) RecordRequest(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsTotal++
	if success {
		s.requestsSuccess++
	} else {
		s.requestsFailed++
	}
}

func (s *statsCollector) RecordValidationRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validationRetries++
}

func (s *statsCollector) RecordValidation(confidence float64, hallucination bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validatedRuns++
	s.confidenceSum += confidence
	if hallucination {
		s.hallucinations++
	}
}

// RecordResponses folds a round of executor responses into the per-agent
// tallies. Attempts beyond the first count as retries.
func (s *statsCollector) RecordResponses(responses []*agent.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range responses {
		if r == nil {
			continue
		}
		tally := s.agents[r.AgentName]
		tally.Calls++
		if !r.Success {
			tally.Failures++
		}
		s.agents[r.AgentName] = tally
		s.agentCalls++
		if r.Attempts > 1 {
			s.agentRetries += int64(r.Attempts - 1)
		}
	}
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		RequestsTotal:     s.requestsTotal,
		RequestsSuccess:   s.requestsSuccess,
		RequestsFailed:    s.requestsFailed,
		ValidationRetries: s.validationRetries,
		Agents:            make(map[string]AgentStats, len(s.agents)),
	}
	for name, tally := range s.agents {
		snap.Agents[name] = tally
	}
	if s.agentCalls > 0 {
		snap.RetryRate = float64(s.agentRetries) / float64(s.agentCalls)
	}
	if s.validatedRuns > 0 {
		snap.HallucinationRate = float64(s.hallucinations) / float64(s.validatedRuns)
		snap.AvgConfidence = s.confidenceSum / float64(s.validatedRuns)
	}
	return snap
}

// Stats returns the aggregated serving counters.
func (o *Orchestrator) Stats() StatsSnapshot {
	return o.stats.Snapshot()
}
