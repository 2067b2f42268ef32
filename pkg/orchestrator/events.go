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
	"time"
)

// EventType labels pipeline progress events.
type EventType string

const (
	EventStarted            EventType = "started"
	EventReasoningStarted   EventType = "reasoning_started"
	EventReasoningComplete  EventType = "reasoning_complete"
	EventAgentsExecuting    EventType = "agents_executing"
	EventAgentStarted       EventType = "agent_started"
	EventAgentComplete      EventType = "agent_complete"
	EventValidationStarted  EventType = "validation_started"
	EventValidationComplete EventType = "validation_complete"
	EventRetry              EventType = "retry"
	EventCompleted          EventType = "completed"
	EventError              EventType = "error"
)

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventError
}

// Event is one streamed progress update. Sequence numbers are monotonically
// increasing per stream with no gaps at the source.
type Event struct {
	Seq       int            `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	QueryID   string         `json:"query_id,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// streamBuffer bounds how many undelivered events a slow consumer can hold.
const streamBuffer = 64

// Stream carries pipeline events to one consumer. Exactly one terminal event
// is published; publishing after it is a no-op. Non-terminal events are
// dropped rather than blocking the pipeline when the consumer lags; the
// terminal event always waits for delivery.
type Stream struct {
	ch chan Event

	mu       sync.Mutex
	seq      int
	finished bool
}

// NewStream creates a bounded event stream.
func NewStream() *Stream {
	return &Stream{ch: make(chan Event, streamBuffer)}
}

// Events returns the receive side. The channel closes after the terminal
// event.
func (s *Stream) Events() <-chan Event { return s.ch }

// Publish emits one event, assigning its sequence number.
func (s *Stream) Publish(t EventType, queryID, agentName string, payload map[string]any) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.seq++
	event := Event{
		Seq:       s.seq,
		Type:      t,
		Timestamp: time.Now().UTC(),
		QueryID:   queryID,
		Agent:     agentName,
		Payload:   payload,
	}
	terminal := t.Terminal()
	if terminal {
		s.finished = true
	}
	s.mu.Unlock()

	if terminal {
		select {
		case s.ch <- event:
		default:
			// Buffer full means the consumer is gone; the close below still
			// ends the stream.
		}
		close(s.ch)
		return
	}
	select {
	case s.ch <- event:
	default:
		// Consumer lagging; progress events are advisory.
	}
}
