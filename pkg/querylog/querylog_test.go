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

package querylog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/validation"
)

func TestFilename(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	got := Filename(ts, "a1b2c3d4-e5f6-7890-abcd-ef0123456789")
	assert.Equal(t, "query_2025-03-14T09-26-53_a1b2c3d4.json", got)

	short := Filename(ts, "abc")
	assert.Equal(t, "query_2025-03-14T09-26-53_abc.json", short)
}

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	require.NoError(t, err)
	require.True(t, writer.Enabled())

	req := agent.Request{"query": "add 2 and 2", "operation": "add", "session_id": "s-9"}
	record := NewRecord("query-123", req)
	record.AddResponses(
		map[string]map[string]any{"calculator": {"operation": "add"}},
		[]*agent.Response{
			{AgentName: "calculator", Success: true, Data: map[string]any{"result": 4.0}, Attempts: 1, ExecutionTime: 12 * time.Millisecond},
		},
	)
	record.Validation = &validation.Report{Valid: true, Confidence: 0.91}
	record.AddRetry(1, "validation below threshold", &validation.Report{Valid: false, Confidence: 0.55})
	record.AddError(errors.New("transient wobble"))
	record.Finish("success", 40*time.Millisecond)

	path := writer.Write(record)
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "query-123", got.QueryID)
	assert.Equal(t, "s-9", got.SessionID)
	assert.Equal(t, "success", got.Outcome)
	require.Len(t, got.AgentCalls, 1)
	assert.Equal(t, "calculator", got.AgentCalls[0].Agent)
	assert.True(t, got.AgentCalls[0].Success)
	require.Len(t, got.Retries, 1)
	assert.Equal(t, 0.55, got.Retries[0].Validation.Confidence)
	assert.Equal(t, []string{"transient wobble"}, got.Errors)

	// No stray temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
	assert.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestDisabledWriter(t *testing.T) {
	writer, err := NewWriter("")
	require.NoError(t, err)
	assert.False(t, writer.Enabled())
	assert.Empty(t, writer.Write(NewRecord("q", agent.Request{})))
}
