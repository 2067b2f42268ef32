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
	"regexp"

	"github.com/relayops/relay/pkg/agent"
)

// injectionPatterns flag request fields that look like attacks rather than
// questions. Matching is case-insensitive and applied to every string field,
// nested ones included. The rejection message names the category only; the
// offending payload is never echoed back.
var injectionPatterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{"sql injection", regexp.MustCompile(`(?i)\b(drop\s+table|truncate\s+table|delete\s+from|insert\s+into|union\s+select)\b`)},
	{"sql injection", regexp.MustCompile(`(?i)('\s*or\s+'?1'?\s*=\s*'?1|;\s*--)`)},
	{"shell injection", regexp.MustCompile("(?i)(\\$\\(|`|&&\\s*rm\\s|\\|\\s*sh\\b|;\\s*rm\\s+-rf)")},
	{"path traversal", regexp.MustCompile(`(\.\./|\.\.\\)`)},
}

// Sanitize rejects requests carrying injection-shaped content. It inspects
// values only; keys are schema-controlled.
func Sanitize(req agent.Request) *PipelineError {
	var offending string
	var walk func(v any) bool
	walk = func(v any) bool {
		switch t := v.(type) {
		case string:
			for _, p := range injectionPatterns {
				if p.re.MatchString(t) {
					offending = p.category
					return true
				}
			}
		case map[string]any:
			for _, val := range t {
				if walk(val) {
					return true
				}
			}
		case []any:
			for _, val := range t {
				if walk(val) {
					return true
				}
			}
		}
		return false
	}

	if walk(map[string]any(req)) {
		return NewError(CodeSecurityError,
			fmt.Sprintf("request rejected: %s pattern detected", offending), nil)
	}
	return nil
}
