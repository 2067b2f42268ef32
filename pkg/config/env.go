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

package config

import (
	"os"
	"regexp"
	"strings"
)

// Environment variable substitution in YAML config files. Supported forms:
//
//	${VAR}           expands to the value of VAR, empty when unset
//	${VAR:-default}  expands to VAR or the default when unset or empty
//	$VAR             bare form, word characters only
var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	envBare        = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// ExpandEnv substitutes environment variables in raw config text.
func ExpandEnv(text string) string {
	text = envWithDefault.ReplaceAllStringFunc(text, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
	text = envBraced.ReplaceAllStringFunc(text, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	text = envBare.ReplaceAllStringFunc(text, func(match string) string {
		return os.Getenv(strings.TrimPrefix(match, "$"))
	})
	return text
}
