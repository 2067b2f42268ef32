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

// Package config defines the YAML configuration schema and its loader.
// Values support environment substitution; RELAY_* variables provide
// defaults for deployment-specific fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/reasoning"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Reasoning     ReasoningConfig     `yaml:"reasoning"`
	Validation    ValidationConfig    `yaml:"validation"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Sessions      SessionConfig       `yaml:"sessions"`
	QueryLog      QueryLogConfig      `yaml:"query_log"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Agents        []agent.Descriptor  `yaml:"agents"`
	Rules         []*reasoning.Rule   `yaml:"rules"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	RequireAuth bool          `yaml:"require_auth"`
	APIToken    string        `yaml:"api_token"`
	DrainWindow time.Duration `yaml:"drain_window"`
}

// GatewayConfig configures the model gateway sidecar.
type GatewayConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// ReasoningConfig selects the agent-selection strategy.
type ReasoningConfig struct {
	Mode                string  `yaml:"mode"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// ValidationConfig configures output validation.
type ValidationConfig struct {
	Threshold           float64 `yaml:"threshold"`
	RelevanceWeight     float64 `yaml:"relevance_weight"`
	ConsistencyWeight   float64 `yaml:"consistency_weight"`
	HallucinationWeight float64 `yaml:"hallucination_weight"`
	MaxRetries          int     `yaml:"max_retries"`
	ReuseAgentOutputs   bool    `yaml:"reuse_agent_outputs"`
	UseAI               bool    `yaml:"use_ai"`
}

// ExecutionConfig configures the retry executor and breakers.
type ExecutionConfig struct {
	MaxParallel      int           `yaml:"max_parallel"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
	PipelineTimeout  time.Duration `yaml:"pipeline_timeout"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// QueryLogConfig configures per-query audit records.
type QueryLogConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// SetDefaults fills unset fields, consulting RELAY_* environment variables
// for deployment-specific values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = envOr("RELAY_HOST", "0.0.0.0")
	}
	if c.Server.Port == 0 {
		c.Server.Port = envIntOr("RELAY_PORT", 8080)
	}
	if c.Server.APIToken == "" {
		c.Server.APIToken = os.Getenv("RELAY_API_TOKEN")
	}
	if !c.Server.RequireAuth {
		c.Server.RequireAuth = os.Getenv("RELAY_REQUIRE_AUTH") == "true"
	}
	if c.Server.DrainWindow == 0 {
		c.Server.DrainWindow = 30 * time.Second
	}

	if c.Gateway.URL == "" {
		c.Gateway.URL = os.Getenv("RELAY_GATEWAY_URL")
	}
	if c.Gateway.APIKey == "" {
		c.Gateway.APIKey = os.Getenv("RELAY_GATEWAY_API_KEY")
	}

	if c.Reasoning.Mode == "" {
		c.Reasoning.Mode = reasoning.ModeHybrid
	}
	if c.Reasoning.ConfidenceThreshold == 0 {
		c.Reasoning.ConfidenceThreshold = reasoning.DefaultConfidenceThreshold
	}

	if c.Validation.Threshold == 0 {
		c.Validation.Threshold = 0.70
	}
	if c.Validation.MaxRetries == 0 {
		c.Validation.MaxRetries = 2
	}

	if c.Execution.MaxParallel == 0 {
		c.Execution.MaxParallel = 3
	}
	if c.Execution.BackoffBase == 0 {
		c.Execution.BackoffBase = 100 * time.Millisecond
	}
	if c.Execution.BackoffCap == 0 {
		c.Execution.BackoffCap = 5 * time.Second
	}
	if c.Execution.FailureThreshold == 0 {
		c.Execution.FailureThreshold = 5
	}
	if c.Execution.CoolDown == 0 {
		c.Execution.CoolDown = 30 * time.Second
	}
	if c.Execution.PipelineTimeout == 0 {
		c.Execution.PipelineTimeout = 120 * time.Second
	}

	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = 24 * time.Hour
	}
	if c.Sessions.EvictionInterval == 0 {
		c.Sessions.EvictionInterval = time.Hour
	}

	if c.QueryLog.Dir == "" {
		c.QueryLog.Dir = envOr("RELAY_LOG_DIR", "logs")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = envOr("RELAY_LOG_LEVEL", "info")
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "relay"
	}

	for i := range c.Agents {
		c.Agents[i].SetDefaults()
	}
}

// Validate checks the whole document. Agents and rules validate themselves;
// cross-references (fallbacks, rule targets) are checked here so a typo
// fails at startup, not mid-query.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RequireAuth && c.Server.APIToken == "" {
		return fmt.Errorf("server.require_auth is set but no api_token is configured")
	}

	switch c.Reasoning.Mode {
	case reasoning.ModeRule, reasoning.ModeHybrid:
	case reasoning.ModeAI:
		if c.Gateway.URL == "" {
			return fmt.Errorf("reasoning.mode %q requires gateway.url", c.Reasoning.Mode)
		}
	default:
		return fmt.Errorf("unknown reasoning.mode %q", c.Reasoning.Mode)
	}

	if c.Validation.Threshold < 0 || c.Validation.Threshold > 1 {
		return fmt.Errorf("validation.threshold must be in [0, 1]")
	}
	if c.Validation.MaxRetries < 0 {
		return fmt.Errorf("validation.max_retries cannot be negative")
	}

	names := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		d := &c.Agents[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate agent name %q", d.Name)
		}
		names[d.Name] = true
	}
	for i := range c.Agents {
		if fb := c.Agents[i].Fallback; fb != "" && !names[fb] {
			return fmt.Errorf("agent %s: fallback %q is not a configured agent", c.Agents[i].Name, fb)
		}
	}

	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		for _, target := range r.TargetAgents {
			if !names[target] {
				return fmt.Errorf("rule %s: target agent %q is not configured", r.Name, target)
			}
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
