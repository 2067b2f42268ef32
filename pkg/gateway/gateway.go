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

// Package gateway is the client for the external model-gateway sidecar. The
// gateway speaks an OpenAI-compatible chat completions protocol; calls are
// wrapped with retries and a dedicated circuit breaker.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relayops/relay/pkg/httpclient"
	"github.com/relayops/relay/pkg/resilience"
)

// ErrUnavailable is returned when no gateway is configured or its breaker is
// open. Callers degrade: the hybrid reasoner falls back to rules, the
// validator skips its AI check.
var ErrUnavailable = errors.New("model gateway unavailable")

// Observer receives token usage for successful gateway calls.
type Observer interface {
	RecordGatewayTokens(promptTokens, completionTokens int)
}

type noopObserver struct{}

func (noopObserver) RecordGatewayTokens(int, int) {}

// Config configures the gateway client.
type Config struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Observer   Observer
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
}

// Usage reports token consumption for one gateway call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client talks to the model gateway.
type Client struct {
	cfg        Config
	httpClient *httpclient.Client
	breaker    *resilience.Breaker
	encoder    *tiktoken.Tiktoken
	obs        Observer
}

// New creates a gateway client. A client with an empty URL is valid but
// reports Available() == false.
func New(cfg Config) *Client {
	cfg.SetDefaults()
	// Token accounting is best-effort; a missing encoding falls back to a
	// size estimate.
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		encoder = nil
	}
	obs := cfg.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	return &Client{
		cfg: cfg,
		obs: obs,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		breaker: resilience.NewBreaker("model-gateway", resilience.BreakerConfig{}),
		encoder: encoder,
	}
}

// Available reports whether a gateway is configured and its breaker permits
// calls. It does not probe the network.
func (c *Client) Available() bool {
	if c == nil || c.cfg.URL == "" {
		return false
	}
	return c.breaker.State() != resilience.StateOpen
}

// CountTokens estimates the token count of a prompt.
func (c *Client) CountTokens(text string) int {
	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	// Rough heuristic: one token per four characters.
	return (len(text) + 3) / 4
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage     `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// CompleteJSON sends a system+user prompt and returns the raw JSON object the
// model produced, plus token usage. The prompts never leave internal logs,
// and are redacted even there.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, Usage, error) {
	if c == nil || c.cfg.URL == "" {
		return nil, Usage{}, ErrUnavailable
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, Usage{}, ErrUnavailable
	}

	promptTokens := c.CountTokens(system) + c.CountTokens(user)
	slog.Debug("Gateway request",
		"model", c.cfg.Model,
		"prompt_tokens_estimate", promptTokens,
		"prompt", Redact(truncate(user, 512)),
	)

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to encode gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Exhausted retries hand back the last response alongside the error.
		if resp != nil {
			resp.Body.Close()
		}
		c.breaker.RecordFailure()
		return nil, Usage{}, fmt.Errorf("gateway call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Usage{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, Redact(string(data)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.breaker.RecordFailure()
		return nil, Usage{}, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if parsed.Error != nil {
		c.breaker.RecordFailure()
		return nil, parsed.Usage, fmt.Errorf("gateway error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		c.breaker.RecordFailure()
		return nil, parsed.Usage, fmt.Errorf("gateway returned no choices")
	}

	c.breaker.RecordSuccess()
	c.obs.RecordGatewayTokens(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	content := parsed.Choices[0].Message.Content
	return json.RawMessage(extractJSONObject(content)), parsed.Usage, nil
}

// extractJSONObject strips markdown fences some models wrap around JSON.
func extractJSONObject(s string) string {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
