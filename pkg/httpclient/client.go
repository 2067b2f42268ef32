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

// Package httpclient provides an HTTP client with status-aware retries and
// Retry-After handling, used for model gateway calls.
package httpclient

import (
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryStrategy classifies how a response status should be retried.
type RetryStrategy int

const (
	// NoRetry returns the response as-is.
	NoRetry RetryStrategy = iota
	// ConservativeRetry backs off exponentially.
	ConservativeRetry
	// SmartRetry honors the server's Retry-After when present.
	SmartRetry
)

// RateLimitInfo carries rate limit hints parsed from response headers.
type RateLimitInfo struct {
	RetryAfter time.Duration
}

// ParseRetryAfter extracts the standard Retry-After header (seconds form).
func ParseRetryAfter(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
			info.RetryAfter = seconds
		}
	}
	return info
}

// StrategyFunc maps a status code to a retry strategy.
type StrategyFunc func(statusCode int) RetryStrategy

// DefaultStrategy retries rate limits and gateway errors, not client errors.
func DefaultStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Client is a retrying HTTP client.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	strategy   StrategyFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxRetries sets the retry bound.
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

// WithBaseDelay sets the initial backoff delay.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithStrategy replaces the status classification.
func WithStrategy(strategy StrategyFunc) Option {
	return func(c *Client) { c.strategy = strategy }
}

// New creates a Client with defaults suitable for gateway calls.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		strategy:   DefaultStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request, retrying retriable statuses. The request body is
// recreated from GetBody before each retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, &RetryableError{
					Message: "failed to recreate request body for retry",
					Err:     err,
				}
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastResp, lastErr = nil, err
			if req.Context().Err() != nil {
				return nil, err
			}
			// Transport errors back off conservatively.
			if attempt < c.maxRetries {
				c.wait(req, c.delay(ConservativeRetry, attempt, RateLimitInfo{}))
				continue
			}
			break
		}

		strategy := c.strategy(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		info := ParseRetryAfter(resp.Header)
		lastResp, lastErr = resp, nil
		if attempt < c.maxRetries {
			resp.Body.Close()
			delay := c.delay(strategy, attempt, info)
			slog.Debug("Retrying HTTP request",
				"status", resp.StatusCode,
				"attempt", attempt+1,
				"delay", delay,
			)
			c.wait(req, delay)
		}
	}

	if lastErr != nil {
		return nil, &RetryableError{
			Message: "max HTTP retries exceeded",
			Err:     lastErr,
		}
	}
	return lastResp, &RetryableError{
		StatusCode: lastResp.StatusCode,
		Message:    "max HTTP retries exceeded",
	}
}

func (c *Client) delay(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	if strategy == SmartRetry && info.RetryAfter > 0 {
		return info.RetryAfter
	}
	return time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
}

func (c *Client) wait(req *http.Request, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
	case <-timer.C:
	}
}
