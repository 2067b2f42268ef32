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

// Package observability wires OpenTelemetry metrics and tracing. Metrics are
// exported in Prometheus format on the server's /metrics endpoint; traces go
// to an OTLP collector when one is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/relayops/relay/pkg/resilience"
)

// Config selects what the manager initializes.
type Config struct {
	MetricsEnabled bool
	TracingEnabled bool
	OTLPEndpoint   string
	ServiceName    string
}

// Manager owns the telemetry pipelines and exposes recording helpers. A
// zero-config manager records nothing and is safe to use everywhere.
type Manager struct {
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	traceProvider *sdktrace.TracerProvider
	tracer        trace.Tracer

	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	agentCalls      metric.Int64Counter
	agentDuration   metric.Float64Histogram
	retries         metric.Int64Counter
	fallbacks       metric.Int64Counter
	transitions     metric.Int64Counter
	rejections      metric.Int64Counter
	validationFails metric.Int64Counter
	gatewayTokens   metric.Int64Counter
}

// New initializes telemetry per the config.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{tracer: noop.NewTracerProvider().Tracer("relay")}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "relay"
	}

	if cfg.MetricsEnabled {
		if err := m.initMetrics(cfg.ServiceName); err != nil {
			return nil, err
		}
	}
	if cfg.TracingEnabled && cfg.OTLPEndpoint != "" {
		if err := m.initTracing(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) initMetrics(serviceName string) error {
	m.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	m.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(m.meterProvider)
	meter := m.meterProvider.Meter(serviceName)

	if m.requests, err = meter.Int64Counter("relay_requests_total",
		metric.WithDescription("Pipeline runs by outcome")); err != nil {
		return err
	}
	if m.requestDuration, err = meter.Float64Histogram("relay_request_duration_seconds",
		metric.WithDescription("End-to-end pipeline latency")); err != nil {
		return err
	}
	if m.agentCalls, err = meter.Int64Counter("relay_agent_calls_total",
		metric.WithDescription("Agent invocations by agent and success")); err != nil {
		return err
	}
	if m.agentDuration, err = meter.Float64Histogram("relay_agent_call_duration_seconds",
		metric.WithDescription("Per-attempt agent latency")); err != nil {
		return err
	}
	if m.retries, err = meter.Int64Counter("relay_agent_retries_total",
		metric.WithDescription("Retry attempts by agent")); err != nil {
		return err
	}
	if m.fallbacks, err = meter.Int64Counter("relay_agent_fallbacks_total",
		metric.WithDescription("Fallback substitutions by agent")); err != nil {
		return err
	}
	if m.transitions, err = meter.Int64Counter("relay_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return err
	}
	if m.rejections, err = meter.Int64Counter("relay_breaker_rejections_total",
		metric.WithDescription("Calls rejected by an open breaker")); err != nil {
		return err
	}
	if m.validationFails, err = meter.Int64Counter("relay_validation_failures_total",
		metric.WithDescription("Validation rounds that fell below threshold")); err != nil {
		return err
	}
	if m.gatewayTokens, err = meter.Int64Counter("relay_gateway_tokens_total",
		metric.WithDescription("Model gateway token usage")); err != nil {
		return err
	}
	return nil
}

func (m *Manager) initTracing(ctx context.Context, cfg Config) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}
	m.traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(m.traceProvider)
	m.tracer = m.traceProvider.Tracer(cfg.ServiceName)
	slog.Info("Tracing enabled", "endpoint", cfg.OTLPEndpoint)
	return nil
}

// PrometheusRegistry returns the registry backing /metrics, nil when metrics
// are disabled.
func (m *Manager) PrometheusRegistry() *prometheus.Registry { return m.registry }

// Tracer returns the tracer, a noop when tracing is disabled.
func (m *Manager) Tracer() trace.Tracer { return m.tracer }

// Shutdown flushes telemetry pipelines.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	if m.traceProvider != nil {
		if err := m.traceProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordRequest counts one pipeline run.
func (m *Manager) RecordRequest(outcome string, duration time.Duration) {
	if m.requests == nil {
		return
	}
	ctx := context.Background()
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.requestDuration.Record(ctx, duration.Seconds())
}

// RecordValidationFailure counts one below-threshold validation round.
func (m *Manager) RecordValidationFailure() {
	if m.validationFails != nil {
		m.validationFails.Add(context.Background(), 1)
	}
}

// RecordGatewayTokens counts model gateway token usage.
func (m *Manager) RecordGatewayTokens(promptTokens, completionTokens int) {
	if m.gatewayTokens == nil {
		return
	}
	ctx := context.Background()
	m.gatewayTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(attribute.String("kind", "prompt")))
	m.gatewayTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(attribute.String("kind", "completion")))
}

// RecordAgentCall implements the executor observer.
func (m *Manager) RecordAgentCall(agentName string, success bool, duration time.Duration) {
	if m.agentCalls == nil {
		return
	}
	ctx := context.Background()
	m.agentCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentName),
		attribute.Bool("success", success),
	))
	m.agentDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("agent", agentName)))
}

// RecordRetry implements the executor observer.
func (m *Manager) RecordRetry(agentName string) {
	if m.retries != nil {
		m.retries.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("agent", agentName)))
	}
}

// RecordFallback implements the executor observer.
func (m *Manager) RecordFallback(agentName string) {
	if m.fallbacks != nil {
		m.fallbacks.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("agent", agentName)))
	}
}

// RecordStateChange implements the breaker observer.
func (m *Manager) RecordStateChange(agentName string, from, to resilience.State) {
	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("agent", agentName),
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
}

// RecordRejection implements the breaker observer.
func (m *Manager) RecordRejection(agentName string) {
	if m.rejections != nil {
		m.rejections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("agent", agentName)))
	}
}
