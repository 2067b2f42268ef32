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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/builtin"
	"github.com/relayops/relay/pkg/config"
	"github.com/relayops/relay/pkg/executor"
	"github.com/relayops/relay/pkg/gateway"
	"github.com/relayops/relay/pkg/logger"
	"github.com/relayops/relay/pkg/observability"
	"github.com/relayops/relay/pkg/orchestrator"
	"github.com/relayops/relay/pkg/querylog"
	"github.com/relayops/relay/pkg/reasoning"
	"github.com/relayops/relay/pkg/resilience"
	"github.com/relayops/relay/pkg/server"
	"github.com/relayops/relay/pkg/session"
	"github.com/relayops/relay/pkg/validation"
)

// ServeCmd starts the orchestrator server.
type ServeCmd struct {
	Config   string `short:"c" default:"relay.yaml" help:"Path to the configuration file."`
	Agents   string `short:"a" default:"" help:"Optional separate agent catalog file."`
	LogLevel string `help:"Override the configured log level." enum:",debug,info,warn,error" default:""`
	Watch    bool   `help:"Reload agents and rules when the config files change." default:"true" negatable:""`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.LoadSplit(c.Config, c.Agents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfig)
	}

	levelStr := cfg.Logging.Level
	if c.LogLevel != "" {
		levelStr = c.LogLevel
	}
	level, _ := logger.ParseLevel(levelStr)
	output := os.Stderr
	if cfg.Logging.File != "" {
		file, cleanup, err := logger.OpenLogFile(cfg.Logging.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: cannot open log file: %v\n", err)
			os.Exit(exitConfig)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		MetricsEnabled: cfg.Observability.MetricsEnabled,
		TracingEnabled: cfg.Observability.TracingEnabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	gw := gateway.New(gateway.Config{
		URL:        cfg.Gateway.URL,
		APIKey:     cfg.Gateway.APIKey,
		Model:      cfg.Gateway.Model,
		Timeout:    cfg.Gateway.Timeout,
		MaxRetries: cfg.Gateway.MaxRetries,
		Observer:   obs,
	})

	app, err := assemble(cfg, gw, obs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfig)
	}

	app.sessions.StartEvictionLoop(ctx, cfg.Sessions.EvictionInterval)

	// The reload endpoint and the config watcher both rebuild from the most
	// recently loaded config.
	currentCfg := &atomic.Pointer[config.Config]{}
	currentCfg.Store(cfg)
	reload := func() (*agent.Snapshot, []agent.ReloadFailure, error) {
		fresh, err := config.LoadSplit(c.Config, c.Agents)
		if err != nil {
			return nil, nil, err
		}
		currentCfg.Store(fresh)
		return buildSnapshot(fresh)
	}

	srv := server.New(cfg.Server, app.orch, app.registry, app.exec, app.sessions, obs, reload)

	if c.Watch {
		watcher, err := config.Watch(c.Config, c.Agents, func(fresh *config.Config) {
			currentCfg.Store(fresh)
			next, failed, err := buildSnapshot(fresh)
			if err != nil {
				slog.Error("Agent reload after config change failed", "error", err)
				return
			}
			for _, f := range failed {
				slog.Warn("Agent skipped during reload", "agent", f.Agent, "reason", f.Reason)
			}
			previous := app.registry.Swap(next)
			diff := agent.Diff(previous, next)
			slog.Info("Agents reloaded",
				"added", diff.Added, "removed", diff.Removed, "updated", diff.Updated)
			go func() {
				time.Sleep(cfg.Server.DrainWindow)
				previous.Close()
			}()
		})
		if err != nil {
			slog.Warn("Config watching disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "listen" {
				fmt.Fprintf(os.Stderr, "bind error: %v\n", err)
				os.Exit(exitBind)
			}
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		shutdownCtx := context.Background()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		app.registry.Load().Close()
		return nil
	}
}

// app bundles the assembled pipeline components.
type app struct {
	registry *agent.Registry
	exec     *executor.Executor
	orch     *orchestrator.Orchestrator
	sessions *session.Store
}

// assemble builds the pipeline from configuration.
func assemble(cfg *config.Config, gw *gateway.Client, obs *observability.Manager) (*app, error) {
	snap, failed, err := buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	for _, f := range failed {
		slog.Warn("Agent skipped", "agent", f.Agent, "reason", f.Reason)
	}
	registry := agent.NewRegistry(snap)

	breakers := resilience.NewBreakerTable(resilience.BreakerConfig{
		FailureThreshold: cfg.Execution.FailureThreshold,
		CoolDown:         cfg.Execution.CoolDown,
		Observer:         obs,
	})
	exec := executor.New(executor.Config{
		Breakers:    breakers,
		Backoff:     executor.Backoff{Base: cfg.Execution.BackoffBase, Cap: cfg.Execution.BackoffCap},
		MaxParallel: cfg.Execution.MaxParallel,
		Observer:    obs,
	})

	var reasoningGateway *gateway.Client
	if cfg.Gateway.URL != "" {
		reasoningGateway = gw
	}
	strategy, err := reasoning.New(reasoning.Config{
		Mode:      cfg.Reasoning.Mode,
		Rules:     cfg.Rules,
		Threshold: cfg.Reasoning.ConfidenceThreshold,
		Gateway:   reasoningGateway,
	})
	if err != nil {
		return nil, err
	}

	var validationGateway *gateway.Client
	if cfg.Validation.UseAI {
		validationGateway = reasoningGateway
	}
	validator := validation.New(validation.Config{
		Threshold:           cfg.Validation.Threshold,
		RelevanceWeight:     cfg.Validation.RelevanceWeight,
		ConsistencyWeight:   cfg.Validation.ConsistencyWeight,
		HallucinationWeight: cfg.Validation.HallucinationWeight,
		Gateway:             validationGateway,
	})

	sessions := session.NewStore(session.WithTTL(cfg.Sessions.TTL))
	logs, err := querylog.NewWriter(cfg.QueryLog.Dir)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(registry, strategy, exec, validator, sessions, logs, orchestrator.Options{
		MaxValidationRetries: cfg.Validation.MaxRetries,
		ReuseAgentOutputs:    cfg.Validation.ReuseAgentOutputs,
		PipelineTimeout:      cfg.Execution.PipelineTimeout,
		Observer:             obs,
	})

	return &app{registry: registry, exec: exec, orch: orch, sessions: sessions}, nil
}

// buildSnapshot constructs adapters for every configured agent. Agents whose
// adapter cannot be built are reported and skipped rather than failing the
// whole registry.
func buildSnapshot(cfg *config.Config) (*agent.Snapshot, []agent.ReloadFailure, error) {
	var entries []*agent.Entry
	var failed []agent.ReloadFailure

	for i := range cfg.Agents {
		desc := &cfg.Agents[i]
		switch desc.Transport {
		case agent.TransportInProcess:
			adapter, ok := builtin.NewAdapter(desc)
			if !ok {
				failed = append(failed, agent.ReloadFailure{
					Agent:  desc.Name,
					Reason: "no builtin handler with this name",
				})
				continue
			}
			entries = append(entries, &agent.Entry{Descriptor: desc, Adapter: adapter})
		case agent.TransportRemoteTool:
			adapter, err := agent.NewRemoteToolAdapter(desc)
			if err != nil {
				failed = append(failed, agent.ReloadFailure{Agent: desc.Name, Reason: err.Error()})
				continue
			}
			entries = append(entries, &agent.Entry{Descriptor: desc, Adapter: adapter})
		}
	}

	snap, err := agent.NewSnapshot(entries)
	if err != nil {
		return nil, nil, err
	}
	return snap, failed, nil
}
