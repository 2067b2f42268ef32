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

// Package server exposes the HTTP surface: query submission (JSON and SSE),
// health, hot reload, stats, and Prometheus metrics.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayops/relay/pkg/agent"
	"github.com/relayops/relay/pkg/config"
	"github.com/relayops/relay/pkg/executor"
	"github.com/relayops/relay/pkg/observability"
	"github.com/relayops/relay/pkg/orchestrator"
	"github.com/relayops/relay/pkg/session"
)

// Reloader rebuilds a registry snapshot from current configuration. Agents
// that fail to build are reported without failing the whole reload.
type Reloader func() (*agent.Snapshot, []agent.ReloadFailure, error)

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	orch     *orchestrator.Orchestrator
	registry *agent.Registry
	executor *executor.Executor
	sessions *session.Store
	obs      *observability.Manager
	reload   Reloader

	httpServer *http.Server
	startedAt  time.Time
	requests   atomic.Int64
	failures   atomic.Int64
}

// New builds a Server. obs and reload may be nil; the corresponding
// endpoints degrade gracefully.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, reg *agent.Registry,
	exec *executor.Executor, sessions *session.Store, obs *observability.Manager, reload Reloader) *Server {
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		registry:  reg,
		executor:  exec,
		sessions:  sessions,
		obs:       obs,
		reload:    reload,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes assembles the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.obs != nil && s.obs.PrometheusRegistry() != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.obs.PrometheusRegistry(),
			promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/query", s.handleQuery)
		r.Post("/agents/reload", s.handleReload)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured window.
func (s *Server) Shutdown(ctx context.Context) error {
	drain := s.cfg.DrainWindow
	if drain <= 0 {
		drain = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()
	slog.Info("HTTP server draining", "window", drain)
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware enforces the static bearer token when auth is required.
// Health and metrics stay open for probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
