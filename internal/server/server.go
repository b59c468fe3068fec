// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package server exposes the collaborator-facing ops surface over HTTP:
// health, audit log queries for external shipping, and session
// list/stop. The messaging transport is not served here.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tether-dev/tether/internal/config"
	"github.com/tether-dev/tether/internal/session"
	"github.com/tether-dev/tether/internal/store"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// SessionControl is the slice of the session manager the ops surface needs.
type SessionControl interface {
	Snapshot() []session.Info
	Stop(ctx context.Context, identity string) error
}

// Server wraps the chi router and HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	router   chi.Router
	audit    store.AuditStore
	sessions SessionControl
	logger   *slog.Logger
	done     chan struct{}
}

// New builds the ops server. At least one bearer token must be configured;
// an unauthenticated ops surface is a config error caught at startup.
func New(cfg config.ServerConfig, audit store.AuditStore, sessions SessionControl, logger *slog.Logger) (*Server, error) {
	if cfg.Listen == "" {
		return nil, tetherr.New(tetherr.CodeConfigValidateInvalidValue, "server listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		audit:    audit,
		sessions: sessions,
		logger:   logger,
		done:     make(chan struct{}),
	}

	validator, err := newTokenValidator(cfg.Tokens)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, s.done, logger))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(validator, logger))
		r.Get("/v1/audit", s.handleAuditQuery)
		r.Get("/v1/sessions", s.handleSessionList)
		r.Delete("/v1/sessions/{identity}", s.handleSessionStop)
	})

	s.router = r
	return s, nil
}

// Handler returns the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	defer close(s.done)

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return tetherr.Wrapf(err, tetherr.CodeServerStartFailure, "listening on %s", s.cfg.Listen)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("ops server listening", "addr", ln.Addr().String())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return tetherr.Wrap(err, tetherr.CodeServerShutdownFailure, "shutting down ops server")
	}
	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})
}
