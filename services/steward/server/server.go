// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes evaluation over HTTP.
//
// Routes:
//
//	GET  /health                  liveness, registered agents, loaded contract
//	GET  /metrics                 Prometheus exposition
//	POST /v1/evaluate             evaluate an output against a contract
//	POST /v1/contracts/validate   parse and validate a contract document
//	GET  /v1/contract             the contract loaded at startup
//	GET  /v1/usage                token usage, circuits and cache counters
//	POST /v1/usage/reset          start a new budget batch (admin)
//	GET  /v1/audit                query the audit log
//
// Every /v1 route passes through the configured AuthProvider.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/pkg/telemetry"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/orchestrator"
)

// ServiceName is reported to otelgin.
const ServiceName = "steward"

// ContractSource supplies the default contract for requests that carry
// none. *contract.Watcher implements it.
type ContractSource interface {
	Current() *contract.Contract
}

// Server is the HTTP API over an Orchestrator.
//
// Thread Safety: Safe for concurrent use once constructed.
type Server struct {
	orch      *orchestrator.Orchestrator
	contracts ContractSource
	auth      extensions.AuthProvider
	audit     extensions.AuditLogger
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	validate  *validator.Validate
	router    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithContractSource sets the default contract.
func WithContractSource(src ContractSource) Option {
	return func(s *Server) { s.contracts = src }
}

// WithAuth sets the auth provider. Defaults to extensions.NopAuthProvider.
func WithAuth(p extensions.AuthProvider) Option {
	return func(s *Server) { s.auth = p }
}

// WithAuditLog enables GET /v1/audit over logger.
func WithAuditLog(logger extensions.AuditLogger) Option {
	return func(s *Server) { s.audit = logger }
}

// WithMetrics sets the request instruments. Nil disables them.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router. gin's mode is left to the caller.
func New(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		auth:     &extensions.NopAuthProvider{},
		logger:   slog.Default(),
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(requestMiddleware(s.logger, s.metrics))
	s.setupRoutes(router)
	s.router = router
	return s
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	v1.Use(authMiddleware(s.auth))
	{
		v1.POST("/evaluate", s.handleEvaluate)
		v1.POST("/contracts/validate", s.handleValidateContract)
		v1.GET("/contract", s.handleCurrentContract)
		v1.GET("/usage", s.handleUsage)
		v1.POST("/usage/reset", requireRole("admin"), s.handleUsageReset)
		v1.GET("/audit", s.handleAudit)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
//
// Outputs:
//
//	error - A listen failure, or a shutdown error. nil after a clean stop.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("steward server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("steward server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		parts = append(parts, fmt.Sprintf("%s failed on %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
