// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/steward/cmd/steward/config"
	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/services/llm"
	"github.com/AleutianAI/steward/services/steward/agents"
	"github.com/AleutianAI/steward/services/steward/engine"
	"github.com/AleutianAI/steward/services/steward/orchestrator"
	"github.com/AleutianAI/steward/services/steward/store"
)

// stack is everything an evaluation needs, built from config.
type stack struct {
	orch    *orchestrator.Orchestrator
	db      *store.DB
	journal *store.Journal
	audit   extensions.AuditLogger
}

// buildStack wires the store, extensions, engine, orchestrator and agents.
//
// # Description
//
// With the store enabled, audit events go to the Badger journal and the
// finding cache gains a persistent tier. Otherwise audit events are logged.
// A provider is created only when providerType (or the configured type)
// names one; without it every lens is deterministic.
//
// # Outputs
//
//   - *stack: Call Close when done.
//   - error: Store, extension, orchestrator or provider setup failure.
func buildStack(ctx context.Context, cfg config.StewardConfig, providerType string, logger *slog.Logger) (*stack, error) {
	s := &stack{}

	exts, err := cfg.MetadataExtensions()
	if err != nil {
		return nil, err
	}
	svc := extensions.DefaultOptions()
	for _, e := range exts {
		svc = svc.WithExtension(e)
	}

	var orchOpts []orchestrator.Option
	if cfg.Store.Enabled {
		sc := cfg.Store.Config
		sc.Logger = logger
		db, err := store.Open(sc)
		if err != nil {
			return nil, err
		}
		s.db = db
		journal, err := store.NewJournal(ctx, db)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.journal = journal
		s.audit = journal
		orchOpts = append(orchOpts, orchestrator.WithFindingStore(store.NewFindingStore(db)))
	} else {
		s.audit = &extensions.SlogAuditLogger{Logger: logger}
	}
	svc = svc.WithAudit(s.audit)

	eng := engine.New(engine.WithServiceOptions(svc), engine.WithLogger(logger))
	orchOpts = append(orchOpts, orchestrator.WithEngine(eng), orchestrator.WithLogger(logger))
	s.orch, err = orchestrator.New(cfg.Orchestrator, orchOpts...)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	if providerType == "" {
		providerType = cfg.Provider.Type
	}
	pc := cfg.Provider
	pc.Type = providerType
	if pc.Enabled() {
		if err := registerAgents(s.orch, pc, logger); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

func registerAgents(orch *orchestrator.Orchestrator, pc config.ProviderConfig, logger *slog.Logger) error {
	clientOpts := []llm.ClientOption{llm.WithClientLogger(logger)}
	if pc.RateLimit > 0 {
		clientOpts = append(clientOpts, llm.WithRateLimit(rate.Limit(pc.RateLimit), max(pc.Burst, 1)))
	}
	provider, err := llm.DefaultRegistry().Create(pc.Type, pc.Settings, clientOpts...)
	if err != nil {
		return err
	}

	for _, lens := range pc.AssistedLenses() {
		agent, err := agents.NewLLMAgent(lens, provider,
			agents.WithCompletionConfig(pc.Completion),
			agents.WithAgentLogger(logger))
		if err != nil {
			return err
		}
		if err := orch.RegisterAgent(agent); err != nil {
			return err
		}
	}
	logger.Debug("lens agents registered",
		slog.String("provider", provider.Name()),
		slog.Int("agents", len(orch.Agents())))
	return nil
}

// Close flushes the journal and closes the database.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	if s.journal != nil {
		if err := s.journal.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush journal: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
