// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/pkg/telemetry"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/engine"
	"github.com/AleutianAI/steward/services/steward/resilience"
	"github.com/AleutianAI/steward/services/steward/types"
)

// maxContractBytes bounds contract documents posted for validation.
const maxContractBytes = 1 << 20

// EvaluateRequest is the body of POST /v1/evaluate. Contract may be omitted
// when the server was started with a default contract.
type EvaluateRequest struct {
	Contract json.RawMessage   `json:"contract,omitempty"`
	Output   OutputBody        `json:"output"`
	Context  []string          `json:"context,omitempty" validate:"max=256,dive,max=262144"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"max=64,dive,keys,required,max=128,endkeys,max=4096"`
}

// OutputBody is the output under evaluation.
type OutputBody struct {
	Content     string `json:"content" validate:"max=1048576"`
	ContentType string `json:"content_type,omitempty" validate:"omitempty,oneof=text"`
}

// ValidateResponse is the body returned by POST /v1/contracts/validate.
type ValidateResponse struct {
	Valid    bool   `json:"valid"`
	Identity string `json:"identity,omitempty"`
	Rules    int    `json:"rules,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Usage           resilience.LLMUsage            `json:"usage"`
	RemainingTokens int                            `json:"remaining_tokens"`
	Circuits        resilience.CircuitBreakerStats `json:"circuits"`
	Cache           resilience.CacheStats          `json:"cache"`
}

func (s *Server) handleHealth(c *gin.Context) {
	lensNames := []string{}
	for _, l := range s.orch.Agents() {
		lensNames = append(lensNames, l.String())
	}
	body := gin.H{"status": "ok", "agents": lensNames}
	if cur := s.currentContract(); cur != nil {
		body["contract"] = cur.Identity()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) currentContract() *contract.Contract {
	if s.contracts == nil {
		return nil
	}
	return s.contracts.Current()
}

func (s *Server) handleEvaluate(c *gin.Context) {
	ctx := c.Request.Context()

	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}

	var ct *contract.Contract
	if len(req.Contract) > 0 && string(req.Contract) != "null" {
		parsed, err := contract.ParseJSON(req.Contract)
		if err != nil {
			c.JSON(contractErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		ct = parsed
	} else {
		ct = s.currentContract()
	}
	if ct == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": engine.ErrNilContract.Error()})
		return
	}

	contentType := types.ContentType(req.Output.ContentType)
	if contentType == "" {
		contentType = types.ContentTypeText
	}
	result, err := s.orch.Evaluate(ctx, &types.EvaluationRequest{
		Contract: ct,
		Output:   types.Output{Content: req.Output.Content, ContentType: contentType},
		Context:  req.Context,
		Metadata: req.Metadata,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrNilContract):
			status = http.StatusBadRequest
		case errors.Is(err, contract.ErrInvalidContract):
			status = http.StatusUnprocessableEntity
		}
		telemetry.LoggerWithTrace(ctx, s.logger).WarnContext(ctx, "evaluation failed",
			slog.String("contract", ct.Identity()),
			slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.metrics.RecordVerdict(ctx, string(result.Evaluation.State.Verdict), ct.Name)
	if id := telemetry.TraceID(ctx); id != "" {
		c.Header("X-Trace-Id", id)
	}
	c.JSON(http.StatusOK, result)
}

func contractErrorStatus(err error) int {
	if errors.Is(err, contract.ErrInvalidContract) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// handleValidateContract parses the body as YAML when the content type says
// so, and as JSON otherwise.
func (s *Server) handleValidateContract(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxContractBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ValidateResponse{Error: "read body: " + err.Error()})
		return
	}
	if len(data) > maxContractBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ValidateResponse{Error: "contract exceeds 1 MiB"})
		return
	}

	var ct *contract.Contract
	if strings.Contains(c.ContentType(), "yaml") {
		ct, err = contract.ParseYAML(data)
	} else {
		ct, err = contract.ParseJSON(data)
	}
	if err != nil {
		c.JSON(contractErrorStatus(err), ValidateResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{Valid: true, Identity: ct.Identity(), Rules: len(ct.AllRules())})
}

func (s *Server) handleCurrentContract(c *gin.Context) {
	cur := s.currentContract()
	if cur == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no contract loaded"})
		return
	}
	c.JSON(http.StatusOK, cur)
}

func (s *Server) handleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, UsageResponse{
		Usage:           s.orch.Usage(),
		RemainingTokens: s.orch.RemainingTokens(),
		Circuits:        s.orch.CircuitStats(),
		Cache:           s.orch.CacheStats(),
	})
}

func (s *Server) handleUsageReset(c *gin.Context) {
	s.orch.ResetBudget()
	s.logger.InfoContext(c.Request.Context(), "token budget reset",
		slog.String("actor", engine.ActorFrom(c.Request.Context())))
	c.JSON(http.StatusOK, gin.H{"remaining_tokens": s.orch.RemainingTokens()})
}

// handleAudit supports event_type (repeatable), contract, outcome, since,
// until (RFC 3339) and limit.
func (s *Server) handleAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log not configured"})
		return
	}

	filter := extensions.AuditFilter{
		EventTypes:   c.QueryArray("event_type"),
		ContractName: c.Query("contract"),
		Outcome:      c.Query("outcome"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	for param, dst := range map[string]*time.Time{"since": &filter.StartTime, "until": &filter.EndTime} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be RFC 3339"})
			return
		}
		*dst = ts
	}

	events, err := s.audit.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
