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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/steward/pkg/extensions"
	"github.com/AleutianAI/steward/services/steward/contract"
	"github.com/AleutianAI/steward/services/steward/engine"
	"github.com/AleutianAI/steward/services/steward/orchestrator"
	"github.com/AleutianAI/steward/services/steward/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const contractJSON = `{
  "contract_version": "1.0.0",
  "schema_version": "2025-12-20",
  "name": "Support",
  "intent": {"purpose": "Answer billing questions"},
  "accountability": {
    "approved_by": "Support Lead",
    "answerable_human": "owner@example.com",
    "escalation_path": ["Tier 1", "Manager"]
  }
}`

const contractYAML = `contract_version: "1.0.0"
schema_version: "2025-12-20"
name: Support
intent:
  purpose: Answer billing questions
accountability:
  answerable_human: owner@example.com
`

type staticSource struct{ c *contract.Contract }

func (s staticSource) Current() *contract.Contract { return s.c }

func newTestServer(t *testing.T, engOpts []engine.Option, opts ...Option) *Server {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.WithEngine(engine.New(engOpts...)))
	require.NoError(t, err)
	return New(orch, opts...)
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var decoded map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func verdictOf(t *testing.T, body map[string]any) string {
	t.Helper()
	eval, ok := body["evaluation"].(map[string]any)
	require.True(t, ok, "missing evaluation: %v", body)
	state, ok := eval["state"].(map[string]any)
	require.True(t, ok)
	v, _ := state["verdict"].(string)
	return v
}

func TestHealth(t *testing.T) {
	c, err := contract.ParseJSON([]byte(contractJSON))
	require.NoError(t, err)
	s := newTestServer(t, nil, WithContractSource(staticSource{c}))

	w, body := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Support@1.0.0", body["contract"])
	assert.Empty(t, body["agents"])
}

func TestEvaluate(t *testing.T) {
	c, err := contract.ParseJSON([]byte(contractJSON))
	require.NoError(t, err)

	tests := []struct {
		name       string
		source     ContractSource
		body       string
		wantStatus int
		wantErr    string
		wantVerdct string
	}{
		{
			name:       "inline contract",
			body:       `{"contract":` + contractJSON + `,"output":{"content":"Your invoice is attached."}}`,
			wantStatus: http.StatusOK,
			wantVerdct: "proceed",
		},
		{
			name:       "default contract",
			source:     staticSource{c},
			body:       `{"output":{"content":"Your invoice is attached.","content_type":"text"}}`,
			wantStatus: http.StatusOK,
			wantVerdct: "proceed",
		},
		{
			name:       "pii blocks",
			source:     staticSource{c},
			body:       `{"contract":` + strings.Replace(contractJSON, `"accountability"`, `"boundaries":{"invalidated_by":[{"id":"B1","rule":"Customer PII exposed"}]},"accountability"`, 1) + `,"output":{"content":"Your account email is john@example.com."}}`,
			wantStatus: http.StatusOK,
			wantVerdct: "blocked",
		},
		{
			name:       "no contract",
			body:       `{"output":{"content":"hi"}}`,
			wantStatus: http.StatusBadRequest,
			wantErr:    "contract is required",
		},
		{
			name:       "contract without accountable human",
			body:       `{"contract":` + strings.Replace(contractJSON, `"owner@example.com"`, `""`, 1) + `,"output":{"content":"hi"}}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantErr:    "answerable_human",
		},
		{
			name:       "unsupported content type",
			source:     staticSource{c},
			body:       `{"output":{"content":"hi","content_type":"html"}}`,
			wantStatus: http.StatusBadRequest,
			wantErr:    "output.content_type failed on oneof",
		},
		{
			name:       "malformed body",
			body:       `{"output":`,
			wantStatus: http.StatusBadRequest,
			wantErr:    "invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.source != nil {
				opts = append(opts, WithContractSource(tt.source))
			}
			s := newTestServer(t, nil, opts...)

			w, body := do(t, s, http.MethodPost, "/v1/evaluate", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantErr != "" {
				assert.Contains(t, body["error"], tt.wantErr)
				return
			}
			assert.Equal(t, tt.wantVerdct, verdictOf(t, body))
		})
	}
}

func TestValidateContract(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantValid   bool
	}{
		{"json", "application/json", contractJSON, http.StatusOK, true},
		{"yaml", "application/yaml", contractYAML, http.StatusOK, true},
		{"structurally invalid", "application/json", strings.Replace(contractJSON, `"1.0.0"`, `"one"`, 1), http.StatusUnprocessableEntity, false},
		{"malformed", "application/json", `{"name":`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, s, http.MethodPost, "/v1/contracts/validate", tt.body, "Content-Type", tt.contentType)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantValid, body["valid"])
			if tt.wantValid {
				assert.Equal(t, "Support@1.0.0", body["identity"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestCurrentContract(t *testing.T) {
	w, _ := do(t, newTestServer(t, nil), http.MethodGet, "/v1/contract", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	c, err := contract.ParseJSON([]byte(contractJSON))
	require.NoError(t, err)
	w, body := do(t, newTestServer(t, nil, WithContractSource(staticSource{c})), http.MethodGet, "/v1/contract", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Support", body["name"])
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, nil, WithAuth(&extensions.StaticTokenAuthProvider{Token: "s3cret"}))

	w, body := do(t, s, http.MethodGet, "/v1/usage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, _ = do(t, s, http.MethodGet, "/v1/usage", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body = do(t, s, http.MethodGet, "/v1/usage", "", "Authorization", "bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 5000, body["remaining_tokens"])

	w, _ = do(t, s, http.MethodPost, "/v1/usage/reset", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusForbidden, w.Code, "evaluator role cannot reset budgets")

	w, _ = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "health is unauthenticated")
}

func TestUsageReset_Admin(t *testing.T) {
	w, body := do(t, newTestServer(t, nil), http.MethodPost, "/v1/usage/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 5000, body["remaining_tokens"])
}

func TestAudit(t *testing.T) {
	w, _ := do(t, newTestServer(t, nil), http.MethodGet, "/v1/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	journal, err := store.NewJournal(context.Background(), db)
	require.NoError(t, err)

	s := newTestServer(t,
		[]engine.Option{engine.WithServiceOptions(extensions.DefaultOptions().WithAudit(journal))},
		WithAuditLog(journal))

	w, _ = do(t, s, http.MethodPost, "/v1/evaluate", `{"contract":`+contractJSON+`,"output":{"content":"Your invoice is attached."}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body := do(t, s, http.MethodGet, "/v1/audit?outcome=proceed&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	events := body["events"].([]any)
	event := events[0].(map[string]any)
	assert.Equal(t, "local-user", event["actor"])
	assert.Equal(t, "Support", event["contract_name"])

	w, _ = do(t, s, http.MethodGet, "/v1/audit?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, s, http.MethodGet, "/v1/audit?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/v1/evaluate", `{"contract":`+contractJSON+`,"output":{"content":"ok"}}`)

	w, _ := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "steward_orchestrator_evaluation_duration_seconds")
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer ABC", "ABC"},
		{"Bearer   padded  ", "padded"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			c.Request.Header.Set("Authorization", tt.header)
		}
		if got := extractBearerToken(c); got != tt.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
