// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AleutianAI/steward/services/steward/evidence"
	"github.com/AleutianAI/steward/services/steward/types"
)

//go:embed response.schema.json
var responseSchemaJSON []byte

const responseSchemaURL = "https://steward.schemas.local/agent-response.schema.json"

var (
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
	responseSchemaOnce sync.Once
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(responseSchemaURL, bytes.NewReader(responseSchemaJSON)); err != nil {
			responseSchemaErr = fmt.Errorf("response schema load failed: %w", err)
			return
		}
		responseSchema, responseSchemaErr = c.Compile(responseSchemaURL)
	})
	return responseSchema, responseSchemaErr
}

// ruleResponse is one element of the model's reply.
type ruleResponse struct {
	RuleID            string             `json:"rule_id"`
	Result            string             `json:"result"`
	Evidence          []evidenceResponse `json:"evidence"`
	Reasoning         string             `json:"reasoning"`
	Confidence        float64            `json:"confidence"`
	EscalationContext *struct {
		DecisionPoint    string   `json:"decision_point"`
		SuggestedOptions []string `json:"suggested_options"`
	} `json:"escalation_context"`
}

type evidenceResponse struct {
	Claim   string `json:"claim"`
	Pointer string `json:"pointer"`
	Quote   string `json:"quote"`
}

func (r ruleResponse) result() types.RuleResult {
	switch r.Result {
	case "SATISFIED":
		return types.RuleSatisfied
	case "VIOLATED":
		return types.RuleViolated
	case "NOT_APPLICABLE":
		return types.RuleNotApplicable
	default:
		return types.RuleUncertain
	}
}

func (r ruleResponse) escalationReason() string {
	if r.EscalationContext != nil && strings.TrimSpace(r.EscalationContext.DecisionPoint) != "" {
		return strings.TrimSpace(r.EscalationContext.DecisionPoint)
	}
	if strings.TrimSpace(r.Reasoning) != "" {
		return strings.TrimSpace(r.Reasoning)
	}
	return "Model could not decide"
}

// parseResponse strips code fences, checks the reply against the response
// schema and decodes it. A single object is accepted as a one-element array.
func parseResponse(content string) ([]ruleResponse, error) {
	body := stripCodeFences(content)
	if strings.HasPrefix(body, "{") {
		body = "[" + body + "]"
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}

	schema, err := compiledResponseSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("response does not match schema: %w", err)
	}

	var out []ruleResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// =============================================================================
// Evidence
// =============================================================================

// contractSections are the top-level contract fields a contract pointer may
// name.
var contractSections = []string{
	"name", "description", "contract_version", "schema_version", "policy_pack",
	"intent", "boundaries", "accountability", "acceptance",
}

// evidenceChecker converts model evidence into typed evidence, rejecting
// anything that does not resolve against the request.
type evidenceChecker struct {
	text     *evidence.Validator
	metadata map[string]string
}

func newEvidenceChecker(req *types.EvaluationRequest) *evidenceChecker {
	return &evidenceChecker{text: evidence.New(req.Output, req.Context), metadata: req.Metadata}
}

func (c *evidenceChecker) convert(items []evidenceResponse) ([]types.Evidence, error) {
	out := make([]types.Evidence, 0, len(items))
	for _, item := range items {
		e, err := c.check(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *evidenceChecker) check(item evidenceResponse) (types.Evidence, error) {
	pointer := strings.TrimSpace(item.Pointer)
	e := types.Evidence{Claim: item.Claim, Pointer: pointer, Quote: item.Quote}

	switch {
	case strings.HasPrefix(pointer, "metadata."):
		key := strings.TrimPrefix(pointer, "metadata.")
		if _, ok := c.metadata[key]; !ok {
			return types.Evidence{}, fmt.Errorf("%w: metadata key %q not present", evidence.ErrInvalidEvidence, key)
		}
		e.Source = types.SourceMetadata
		return e, nil
	case isContractPath(pointer):
		e.Source = types.SourceContract
		return e, nil
	}

	p, err := evidence.ParsePointer(pointer)
	if err != nil {
		return types.Evidence{}, err
	}
	e.Source = p.Source
	if err := c.text.Validate(e); err != nil {
		return types.Evidence{}, err
	}
	return e, nil
}

func isContractPath(pointer string) bool {
	if strings.Contains(pointer, "[") && strings.Contains(pointer, ":") {
		return false
	}
	head, _, _ := strings.Cut(pointer, ".")
	head, _, _ = strings.Cut(head, "[")
	for _, s := range contractSections {
		if head == s {
			return true
		}
	}
	return false
}
