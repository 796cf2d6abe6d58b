// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed contract.schema.json
var contractSchemaJSON []byte

const contractSchemaURL = "https://steward.schemas.local/contract.schema.json"

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

// Schema returns the compiled contract JSON Schema.
//
// The schema is compiled on first use and shared afterwards.
func Schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(contractSchemaURL, bytes.NewReader(contractSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("contract schema load failed: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(contractSchemaURL)
		if compiledSchemaErr != nil {
			compiledSchemaErr = fmt.Errorf("contract schema compile failed: %w", compiledSchemaErr)
		}
	})
	return compiledSchema, compiledSchemaErr
}

// SchemaJSON returns the raw embedded schema document.
func SchemaJSON() []byte {
	return append([]byte(nil), contractSchemaJSON...)
}

// checkSchema validates a generically decoded document.
//
// YAML documents are round-tripped through encoding/json first so the
// validator only sees JSON-compatible values.
func checkSchema(raw any) error {
	schema, err := Schema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("document is not JSON-compatible: %v", err)}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Reason: err.Error()}
	}

	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
