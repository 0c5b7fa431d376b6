// Copyright 2025 Dataforge Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dataforge/etlagent/dataset"
)

// Oracle is the reasoning capability the pipeline consults for semantic
// decisions. Implementations are nondeterministic and fallible; their
// output is validated before it touches pipeline state.
type Oracle interface {
	// Analyze interprets a structured profile into a schema summary.
	Analyze(ctx context.Context, profile *dataset.SchemaProfile) (*SchemaSummary, error)
	// Plan produces an ordered transformation plan for the intent.
	Plan(ctx context.Context, schema *SchemaSummary, intent string, history []StepRecord) ([]Action, error)
	// SynthesizeRules derives validation rules for the transformed data.
	SynthesizeRules(ctx context.Context, schema *SchemaSummary, sample []map[string]dataset.Value) ([]ValidationRule, error)
	// Recover produces a corrected plan from an unresolved failure.
	Recover(ctx context.Context, rec *ErrorRecord, schema *SchemaSummary, history []StepRecord) ([]Action, error)
}

// ErrMalformedResponse marks oracle output that violates the response
// contract (no JSON found, schema mismatch, bad types). Never coerced.
var ErrMalformedResponse = errors.New("malformed oracle response")

// ErrPlanRejected marks a structurally valid response whose actions fall
// outside the allowed vocabulary.
var ErrPlanRejected = errors.New("plan rejected")

// Response contracts, draft-07. Kinds are deliberately NOT enumerated
// here: an unknown kind must surface as a plan rejection, not a schema
// mismatch, so the allow-list check stays the single authority.
const planResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["action"],
    "properties": {
      "action": {"type": "string"},
      "column": {"type": "string"},
      "strategy": {"type": "string"},
      "format": {"type": "string"},
      "new_name": {"type": "string"},
      "valid_values": {"type": "array"},
      "case": {"type": "string"},
      "subset": {"type": "array", "items": {"type": "string"}},
      "new_column": {"type": "string"},
      "expression": {"type": "string"},
      "condition": {"type": "string"}
    }
  }
}`

const rulesResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["type"],
    "properties": {
      "type": {"type": "string"},
      "column": {"type": "string"},
      "min": {"type": "number"},
      "max": {"type": "number"},
      "min_rows": {"type": "integer"},
      "allowed": {"type": "array"},
      "description": {"type": "string"}
    }
  }
}`

// extractJSONArray locates the outermost JSON array in a model reply.
// Models wrap JSON in prose and code fences often enough that this is the
// pragmatic contract.
func extractJSONArray(s string) (string, error) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON array found", ErrMalformedResponse)
	}
	return s[start : end+1], nil
}

func validateAgainst(schemaDoc, raw string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaDoc),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformedResponse, strings.Join(msgs, "; "))
	}
	return nil
}

// DecodePlan turns a raw model reply into a validated plan. Contract
// violations map to ErrMalformedResponse, vocabulary violations to
// ErrPlanRejected.
func DecodePlan(reply string) ([]Action, error) {
	raw, err := extractJSONArray(reply)
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(planResponseSchema, raw); err != nil {
		return nil, err
	}
	var plan []Action
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanRejected, err)
	}
	return plan, nil
}

// DecodeRules turns a raw model reply into validated rules.
func DecodeRules(reply string) ([]ValidationRule, error) {
	raw, err := extractJSONArray(reply)
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(rulesResponseSchema, raw); err != nil {
		return nil, err
	}
	var rules []ValidationRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanRejected, err)
	}
	return rules, nil
}

// summaryFromProfile builds the deterministic part of a schema summary.
// The oracle only contributes the narrative on top.
func summaryFromProfile(p *dataset.SchemaProfile) *SchemaSummary {
	s := &SchemaSummary{
		RowCount: p.RowCount,
		profile:  p,
	}
	for _, c := range p.Columns {
		s.Columns = append(s.Columns, ColumnSummary{
			Name:         c.Name,
			InferredType: c.InferredType,
			NullRatio:    c.NullRatio,
			Anomalies:    append([]string(nil), c.Anomalies...),
		})
	}
	return s
}
