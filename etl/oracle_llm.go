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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/dataforge/etlagent/dataset"
	"github.com/dataforge/etlagent/internal/log"
	"github.com/dataforge/etlagent/internal/utils"
	"github.com/dataforge/etlagent/llm"
)

// ErrUnrecoverable is returned by Recover when the oracle judges the
// failure beyond repair. The run fails immediately without spending the
// remaining retry budget.
var ErrUnrecoverable = errors.New("oracle declared failure unrecoverable")

var _ Oracle = (*LLMOracle)(nil)

// LLMOracle consults a chat model for every reasoning decision. Each
// method issues one call and decodes the reply through the strict
// response contract; the model is never trusted beyond that.
type LLMOracle struct {
	gen llm.Generator
}

func NewLLMOracle(gen llm.Generator) *LLMOracle {
	return &LLMOracle{gen: gen}
}

var (
	contractOnce  sync.Once
	planContract  string
	rulesContract string
)

// actionContract renders the Go types as JSON schema text for prompts, so
// the prompt and the decoder can never drift apart.
func actionContract() (plan, rules string) {
	contractOnce.Do(func() {
		r := &jsonschema.Reflector{DoNotReference: true}
		p, err := utils.MarshalJSONIndent(r.Reflect(&Action{}))
		if err != nil {
			panic(err)
		}
		q, err := utils.MarshalJSONIndent(r.Reflect(&ValidationRule{}))
		if err != nil {
			panic(err)
		}
		planContract = string(p)
		rulesContract = string(q)
	})
	return planContract, rulesContract
}

func actionVocabulary() string {
	kinds := make([]string, 0, len(AllowedActions))
	for k := range AllowedActions {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}

func ruleVocabulary() string {
	kinds := make([]string, 0, len(AllowedRules))
	for k := range AllowedRules {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}

const analyzePrompt = `You are inspecting the source data of an ETL run.

%s

Summarize in a few sentences what this dataset appears to contain and
which data quality problems matter most for loading it into a SQL sink.
Reply with plain prose only.`

const planPrompt = `You are planning transformations for an ETL run.

User intent: %s

%s

Recent execution log:
%s

Produce an ordered cleaning plan as a JSON array. Each element must be an
object with an "action" field from this fixed vocabulary:
%s

Element schema:
%s

Guidance:
- fill_null strategies: "value" (with "value"), "mean", "median", "mode", "drop".
  mean and median only work on numeric columns.
- convert_numeric coerces text to numbers; run it before numeric fills.
- add_derived_column and filter_rows take govaluate expressions over
  column names, e.g. "price * quantity" or "amount >= 0".
- Address every quality issue listed above. Order matters.

Reply with the JSON array only.`

const rulesPrompt = `You are writing validation rules for freshly
transformed ETL data before it is loaded.

%s

Sample rows after transformation:
%s

Produce a JSON array of rules. Each element must be an object with a
"type" field from this fixed vocabulary:
%s

Element schema:
%s

Guidance:
- not_null, positive, unique take a "column".
- in_range takes "column", "min" and "max".
- in_set takes "column" and "allowed".
- row_count takes "min_rows".
- Always include a row_count rule. Only assert what the data supports.

Reply with the JSON array only.`

const recoverPrompt = `An ETL pipeline step failed and you must repair it.

Failure:
  stage: %s
  kind: %s
  detail: %s
%s
Actions already applied to the working dataset (do NOT repeat them):
%s

%s

Recent execution log:
%s

Produce a corrected plan as a JSON array of actions (vocabulary: %s) that
resolves the failure. The plan runs against the CURRENT working dataset,
which already reflects the applied actions above. If the failure cannot
be fixed by any transformation, reply with exactly the word UNRECOVERABLE
and nothing else.

Element schema:
%s

Reply with the JSON array (or UNRECOVERABLE) only.`

func (o *LLMOracle) Analyze(ctx context.Context, profile *dataset.SchemaProfile) (*SchemaSummary, error) {
	reply, err := o.gen.Call(ctx, fmt.Sprintf(analyzePrompt, profile.Summary()))
	if err != nil {
		return nil, utils.WrapError(err, "schema analysis call")
	}
	narrative := strings.TrimSpace(reply)
	if narrative == "" {
		return nil, fmt.Errorf("%w: empty analysis narrative", ErrMalformedResponse)
	}
	s := summaryFromProfile(profile)
	s.Narrative = narrative
	return s, nil
}

func (o *LLMOracle) Plan(ctx context.Context, schema *SchemaSummary, intent string, history []StepRecord) ([]Action, error) {
	planSchema, _ := actionContract()
	input := fmt.Sprintf(planPrompt, intentOrDefault(intent), schemaContext(schema), renderHistory(history), actionVocabulary(), planSchema)
	reply, err := o.gen.Call(ctx, input)
	if err != nil {
		return nil, utils.WrapError(err, "planning call")
	}
	return DecodePlan(reply)
}

func (o *LLMOracle) SynthesizeRules(ctx context.Context, schema *SchemaSummary, sample []map[string]dataset.Value) ([]ValidationRule, error) {
	_, ruleSchema := actionContract()
	input := fmt.Sprintf(rulesPrompt, schemaContext(schema), renderSample(sample), ruleVocabulary(), ruleSchema)
	reply, err := o.gen.Call(ctx, input)
	if err != nil {
		return nil, utils.WrapError(err, "rule synthesis call")
	}
	return DecodeRules(reply)
}

func (o *LLMOracle) Recover(ctx context.Context, rec *ErrorRecord, schema *SchemaSummary, history []StepRecord) ([]Action, error) {
	planSchema, _ := actionContract()
	input := fmt.Sprintf(recoverPrompt,
		rec.Stage, rec.Kind, rec.Message,
		renderFailureDetail(rec),
		renderActions(rec.AppliedActions),
		schemaContext(schema),
		renderHistory(history),
		actionVocabulary(),
		planSchema,
	)
	reply, err := o.gen.Call(ctx, input)
	if err != nil {
		return nil, utils.WrapError(err, "recovery call")
	}
	if strings.Contains(strings.ToUpper(reply), "UNRECOVERABLE") && !strings.Contains(reply, "[") {
		log.Warn("Oracle judged %s at %s unrecoverable", rec.Kind, rec.Stage)
		return nil, ErrUnrecoverable
	}
	return DecodePlan(reply)
}

func intentOrDefault(intent string) string {
	if strings.TrimSpace(intent) == "" {
		return "clean the dataset so it loads into a SQL sink without errors"
	}
	return intent
}

func schemaContext(schema *SchemaSummary) string {
	var b strings.Builder
	b.WriteString(schema.ProfileText())
	if schema.Narrative != "" {
		b.WriteString("\nANALYST READING:\n")
		b.WriteString(schema.Narrative)
		b.WriteString("\n")
	}
	return b.String()
}

func renderFailureDetail(rec *ErrorRecord) string {
	var b strings.Builder
	if rec.FailedAction != nil {
		data, err := utils.MarshalJSONBytes(rec.FailedAction)
		if err == nil {
			fmt.Fprintf(&b, "  failed action: %s\n", data)
		}
	}
	if rec.FailedRule != nil {
		data, err := utils.MarshalJSONBytes(rec.FailedRule)
		if err == nil {
			fmt.Fprintf(&b, "  failed rule: %s\n", data)
		}
	}
	if len(rec.Sample) > 0 {
		fmt.Fprintf(&b, "  offending sample: %s\n", renderSample(rec.Sample))
	}
	return b.String()
}

func renderActions(actions []Action) string {
	if len(actions) == 0 {
		return "  (none)"
	}
	var b strings.Builder
	for _, a := range actions {
		fmt.Fprintf(&b, "  - %s\n", a)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSample(sample []map[string]dataset.Value) string {
	data, err := utils.MarshalJSONBytes(sample)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func renderHistory(history []StepRecord) string {
	if len(history) == 0 {
		return "  (empty)"
	}
	var b strings.Builder
	for _, r := range history {
		fmt.Fprintf(&b, "  %s %s: %s\n", r.Stage, r.Status, r.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}
