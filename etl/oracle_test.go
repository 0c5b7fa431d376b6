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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforge/etlagent/dataset"
)

func TestDecodePlanExtractsFromProse(t *testing.T) {
	reply := "Here is the cleaning plan you asked for:\n```json\n" +
		`[{"action": "convert_numeric", "column": "amount"},
		  {"action": "fill_null", "column": "amount", "strategy": "mean"}]` +
		"\n```\nLet me know if you need anything else."
	plan, err := DecodePlan(reply)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, ActionConvertNumeric, plan[0].Kind)
	assert.Equal(t, "mean", plan[1].Strategy)
}

func TestDecodePlanNoArrayIsMalformed(t *testing.T) {
	_, err := DecodePlan("I cannot produce a plan for this data.")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestDecodePlanBadJSONIsMalformed(t *testing.T) {
	_, err := DecodePlan(`[{"action": "convert_numeric", "column": }]`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestDecodePlanSchemaViolationIsMalformed(t *testing.T) {
	// element without the required "action" key
	_, err := DecodePlan(`[{"column": "amount"}]`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestDecodePlanUnknownKindIsRejected(t *testing.T) {
	_, err := DecodePlan(`[{"action": "drop_table", "column": "amount"}]`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanRejected))
	assert.False(t, errors.Is(err, ErrMalformedResponse))
}

func TestDecodeRules(t *testing.T) {
	reply := `[
		{"type": "not_null", "column": "id"},
		{"type": "in_range", "column": "amount", "min": 0, "max": 1000},
		{"type": "row_count", "min_rows": 1}
	]`
	rules, err := DecodeRules(reply)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, RuleInRange, rules[1].Kind)
	require.NotNil(t, rules[1].Min)
	assert.Equal(t, float64(0), *rules[1].Min)
}

func TestDecodeRulesUnknownKindIsRejected(t *testing.T) {
	_, err := DecodeRules(`[{"type": "sorted", "column": "id"}]`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanRejected))
}

func TestExtractJSONArray(t *testing.T) {
	raw, err := extractJSONArray(`noise [1, 2] more noise`)
	require.NoError(t, err)
	assert.Equal(t, "[1, 2]", raw)

	_, err = extractJSONArray("no brackets here")
	require.Error(t, err)
}

type fakeGenerator struct {
	replies []string
	err     error
	calls   int
	inputs  []string
}

func (g *fakeGenerator) Call(ctx context.Context, input string) (string, error) {
	g.calls++
	g.inputs = append(g.inputs, input)
	if g.err != nil {
		return "", g.err
	}
	reply := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return reply, nil
}

func testProfile() *dataset.SchemaProfile {
	d := dataset.New([]string{"amount"})
	d.Rows = [][]dataset.Value{{int64(-1)}, {nil}}
	return dataset.Profile(d)
}

func TestLLMOracleAnalyze(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Looks like sales data with negatives and nulls."}}
	o := NewLLMOracle(gen)

	summary, err := o.Analyze(context.Background(), testProfile())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RowCount)
	assert.Contains(t, summary.Narrative, "sales data")
	assert.NotEmpty(t, summary.ProfileText())
	// the prompt carries the deterministic profile
	assert.Contains(t, gen.inputs[0], "DATA SCHEMA ANALYSIS")
}

func TestLLMOracleAnalyzeEmptyNarrative(t *testing.T) {
	o := NewLLMOracle(&fakeGenerator{replies: []string{"   "}})
	_, err := o.Analyze(context.Background(), testProfile())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestLLMOraclePlan(t *testing.T) {
	gen := &fakeGenerator{replies: []string{`[{"action": "remove_negative", "column": "amount"}]`}}
	o := NewLLMOracle(gen)

	summary, _ := NewLLMOracle(&fakeGenerator{replies: []string{"ok"}}).Analyze(context.Background(), testProfile())
	history := []StepRecord{{Stage: StageExtract, Status: StepSuccess, Message: "extracted 2 rows"}}
	plan, err := o.Plan(context.Background(), summary, "clean it", history)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, ActionRemoveNegative, plan[0].Kind)
	assert.Contains(t, gen.inputs[0], "clean it")
	// vocabulary and contract are spelled out for the model
	assert.Contains(t, gen.inputs[0], "remove_negative")
	// the execution log so far rides along for context
	assert.Contains(t, gen.inputs[0], "extracted 2 rows")
}

func TestLLMOracleRecoverUnrecoverable(t *testing.T) {
	o := NewLLMOracle(&fakeGenerator{replies: []string{"UNRECOVERABLE"}})
	summary, _ := NewLLMOracle(&fakeGenerator{replies: []string{"ok"}}).Analyze(context.Background(), testProfile())

	rec := &ErrorRecord{Stage: StageTransform, Kind: KindTransformation, Message: "boom"}
	_, err := o.Recover(context.Background(), rec, summary, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnrecoverable))
}

func TestLLMOracleRecoverReturnsPlan(t *testing.T) {
	gen := &fakeGenerator{replies: []string{`[{"action": "convert_numeric", "column": "amount"}]`}}
	o := NewLLMOracle(gen)
	summary, _ := NewLLMOracle(&fakeGenerator{replies: []string{"ok"}}).Analyze(context.Background(), testProfile())

	failed := Action{Kind: ActionFillNull, Column: "amount", Strategy: "median"}
	rec := &ErrorRecord{
		Stage:        StageTransform,
		Kind:         KindTransformation,
		Message:      "column contains non-numeric value",
		FailedAction: &failed,
	}
	plan, err := o.Recover(context.Background(), rec, summary, []StepRecord{{Stage: StageTransform, Status: StepFailure, Message: "x"}})
	require.NoError(t, err)
	require.Len(t, plan, 1)
	// failure context reaches the prompt
	assert.Contains(t, gen.inputs[0], "fill_null")
	assert.Contains(t, gen.inputs[0], "non-numeric")
}
