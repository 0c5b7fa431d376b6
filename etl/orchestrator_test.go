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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforge/etlagent/dataset"
)

// scriptOracle replays canned responses, popping one per call.
type scriptOracle struct {
	plans      [][]Action
	planErr    error
	rules      [][]ValidationRule
	rulesErr   error
	recoveries [][]Action
	recoverErr error

	planCalls    int
	rulesCalls   int
	recoverCalls int
}

func (o *scriptOracle) Analyze(ctx context.Context, profile *dataset.SchemaProfile) (*SchemaSummary, error) {
	s := summaryFromProfile(profile)
	s.Narrative = "scripted analysis"
	return s, nil
}

func (o *scriptOracle) Plan(ctx context.Context, schema *SchemaSummary, intent string, history []StepRecord) ([]Action, error) {
	o.planCalls++
	if o.planErr != nil {
		return nil, o.planErr
	}
	return pop(&o.plans), nil
}

func (o *scriptOracle) SynthesizeRules(ctx context.Context, schema *SchemaSummary, sample []map[string]dataset.Value) ([]ValidationRule, error) {
	o.rulesCalls++
	if o.rulesErr != nil {
		return nil, o.rulesErr
	}
	if len(o.rules) == 0 {
		return []ValidationRule{{Kind: RuleRowCount, MinRows: 1}}, nil
	}
	return pop(&o.rules), nil
}

func (o *scriptOracle) Recover(ctx context.Context, rec *ErrorRecord, schema *SchemaSummary, history []StepRecord) ([]Action, error) {
	o.recoverCalls++
	if o.recoverErr != nil {
		return nil, o.recoverErr
	}
	if len(o.recoveries) == 0 {
		return nil, fmt.Errorf("no scripted recovery left")
	}
	return pop(&o.recoveries), nil
}

// pop returns the first element; the last one repeats forever.
func pop[T any](s *[]T) T {
	v := (*s)[0]
	if len(*s) > 1 {
		*s = (*s)[1:]
	}
	return v
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func runPipeline(t *testing.T, oracle Oracle, csv string, maxRetries int) *PipelineState {
	t.Helper()
	orch := NewOrchestrator(oracle, Options{})
	state, err := orch.Run(context.Background(), RunRequest{
		Source:     writeSource(t, csv),
		Target:     filepath.Join(t.TempDir(), "sink.db"),
		Table:      "out",
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	return state
}

func stages(state *PipelineState) []Stage {
	out := make([]Stage, 0, len(state.ExecutionLog))
	for _, rec := range state.ExecutionLog {
		out = append(out, rec.Stage)
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	oracle := &scriptOracle{
		plans: [][]Action{{
			{Kind: ActionFillNull, Column: "amount", Strategy: dataset.FillMean},
		}},
		rules: [][]ValidationRule{{
			{Kind: RuleNotNull, Column: "amount"},
			{Kind: RuleRowCount, MinRows: 1},
		}},
	}
	state := runPipeline(t, oracle, "id,amount\n1,10\n2,\n3,30\n", 0)

	assert.Equal(t, StatusSuccess, state.FinalStatus)
	assert.Equal(t, 0, state.RetryCount)
	assert.Equal(t, 3, state.RowsLoaded)
	assert.Nil(t, state.ErrRecord)
	assert.Len(t, state.Applied, 1)
	assert.Equal(t, 0, oracle.recoverCalls)

	assert.Equal(t, []Stage{
		StageExtract, StageAnalyze, StagePlan, StageTransform,
		StageValidate, StageLoad, StageVerify, StageSuccess,
	}, stages(state))
	for _, rec := range state.ExecutionLog {
		assert.Equal(t, StepSuccess, rec.Status)
	}
}

func TestRunRecoversFromTransformFailure(t *testing.T) {
	// median on a column holding "x" fails; the recovery coerces first,
	// then fills with the mode.
	oracle := &scriptOracle{
		plans: [][]Action{{
			{Kind: ActionFillNull, Column: "v", Strategy: dataset.FillMedian},
		}},
		recoveries: [][]Action{{
			{Kind: ActionConvertNumeric, Column: "v"},
			{Kind: ActionFillNull, Column: "v", Strategy: dataset.FillMode},
		}},
		rules: [][]ValidationRule{{
			{Kind: RuleNotNull, Column: "v"},
		}},
	}
	state := runPipeline(t, oracle, "id,v\n1,10\n2,x\n3,\n", 0)

	assert.Equal(t, StatusSuccess, state.FinalStatus)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, 1, oracle.recoverCalls)
	assert.Nil(t, state.ErrRecord)
	// only the recovery actions ever applied; the failed median never did
	require.Len(t, state.Applied, 2)
	assert.Equal(t, ActionConvertNumeric, state.Applied[0].Kind)

	// the log keeps the failure and the recovery, in order
	seq := stages(state)
	assert.Contains(t, seq, StageErrorHandler)
	var sawFailure bool
	for _, rec := range state.ExecutionLog {
		if rec.Stage == StageTransform && rec.Status == StepFailure {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestRunRejectsPlanWithUnknownAction(t *testing.T) {
	oracle := &scriptOracle{
		plans: [][]Action{{{Kind: "drop_table", Column: "v"}}},
	}
	state := runPipeline(t, oracle, "id,v\n1,10\n", 0)

	assert.Equal(t, StatusFailed, state.FinalStatus)
	assert.Equal(t, 0, state.RetryCount)
	// planning failures are fatal, recovery never consulted
	assert.Equal(t, 0, oracle.recoverCalls)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	// every plan, original and recovered, fails the same way
	failing := []Action{{Kind: ActionFillNull, Column: "v", Strategy: dataset.FillMedian}}
	oracle := &scriptOracle{
		plans:      [][]Action{failing},
		recoveries: [][]Action{failing},
	}
	state := runPipeline(t, oracle, "id,v\n1,a\n2,\n", 2)

	assert.Equal(t, StatusFailed, state.FinalStatus)
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, 2, oracle.recoverCalls)
	assert.NotNil(t, state.ErrRecord)

	var exhausted bool
	for _, rec := range state.ExecutionLog {
		if rec.Stage == StageErrorHandler && rec.Status == StepFailure {
			exhausted = true
		}
	}
	assert.True(t, exhausted)
}

func TestRunRecoversFromValidationFailure(t *testing.T) {
	oracle := &scriptOracle{
		plans: [][]Action{{
			{Kind: ActionConvertNumeric, Column: "amount"},
		}},
		rules: [][]ValidationRule{
			{{Kind: RulePositive, Column: "amount"}},
			{{Kind: RulePositive, Column: "amount"}},
		},
		recoveries: [][]Action{{
			{Kind: ActionRemoveNegative, Column: "amount"},
		}},
	}
	state := runPipeline(t, oracle, "id,amount\n1,-5\n2,10\n", 0)

	assert.Equal(t, StatusSuccess, state.FinalStatus)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, 2, oracle.rulesCalls)
	assert.Equal(t, 1, state.RowsLoaded)
}

func TestRunRejectsRecoveryPlanWithUnknownAction(t *testing.T) {
	// the error handler gates recovery plans through the same allow-list
	// as the Plan node, so an off-vocabulary action never reaches TRANSFORM
	oracle := &scriptOracle{
		plans:      [][]Action{{{Kind: ActionFillNull, Column: "v", Strategy: dataset.FillMedian}}},
		recoveries: [][]Action{{{Kind: "drop_table", Column: "v"}}},
	}
	state := runPipeline(t, oracle, "id,v\n1,x\n2,\n", 2)

	assert.Equal(t, StatusFailed, state.FinalStatus)
	// each rejected recovery consumes a retry until the budget runs out
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, 2, oracle.recoverCalls)

	// the disallowed plan never entered pipeline state
	assert.NoError(t, ValidatePlan(state.Plan))
	for _, a := range state.Applied {
		assert.NotEqual(t, ActionKind("drop_table"), a.Kind)
	}
	// TRANSFORM only ever saw the original plan failing, once
	transformFailures := 0
	for _, rec := range state.ExecutionLog {
		if rec.Stage == StageTransform && rec.Status == StepFailure {
			transformFailures++
		}
	}
	assert.Equal(t, 1, transformFailures)
}

func TestRunOracleDeclaresUnrecoverable(t *testing.T) {
	oracle := &scriptOracle{
		plans:      [][]Action{{{Kind: ActionFillNull, Column: "v", Strategy: dataset.FillMedian}}},
		recoverErr: ErrUnrecoverable,
	}
	state := runPipeline(t, oracle, "id,v\n1,a\n2,\n", 0)

	assert.Equal(t, StatusFailed, state.FinalStatus)
	// an unrecoverable verdict fails fast without consuming the budget
	assert.Equal(t, 0, state.RetryCount)
	assert.Equal(t, 1, oracle.recoverCalls)
}

func TestRunFailedRecoveryConsumesRetry(t *testing.T) {
	oracle := &scriptOracle{
		plans:      [][]Action{{{Kind: ActionFillNull, Column: "v", Strategy: dataset.FillMedian}}},
		recoverErr: fmt.Errorf("model produced garbage"),
	}
	state := runPipeline(t, oracle, "id,v\n1,a\n2,\n", 2)

	assert.Equal(t, StatusFailed, state.FinalStatus)
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, 2, oracle.recoverCalls)
}

func TestRunFallsBackWhenRuleSynthesisFails(t *testing.T) {
	oracle := &scriptOracle{
		plans:    [][]Action{{{Kind: ActionConvertNumeric, Column: "v"}}},
		rulesErr: fmt.Errorf("oracle down"),
	}
	state := runPipeline(t, oracle, "id,v\n1,10\n", 0)

	assert.Equal(t, StatusSuccess, state.FinalStatus)
	require.Len(t, state.Rules, 1)
	assert.Equal(t, RuleRowCount, state.Rules[0].Kind)
}

func TestRunUniqueRuleIsAdvisory(t *testing.T) {
	oracle := &scriptOracle{
		plans: [][]Action{{{Kind: ActionConvertNumeric, Column: "v"}}},
		rules: [][]ValidationRule{{
			{Kind: RuleUnique, Column: "v"},
			{Kind: RuleRowCount, MinRows: 1},
		}},
	}
	// duplicate values violate unique, but the run still succeeds
	state := runPipeline(t, oracle, "id,v\n1,7\n2,7\n", 0)
	assert.Equal(t, StatusSuccess, state.FinalStatus)
	assert.Equal(t, 0, state.RetryCount)
}

func TestRunEmptySourceIsFatal(t *testing.T) {
	oracle := &scriptOracle{}
	orch := NewOrchestrator(oracle, Options{})
	state, err := orch.Run(context.Background(), RunRequest{
		Source: writeSource(t, "id,v\n"),
		Target: filepath.Join(t.TempDir(), "sink.db"),
		Table:  "out",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.FinalStatus)
	assert.Equal(t, 0, oracle.planCalls)
}

func TestRunExtractionFailureIsFatal(t *testing.T) {
	oracle := &scriptOracle{}
	orch := NewOrchestrator(oracle, Options{})
	state, err := orch.Run(context.Background(), RunRequest{
		Source: filepath.Join(t.TempDir(), "missing.csv"),
		Target: filepath.Join(t.TempDir(), "sink.db"),
		Table:  "out",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.FinalStatus)
	assert.Equal(t, 0, oracle.recoverCalls)
}

func TestRunRejectsIncompleteRequest(t *testing.T) {
	orch := NewOrchestrator(&scriptOracle{}, Options{})
	_, err := orch.Run(context.Background(), RunRequest{Source: "x.csv"})
	require.Error(t, err)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := NewOrchestrator(&scriptOracle{}, Options{})
	state, err := orch.Run(ctx, RunRequest{
		Source: writeSource(t, "id,v\n1,10\n"),
		Target: filepath.Join(t.TempDir(), "sink.db"),
		Table:  "out",
	})
	require.Error(t, err)
	require.NotNil(t, state)
	assert.Equal(t, StatusFailed, state.FinalStatus)
}

func TestRunVerifiesSinkRowCount(t *testing.T) {
	oracle := &scriptOracle{
		plans: [][]Action{{{Kind: ActionRemoveDuplicates, Subset: []string{"id"}}}},
	}
	state := runPipeline(t, oracle, "id,v\n1,10\n1,10\n2,20\n", 0)

	assert.Equal(t, StatusSuccess, state.FinalStatus)
	assert.Equal(t, 2, state.RowsLoaded)

	var verified bool
	for _, rec := range state.ExecutionLog {
		if rec.Stage == StageVerify && rec.Status == StepSuccess {
			verified = true
			assert.Equal(t, 2, rec.Metrics["sink_rows"])
		}
	}
	assert.True(t, verified)
}
