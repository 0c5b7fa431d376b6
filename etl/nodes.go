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
	"strings"

	"github.com/pkg/errors"

	"github.com/dataforge/etlagent/dataset"
	"github.com/dataforge/etlagent/internal/log"
)

// recordFailure logs the node error into the execution log and passes it
// through, so every failure leaves exactly one failure record.
func recordFailure(s *PipelineState, ne *NodeError) *NodeError {
	s.record(ne.Stage, StepFailure, ne.Error(), nil)
	return ne
}

func (o *Orchestrator) runExtract(ctx context.Context, s *PipelineState) *NodeError {
	d, err := o.extractor.Extract(ctx, s.Source)
	if err != nil {
		return recordFailure(s, nodeErr(KindExtraction, StageExtract, err, "extract %q", s.Source))
	}
	s.Raw = d
	s.record(StageExtract, StepSuccess,
		fmt.Sprintf("extracted %d rows, %d columns from %q", d.RowCount(), d.ColumnCount(), s.Source),
		map[string]any{"rows": d.RowCount(), "columns": d.ColumnCount()})
	return nil
}

func (o *Orchestrator) runAnalyze(ctx context.Context, s *PipelineState) *NodeError {
	if s.Raw.RowCount() == 0 {
		return recordFailure(s, nodeErr(KindAnalysis, StageAnalyze, nil, "source dataset is empty"))
	}
	profile := dataset.Profile(s.Raw)
	schema, err := o.oracle.Analyze(ctx, profile)
	if err != nil {
		return recordFailure(s, nodeErr(KindOracle, StageAnalyze, err, "schema analysis"))
	}
	s.Schema = schema
	s.record(StageAnalyze, StepSuccess,
		fmt.Sprintf("analyzed schema: %d columns, %d quality issues", len(profile.Columns), len(profile.Issues)),
		map[string]any{"columns": len(profile.Columns), "issues": len(profile.Issues)})
	return nil
}

func (o *Orchestrator) runPlan(ctx context.Context, s *PipelineState) *NodeError {
	plan, err := o.oracle.Plan(ctx, s.Schema, s.Intent, s.logTail(oracleLogTail))
	if err != nil {
		kind := KindOracle
		if errors.Is(err, ErrPlanRejected) {
			kind = KindPlanning
		}
		return recordFailure(s, nodeErr(kind, StagePlan, err, "plan generation"))
	}
	// second gate: the allow-list holds for any Oracle implementation
	if err := ValidatePlan(plan); err != nil {
		return recordFailure(s, nodeErr(KindPlanning, StagePlan, err, "plan validation"))
	}
	s.Plan = plan

	names := make([]string, 0, len(plan))
	for _, a := range plan {
		names = append(names, a.String())
	}
	s.record(StagePlan, StepSuccess,
		fmt.Sprintf("plan: %s", strings.Join(names, " -> ")),
		map[string]any{"actions": len(plan)})
	return nil
}

// runTransform executes the current plan against the working dataset,
// halting at the first failing action. Successful actions stay applied;
// the dataset is never rolled back, and a recovery plan runs against the
// partially transformed data.
func (o *Orchestrator) runTransform(s *PipelineState) *NodeError {
	for i, a := range s.Plan {
		msg, affected, err := applyAction(s.Raw, a)
		if err != nil {
			failed := a
			s.ErrRecord = &ErrorRecord{
				Stage:          StageTransform,
				Kind:           KindTransformation,
				Message:        err.Error(),
				FailedAction:   &failed,
				AppliedActions: append([]Action(nil), s.Applied...),
				Sample:         s.Raw.Head(3),
			}
			return recordFailure(s, nodeErr(KindTransformation, StageTransform, err, "action %d of %d: %s", i+1, len(s.Plan), a))
		}
		s.Applied = append(s.Applied, a)
		log.Debug("run %s: %s (%d affected)", s.RunID, msg, affected)
	}
	s.record(StageTransform, StepSuccess,
		fmt.Sprintf("applied %d actions, %d rows remain", len(s.Plan), s.Raw.RowCount()),
		map[string]any{"actions": len(s.Plan), "rows": s.Raw.RowCount()})
	return nil
}

// runValidate synthesizes rules for the transformed data and checks them.
// If synthesis itself fails the run falls back to a minimal row-count rule
// instead of dying: a missing rule set should not sink otherwise good data.
func (o *Orchestrator) runValidate(ctx context.Context, s *PipelineState) *NodeError {
	fallback := false
	rules, err := o.oracle.SynthesizeRules(ctx, s.Schema, s.Raw.Head(5))
	if err != nil {
		log.Warn("run %s: rule synthesis failed, using minimal fallback rules: %v", s.RunID, err)
		fallback = true
		rules = []ValidationRule{{
			Kind:        RuleRowCount,
			MinRows:     1,
			Description: "fallback: transformed dataset must not be empty",
		}}
	}
	s.Rules = rules

	advisories := 0
	for _, r := range rules {
		res := checkRule(s.Raw, r)
		if res.Err != nil {
			rule := r
			s.ErrRecord = &ErrorRecord{
				Stage:          StageValidate,
				Kind:           KindValidation,
				Message:        res.Err.Error(),
				FailedRule:     &rule,
				AppliedActions: append([]Action(nil), s.Applied...),
				Sample:         s.Raw.Head(3),
			}
			return recordFailure(s, nodeErr(KindValidation, StageValidate, res.Err, "rule %s could not be checked", r))
		}
		if res.Advisory {
			if res.Violations > 0 {
				advisories++
				log.Warn("run %s: advisory rule %s: %d violations", s.RunID, r, res.Violations)
			}
			continue
		}
		if res.Violations > 0 {
			rule := r
			s.ErrRecord = &ErrorRecord{
				Stage:          StageValidate,
				Kind:           KindValidation,
				Message:        fmt.Sprintf("rule %s violated by %d rows", r, res.Violations),
				FailedRule:     &rule,
				AppliedActions: append([]Action(nil), s.Applied...),
				Sample:         s.Raw.Head(3),
			}
			return recordFailure(s, nodeErr(KindValidation, StageValidate, nil, "rule %s violated by %d rows", r, res.Violations))
		}
	}

	metrics := map[string]any{"rules": len(rules), "advisory_violations": advisories}
	if fallback {
		metrics["fallback_rules"] = true
	}
	s.record(StageValidate, StepSuccess,
		fmt.Sprintf("all %d validation rules passed", len(rules)), metrics)
	return nil
}

func (o *Orchestrator) runLoad(ctx context.Context, s *PipelineState) *NodeError {
	n, err := o.loader.Load(ctx, s.Raw, s.Target, s.Table)
	if err != nil {
		s.ErrRecord = &ErrorRecord{
			Stage:          StageLoad,
			Kind:           KindLoad,
			Message:        err.Error(),
			AppliedActions: append([]Action(nil), s.Applied...),
			Sample:         s.Raw.Head(3),
		}
		return recordFailure(s, nodeErr(KindLoad, StageLoad, err, "load into %q", s.Table))
	}
	s.RowsLoaded = n
	s.record(StageLoad, StepSuccess,
		fmt.Sprintf("loaded %d rows into %q", n, s.Table),
		map[string]any{"rows_loaded": n})
	return nil
}

// runVerify re-reads the sink row count. Append-mode sinks may hold more
// rows than this run wrote; fewer always means the load went wrong.
func (o *Orchestrator) runVerify(ctx context.Context, s *PipelineState) *NodeError {
	count, err := o.loader.Count(ctx, s.Target, s.Table)
	if err != nil {
		s.ErrRecord = &ErrorRecord{
			Stage:          StageVerify,
			Kind:           KindVerify,
			Message:        err.Error(),
			AppliedActions: append([]Action(nil), s.Applied...),
		}
		return recordFailure(s, nodeErr(KindVerify, StageVerify, err, "count rows in %q", s.Table))
	}
	if count < s.RowsLoaded {
		msg := fmt.Sprintf("sink table %q has %d rows, expected at least %d", s.Table, count, s.RowsLoaded)
		s.ErrRecord = &ErrorRecord{
			Stage:          StageVerify,
			Kind:           KindVerify,
			Message:        msg,
			AppliedActions: append([]Action(nil), s.Applied...),
		}
		return recordFailure(s, nodeErr(KindVerify, StageVerify, nil, "%s", msg))
	}
	s.record(StageVerify, StepSuccess,
		fmt.Sprintf("verified %d rows in %q", count, s.Table),
		map[string]any{"sink_rows": count})
	return nil
}
