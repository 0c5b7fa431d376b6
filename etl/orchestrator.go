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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/dataforge/etlagent/dataset"
	"github.com/dataforge/etlagent/internal/log"
)

// Extractor reads a source into a dataset.
type Extractor interface {
	Extract(ctx context.Context, source string) (*dataset.Dataset, error)
}

// Loader writes a dataset into a sink and can report the sink's row count.
type Loader interface {
	Load(ctx context.Context, d *dataset.Dataset, target, table string) (int, error)
	Count(ctx context.Context, target, table string) (int, error)
}

// RunRequest describes one pipeline run. MaxRetries of zero means the
// default budget.
type RunRequest struct {
	Source     string
	Target     string
	Table      string
	Intent     string
	MaxRetries int
}

const defaultMaxRetries = 2

// how much execution log the oracle sees
const oracleLogTail = 10

// Orchestrator drives the pipeline state machine. It is stateless across
// runs and safe for concurrent Run calls with distinct requests.
type Orchestrator struct {
	oracle    Oracle
	extractor Extractor
	loader    Loader
}

// Options overrides the default file extractor and SQL loader.
type Options struct {
	Extractor Extractor
	Loader    Loader
}

func NewOrchestrator(oracle Oracle, opts Options) *Orchestrator {
	ex := opts.Extractor
	if ex == nil {
		ex = dataset.FileExtractor{}
	}
	ld := opts.Loader
	if ld == nil {
		ld = dataset.SQLLoader{}
	}
	return &Orchestrator{oracle: oracle, extractor: ex, loader: ld}
}

// Run executes the pipeline to a terminal state. The returned state always
// carries the full execution log; the error return is reserved for request
// misuse and context cancellation, never for data-level failures — those
// end as FinalStatus FAILED.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*PipelineState, error) {
	if req.Source == "" || req.Target == "" || req.Table == "" {
		return nil, fmt.Errorf("run request needs source, target and table")
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = defaultMaxRetries
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = 0
	}

	s := newPipelineState(req, newRunID())
	log.Info("run %s: %s -> %s table %q (retry budget %d)", s.RunID, s.Source, s.Target, s.Table, s.MaxRetries)

	stage := StageExtract
	for {
		if err := ctx.Err(); err != nil {
			s.record(stage, StepFailure, "run cancelled: "+err.Error(), nil)
			s.FinalStatus = StatusFailed
			return s, err
		}

		var next Stage
		var nerr *NodeError
		switch stage {
		case StageExtract:
			nerr, next = o.runExtract(ctx, s), StageAnalyze
		case StageAnalyze:
			nerr, next = o.runAnalyze(ctx, s), StagePlan
		case StagePlan:
			nerr, next = o.runPlan(ctx, s), StageTransform
		case StageTransform:
			nerr, next = o.runTransform(s), StageValidate
		case StageValidate:
			nerr, next = o.runValidate(ctx, s), StageLoad
		case StageLoad:
			nerr, next = o.runLoad(ctx, s), StageVerify
		case StageVerify:
			nerr, next = o.runVerify(ctx, s), StageSuccess
		case StageErrorHandler:
			next = o.runErrorHandler(ctx, s)
		case StageSuccess:
			s.FinalStatus = StatusSuccess
			s.record(StageSuccess, StepSuccess, fmt.Sprintf("run complete, %d rows loaded into %q", s.RowsLoaded, s.Table), nil)
			log.Info("run %s succeeded after %d retries", s.RunID, s.RetryCount)
			return s, nil
		case StageFailed:
			s.FinalStatus = StatusFailed
			s.record(StageFailed, StepFailure, "run failed", nil)
			log.Error("run %s failed (retries used: %d/%d)", s.RunID, s.RetryCount, s.MaxRetries)
			return s, nil
		}

		if nerr != nil {
			next = o.resolveFailure(s, nerr)
		}
		stage = next
	}
}

// resolveFailure routes a node failure: recoverable kinds go to the error
// handler, everything else is fatal.
func (o *Orchestrator) resolveFailure(s *PipelineState, nerr *NodeError) Stage {
	log.Error("run %s: %v", s.RunID, nerr)
	if nerr.recoverable() {
		return StageErrorHandler
	}
	return StageFailed
}

// runErrorHandler consults the oracle for a corrected plan. A failed
// recovery attempt consumes a retry and loops back here, so an oracle
// stuck producing garbage exhausts the budget rather than spinning.
func (o *Orchestrator) runErrorHandler(ctx context.Context, s *PipelineState) Stage {
	if s.ErrRecord == nil {
		s.record(StageErrorHandler, StepFailure, "error handler entered without failure context", nil)
		return StageFailed
	}
	if s.RetryCount >= s.MaxRetries {
		s.record(StageErrorHandler, StepFailure,
			fmt.Sprintf("retry budget exhausted (%d/%d), giving up on %s", s.RetryCount, s.MaxRetries, s.ErrRecord.Kind), nil)
		return StageFailed
	}

	plan, err := o.oracle.Recover(ctx, s.ErrRecord, s.Schema, s.logTail(oracleLogTail))
	if err == nil {
		// same gate as the Plan node; the allow-list holds for any
		// Oracle implementation
		err = ValidatePlan(plan)
	}
	if err != nil {
		if errors.Is(err, ErrUnrecoverable) {
			s.record(StageErrorHandler, StepFailure, "oracle declared the failure unrecoverable", nil)
			return StageFailed
		}
		s.RetryCount++
		s.record(StageErrorHandler, StepFailure,
			fmt.Sprintf("recovery attempt failed: %v", err), map[string]any{"retry": s.RetryCount})
		return StageErrorHandler
	}

	s.RetryCount++
	s.Plan = plan
	s.ErrRecord = nil
	s.record(StageErrorHandler, StepSuccess,
		fmt.Sprintf("recovery plan accepted (%d actions), retry %d/%d", len(plan), s.RetryCount, s.MaxRetries),
		map[string]any{"retry": s.RetryCount, "actions": len(plan)})
	return StageTransform
}

func newRunID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102T150405"), hex.EncodeToString(buf))
}
