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
	"time"

	"github.com/dataforge/etlagent/dataset"
)

// Stage names the pipeline states. SUCCESS and FAILED are terminal.
type Stage string

const (
	StageExtract      Stage = "EXTRACT"
	StageAnalyze      Stage = "ANALYZE"
	StagePlan         Stage = "PLAN"
	StageTransform    Stage = "TRANSFORM"
	StageValidate     Stage = "VALIDATE"
	StageLoad         Stage = "LOAD"
	StageVerify       Stage = "VERIFY"
	StageErrorHandler Stage = "ERROR_HANDLER"
	StageSuccess      Stage = "SUCCESS"
	StageFailed       Stage = "FAILED"
)

// Status is the run-level outcome. PENDING only exists while running;
// Run never returns a PENDING state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// StepStatus is the outcome of one step execution.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
)

// StepRecord is an immutable log entry for one step execution. The log is
// append-only; records are never rewritten across retries.
type StepRecord struct {
	Stage   Stage          `json:"stage"`
	Status  StepStatus     `json:"status"`
	Message string         `json:"message"`
	Metrics map[string]any `json:"metrics,omitempty"`
	Time    time.Time      `json:"time"`
}

// ErrorRecord is the unresolved failure context carried into the error
// handler. It holds everything a recovery plan needs: what failed, where,
// what had already been applied, and a sample of the offending data.
type ErrorRecord struct {
	Stage          Stage                      `json:"stage"`
	Kind           ErrorKind                  `json:"kind"`
	Message        string                     `json:"message"`
	FailedAction   *Action                    `json:"failed_action,omitempty"`
	AppliedActions []Action                   `json:"applied_actions,omitempty"`
	FailedRule     *ValidationRule            `json:"failed_rule,omitempty"`
	Sample         []map[string]dataset.Value `json:"sample,omitempty"`
}

// ColumnSummary is the per-column part of the oracle's schema reading.
type ColumnSummary struct {
	Name         string   `json:"name"`
	InferredType string   `json:"inferred_type"`
	NullRatio    float64  `json:"null_ratio"`
	Anomalies    []string `json:"anomalies,omitempty"`
}

// SchemaSummary combines the deterministic profile with the oracle's
// interpretation. Produced once by Analyze, read by Plan and Validate.
type SchemaSummary struct {
	RowCount  int             `json:"row_count"`
	Columns   []ColumnSummary `json:"columns"`
	Narrative string          `json:"narrative"`

	profile *dataset.SchemaProfile
}

// ProfileText returns the deterministic profile rendering used in prompts.
func (s *SchemaSummary) ProfileText() string {
	if s.profile == nil {
		return ""
	}
	return s.profile.Summary()
}

// PipelineState is the single source of truth for one run. It is owned by
// the orchestrator; nodes receive it one at a time, never concurrently.
type PipelineState struct {
	RunID  string `json:"run_id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Table  string `json:"table"`
	Intent string `json:"intent"`

	MaxRetries int `json:"max_retries"`

	Raw *dataset.Dataset `json:"-"`

	Schema *SchemaSummary   `json:"schema,omitempty"`
	Plan   []Action         `json:"plan,omitempty"`
	Rules  []ValidationRule `json:"rules,omitempty"`

	// Applied accumulates every action successfully executed against Raw,
	// across retries; the dataset is never rolled back.
	Applied []Action `json:"applied,omitempty"`

	ExecutionLog []StepRecord `json:"execution_log"`
	ErrRecord    *ErrorRecord `json:"error_record,omitempty"`

	RetryCount  int    `json:"retry_count"`
	RowsLoaded  int    `json:"rows_loaded"`
	FinalStatus Status `json:"final_status"`
}

func newPipelineState(req RunRequest, runID string) *PipelineState {
	return &PipelineState{
		RunID:       runID,
		Source:      req.Source,
		Target:      req.Target,
		Table:       req.Table,
		Intent:      req.Intent,
		MaxRetries:  req.MaxRetries,
		FinalStatus: StatusPending,
	}
}

// record appends one entry to the execution log.
func (s *PipelineState) record(stage Stage, status StepStatus, message string, metrics map[string]any) {
	s.ExecutionLog = append(s.ExecutionLog, StepRecord{
		Stage:   stage,
		Status:  status,
		Message: message,
		Metrics: metrics,
		Time:    time.Now(),
	})
}

// logTail returns the most recent n records, for oracle context windows.
func (s *PipelineState) logTail(n int) []StepRecord {
	if len(s.ExecutionLog) <= n {
		return s.ExecutionLog
	}
	return s.ExecutionLog[len(s.ExecutionLog)-n:]
}
