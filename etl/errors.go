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

import "fmt"

// ErrorKind classifies an expected pipeline failure. The kind, together
// with the stage it arose in, decides recoverability.
type ErrorKind string

const (
	KindExtraction     ErrorKind = "ExtractionError"
	KindAnalysis       ErrorKind = "AnalysisError"
	KindOracle         ErrorKind = "OracleError"
	KindPlanning       ErrorKind = "PlanningError"
	KindTransformation ErrorKind = "TransformationError"
	KindValidation     ErrorKind = "ValidationFailure"
	KindLoad           ErrorKind = "LoadError"
	KindVerify         ErrorKind = "VerifyError"
)

// NodeError is an expected failure raised by a node. It never escapes
// Run(); the orchestrator resolves it through the transition table.
type NodeError struct {
	Kind  ErrorKind
	Stage Stage
	Msg   string
	cause error
}

func (e *NodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Kind, e.Stage, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Msg)
}

func (e *NodeError) Unwrap() error { return e.cause }

func nodeErr(kind ErrorKind, stage Stage, cause error, format string, args ...any) *NodeError {
	return &NodeError{
		Kind:  kind,
		Stage: stage,
		Msg:   fmt.Sprintf(format, args...),
		cause: cause,
	}
}

// recoverable reports whether a failure of this kind can be handed to the
// error handler. Pre-plan failures have no recovery context and are fatal;
// oracle-format failures during planning are fatal too, since there is no
// plan to repair.
func (e *NodeError) recoverable() bool {
	switch e.Kind {
	case KindTransformation, KindValidation, KindLoad, KindVerify:
		return true
	default:
		return false
	}
}
