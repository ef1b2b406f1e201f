package models

import (
	"fmt"
	"sort"
)

type Progress string

const (
	DirtyProgress       Progress = "dirty"
	SchemaErrorProgress Progress = "schema-error"
	DataErrorProgress   Progress = "data-error"
	SchemaProgress      Progress = "schema"
	DataProgress        Progress = "data"
)

// ErrorProgress returns the error marker for the given pipeline.
func ErrorProgress(t WorkflowType) Progress {
	if t == SchemaWorkflowType {
		return SchemaErrorProgress
	}
	return DataErrorProgress
}

type StepResult string

const (
	SuccessStepResult StepResult = "success"
	ErrorStepResult   StepResult = "error"
	NoopStepResult    StepResult = "noop"
)

// StepExecutionResult is the last known outcome of the step at (Type, Index).
// It is only used for display.
type StepExecutionResult struct {
	Type   WorkflowType `json:"type"`
	Index  int          `json:"index"`
	Result StepResult   `json:"result"`
	Error  string       `json:"error,omitempty"`
}

// WorkflowState is the persisted progress cursor of a database. Whenever
// CurrentProgress names a pipeline, the live engine holds exactly the schema
// steps and data steps up to that cursor.
type WorkflowState struct {
	CurrentProgress Progress              `json:"currentProgress"`
	StepsDone       int                   `json:"stepsDone"`
	StepResults     []StepExecutionResult `json:"stepResults"`
}

// NewWorkflowState returns the state of a freshly wiped engine.
func NewWorkflowState() *WorkflowState {
	return &WorkflowState{
		CurrentProgress: SchemaProgress,
		StepsDone:       0,
		StepResults:     []StepExecutionResult{},
	}
}

func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	c := *s
	c.StepResults = append([]StepExecutionResult{}, s.StepResults...)
	return &c
}

// Cursor decodes the state into a Cursor. A nil state yields CursorNone and
// an unknown progress value is treated as dirty.
func (s *WorkflowState) Cursor() Cursor {
	if s == nil {
		return Cursor{Kind: CursorNone}
	}
	switch s.CurrentProgress {
	case SchemaProgress:
		return Cursor{Kind: CursorAt, Position: Position{Pipeline: SchemaWorkflowType, Steps: s.StepsDone}}
	case DataProgress:
		return Cursor{Kind: CursorAt, Position: Position{Pipeline: DataWorkflowType, Steps: s.StepsDone}}
	case SchemaErrorProgress:
		return Cursor{Kind: CursorError, Position: Position{Pipeline: SchemaWorkflowType, Steps: s.StepsDone}}
	case DataErrorProgress:
		return Cursor{Kind: CursorError, Position: Position{Pipeline: DataWorkflowType, Steps: s.StepsDone}}
	default:
		return Cursor{Kind: CursorDirty}
	}
}

// ApplyTarget asks for the engine to hold StepsToApply steps of WorkflowType
// (and, for the data pipeline, every schema step).
type ApplyTarget struct {
	WorkflowType WorkflowType `json:"workflowType"`
	StepsToApply int          `json:"stepsToApply"`
}

func (t ApplyTarget) Validate() error {
	if !t.WorkflowType.Valid() {
		return fmt.Errorf("invalid workflow type %q", t.WorkflowType)
	}
	if t.StepsToApply < 0 {
		return fmt.Errorf("stepsToApply must not be negative, got %d", t.StepsToApply)
	}
	return nil
}

func (t ApplyTarget) Position() Position {
	return Position{Pipeline: t.WorkflowType, Steps: t.StepsToApply}
}

// SortStepResults orders results schema first, then by index.
func SortStepResults(results []StepExecutionResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Type != results[j].Type {
			return results[i].Type == SchemaWorkflowType
		}
		return results[i].Index < results[j].Index
	})
}
