package models

import "github.com/google/uuid"

type StepType string

const (
	SQLQueryStepType StepType = "sql-query"
	DBMLStepType     StepType = "dbml"
	TableStepType    StepType = "table"
)

func (t StepType) Valid() bool {
	switch t {
	case SQLQueryStepType, DBMLStepType, TableStepType:
		return true
	}
	return false
}

// FileType is the type of file a step of this type runs.
func (t StepType) FileType() FileType {
	switch t {
	case DBMLStepType:
		return DBMLFileType
	case TableStepType:
		return TableFileType
	default:
		return SQLFileType
	}
}

// TableOptions configures a table import step.
type TableOptions struct {
	TableName          string `json:"tableName" yaml:"tableName"`
	IncludeCreateTable bool   `json:"includeCreateTable" yaml:"includeCreateTable"`
}

// WorkflowStep is a single entry of a workflow. A step without a file is a
// placeholder that evaluates to a noop.
type WorkflowStep struct {
	ID      string        `json:"id"`                // Step identifier (UUID), stable across reorders
	Type    StepType      `json:"type"`              // "sql-query", "dbml" or "table"
	FileID  string        `json:"fileId,omitempty"`  // Bound file, empty when unbound
	Options *TableOptions `json:"options,omitempty"` // Only set for table steps
}

func NewWorkflowStep(t StepType, fileID string) WorkflowStep {
	return WorkflowStep{
		ID:     uuid.NewString(),
		Type:   t,
		FileID: fileID,
	}
}

// Bound reports whether the step references a file.
func (s WorkflowStep) Bound() bool {
	return s.FileID != ""
}

func (s WorkflowStep) Clone() WorkflowStep {
	c := s
	if s.Options != nil {
		opts := *s.Options
		c.Options = &opts
	}
	return c
}
