package models

import "github.com/google/uuid"

type WorkflowType string

const (
	SchemaWorkflowType WorkflowType = "schema"
	DataWorkflowType   WorkflowType = "data"
)

// Valid reports whether t names one of the two pipelines of a database.
func (t WorkflowType) Valid() bool {
	return t == SchemaWorkflowType || t == DataWorkflowType
}

// Workflow is one of the two ordered pipelines owned by a database.
// Schema steps always run fully before data steps.
type Workflow struct {
	ID            string         `json:"id" db:"id"`                       // Unique identifier (UUID)
	DatabaseID    string         `json:"databaseId" db:"database_id"`      // Owning database
	Type          WorkflowType   `json:"type" db:"type"`                   // "schema" or "data"
	WorkflowSteps []WorkflowStep `json:"workflowSteps" db:"workflow_steps"` // Ordered steps, stored as JSONB
}

func NewWorkflow(databaseID string, t WorkflowType) Workflow {
	return Workflow{
		ID:            uuid.NewString(),
		DatabaseID:    databaseID,
		Type:          t,
		WorkflowSteps: []WorkflowStep{},
	}
}

// Step returns the step at index, or false when the index is out of range.
func (w Workflow) Step(index int) (WorkflowStep, bool) {
	if index < 0 || index >= len(w.WorkflowSteps) {
		return WorkflowStep{}, false
	}
	return w.WorkflowSteps[index], true
}

// References reports whether any step of the workflow is bound to fileID.
func (w Workflow) References(fileID string) bool {
	for _, s := range w.WorkflowSteps {
		if s.FileID != "" && s.FileID == fileID {
			return true
		}
	}
	return false
}

func (w Workflow) Clone() Workflow {
	c := w
	c.WorkflowSteps = make([]WorkflowStep, len(w.WorkflowSteps))
	for i, s := range w.WorkflowSteps {
		c.WorkflowSteps[i] = s.Clone()
	}
	return c
}
