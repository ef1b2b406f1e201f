package models

import (
	"time"

	"github.com/google/uuid"
)

// Database is the user-facing database record. It owns one schema workflow,
// one data workflow, its files and at most one WorkflowState.
type Database struct {
	ID            string         `json:"id" db:"id"`                                  // Unique identifier (UUID)
	Name          string         `json:"name" db:"name"`                              // Display name
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`                   // Creation timestamp
	WorkflowState *WorkflowState `json:"workflowState,omitempty" db:"workflow_state"` // Nil until first evaluation
	StateVersion  int64          `json:"stateVersion" db:"state_version"`             // Bumped on every state write
}

func NewDatabase(name string) Database {
	return Database{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

func (d Database) Clone() Database {
	c := d
	c.WorkflowState = d.WorkflowState.Clone()
	return c
}
