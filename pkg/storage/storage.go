package storage

import (
	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a database, workflow or file does not exist.
var ErrNotFound = errors.New("not found")

// ErrStateChanged is returned by CompareAndSetWorkflowState when the state
// was written since the caller read it.
var ErrStateChanged = errors.New("workflow state changed")

// Store defines the metadata operations for pg-explore.
type Store interface {
	// Transaction operations
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Database operations
	SaveDatabase(d models.Database) error
	GetDatabase(id string) (models.Database, error)
	ListDatabases() ([]models.Database, error)
	DeleteDatabase(id string) error
	UpdateWorkflowState(databaseID string, state *models.WorkflowState) error
	CompareAndSetWorkflowState(databaseID string, version int64, state *models.WorkflowState) error

	// Workflow operations
	SaveWorkflow(w models.Workflow) error
	GetWorkflow(id string) (models.Workflow, error)
	GetWorkflowByType(databaseID string, t models.WorkflowType) (models.Workflow, error)
	UpdateWorkflowSteps(id string, steps []models.WorkflowStep) error

	// File operations
	SaveFile(f models.File) error
	GetFile(id string) (models.File, error)
	ListFiles(databaseID string) ([]models.File, error)
	UpdateFileContent(id, content string) error
}
