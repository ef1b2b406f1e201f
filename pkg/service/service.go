package service

import (
	"context"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/pkg/errors"
)

var (
	// ErrRecoveryFailed is returned when replaying up to the last good step
	// fails again. The workflow state is left dirty.
	ErrRecoveryFailed = errors.New("recovery replay failed")
	// ErrInvalidTarget is returned for targets naming an unknown pipeline or a
	// negative step count.
	ErrInvalidTarget = errors.New("invalid apply target")
)

// Logger defines the logging interface for the workflow services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Engine is the live SQL engine of one database.
type Engine interface {
	// Exec runs a script of one or more statements.
	Exec(ctx context.Context, script string) error
	Query(ctx context.Context, query string) (*models.QueryResult, error)
	// ResetSchema drops and recreates the public schema.
	ResetSchema(ctx context.Context) error
}

// EngineProvider hands out the engine backing a database id.
type EngineProvider interface {
	Engine(ctx context.Context, databaseID string) (Engine, error)
	Drop(ctx context.Context, databaseID string) error
}

// Transpiler turns DBML source into SQL.
type Transpiler interface {
	Transpile(source string) (string, error)
}

// WorkflowService applies the schema and data workflows of a database to its
// engine and tracks progress in the database's WorkflowState.
type WorkflowService struct {
	store     storage.Store
	evaluator *StepEvaluator
	logger    Logger
}

func NewWorkflowService(store storage.Store, transpiler Transpiler, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:     store,
		evaluator: NewStepEvaluator(store, transpiler, logger),
		logger:    logger,
	}
}

// MarkWorkflowDirty invalidates the progress of a database so the next apply
// wipes the engine and replays from the first schema step.
func (s *WorkflowService) MarkWorkflowDirty(databaseID string) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = MarkDirty(txStore, databaseID); err != nil {
		return err
	}
	s.logger.Infof("Marked workflow of database %s dirty", databaseID)
	return nil
}

// MarkDirty sets the WorkflowState of a database to dirty using store, which
// may be a transaction. Step results are kept for display. It fails with
// storage.ErrNotFound when the database or its state does not exist.
func MarkDirty(store storage.Store, databaseID string) error {
	db, err := store.GetDatabase(databaseID)
	if err != nil {
		return errors.Wrapf(err, "get database %s", databaseID)
	}
	if db.WorkflowState == nil {
		return errors.Wrapf(storage.ErrNotFound, "workflow state of database %s", databaseID)
	}
	state := db.WorkflowState.Clone()
	state.CurrentProgress = models.DirtyProgress
	state.StepsDone = 0
	return store.UpdateWorkflowState(databaseID, state)
}

// Invalidate records that the steps or files of a database changed. A stored
// state is marked dirty; a missing one is rewritten as missing, which still
// bumps the state version so an apply already in flight cannot settle on the
// old content.
func Invalidate(store storage.Store, databaseID string) error {
	db, err := store.GetDatabase(databaseID)
	if err != nil {
		return errors.Wrapf(err, "get database %s", databaseID)
	}
	if db.WorkflowState == nil {
		return store.UpdateWorkflowState(databaseID, nil)
	}
	return MarkDirty(store, databaseID)
}
