package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	workflows "github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/pkg/errors"
)

const maxNameLength = 100

// ValidationError reports a request that was refused before touching the
// store.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ProjectService edits databases, their workflows and files. Every edit
// that changes what an evaluation would run marks the workflow dirty.
type ProjectService struct {
	store   storage.Store
	engines workflows.EngineProvider
}

func NewProjectService(store storage.Store, engines workflows.EngineProvider) *ProjectService {
	return &ProjectService{store: store, engines: engines}
}

// inTx runs fn in a transaction, committing when it succeeds.
func (s *ProjectService) inTx(fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			log.GetLogger().Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// CreateDatabase stores a database together with its empty schema and data
// workflows.
func (s *ProjectService) CreateDatabase(name string) (models.Database, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Database{}, invalidf("database name cannot be empty")
	}
	if len(name) > maxNameLength {
		return models.Database{}, invalidf("database name too long (max %d characters)", maxNameLength)
	}
	db := models.NewDatabase(name)
	err := s.inTx(func(tx storage.Store) error {
		if err := tx.SaveDatabase(db); err != nil {
			return err
		}
		for _, t := range []models.WorkflowType{models.SchemaWorkflowType, models.DataWorkflowType} {
			if err := tx.SaveWorkflow(models.NewWorkflow(db.ID, t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Database{}, err
	}
	log.GetLogger().Infof("Created database '%s' with ID %s", name, db.ID)
	return db, nil
}

func (s *ProjectService) ListDatabases() ([]models.Database, error) {
	return s.store.ListDatabases()
}

func (s *ProjectService) GetDatabase(id string) (models.Database, error) {
	db, err := s.store.GetDatabase(id)
	if err != nil {
		return models.Database{}, errors.Wrapf(err, "database %s", id)
	}
	return db, nil
}

// DeleteDatabase removes the database records and then its engine storage.
func (s *ProjectService) DeleteDatabase(ctx context.Context, id string) error {
	if err := s.inTx(func(tx storage.Store) error {
		return tx.DeleteDatabase(id)
	}); err != nil {
		return errors.Wrapf(err, "delete database %s", id)
	}
	if s.engines != nil {
		if err := s.engines.Drop(ctx, id); err != nil {
			return errors.Wrapf(err, "drop engine of database %s", id)
		}
	}
	log.GetLogger().Infof("Deleted database %s", id)
	return nil
}

func (s *ProjectService) GetWorkflow(databaseID string, t models.WorkflowType) (models.Workflow, error) {
	if !t.Valid() {
		return models.Workflow{}, invalidf("invalid workflow type %q", t)
	}
	wf, err := s.store.GetWorkflowByType(databaseID, t)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "%s workflow of database %s", t, databaseID)
	}
	return wf, nil
}

// editSteps loads a workflow inside a transaction, replaces its steps with
// the result of edit and invalidates the stored progress.
func (s *ProjectService) editSteps(databaseID string, t models.WorkflowType, edit func(tx storage.Store, steps []models.WorkflowStep) ([]models.WorkflowStep, error)) (models.Workflow, error) {
	if !t.Valid() {
		return models.Workflow{}, invalidf("invalid workflow type %q", t)
	}
	var out models.Workflow
	err := s.inTx(func(tx storage.Store) error {
		if _, err := tx.GetDatabase(databaseID); err != nil {
			return errors.Wrapf(err, "database %s", databaseID)
		}
		wf, err := tx.GetWorkflowByType(databaseID, t)
		if err != nil {
			return errors.Wrapf(err, "%s workflow of database %s", t, databaseID)
		}
		steps, err := edit(tx, wf.Clone().WorkflowSteps)
		if err != nil {
			return err
		}
		if err := tx.UpdateWorkflowSteps(wf.ID, steps); err != nil {
			return err
		}
		if err := workflows.Invalidate(tx, databaseID); err != nil {
			return err
		}
		wf.WorkflowSteps = steps
		out = wf
		return nil
	})
	return out, err
}

// InsertStep adds step at position; a negative position or one past the end
// appends.
func (s *ProjectService) InsertStep(databaseID string, t models.WorkflowType, position int, step models.WorkflowStep) (models.Workflow, error) {
	if !step.Type.Valid() {
		return models.Workflow{}, invalidf("invalid step type %q", step.Type)
	}
	if step.ID == "" {
		step.ID = models.NewWorkflowStep(step.Type, "").ID
	}
	wf, err := s.editSteps(databaseID, t, func(tx storage.Store, steps []models.WorkflowStep) ([]models.WorkflowStep, error) {
		if step.Bound() {
			if err := checkBinding(tx, databaseID, step); err != nil {
				return nil, err
			}
		}
		if position < 0 || position > len(steps) {
			position = len(steps)
		}
		steps = append(steps, models.WorkflowStep{})
		copy(steps[position+1:], steps[position:])
		steps[position] = step
		return steps, nil
	})
	if err != nil {
		return models.Workflow{}, err
	}
	log.GetLogger().Infof("Inserted %s step at %s:%d of database %s", step.Type, t, position, databaseID)
	return wf, nil
}

func (s *ProjectService) RemoveStep(databaseID string, t models.WorkflowType, index int) (models.Workflow, error) {
	return s.editSteps(databaseID, t, func(tx storage.Store, steps []models.WorkflowStep) ([]models.WorkflowStep, error) {
		if err := checkIndex(steps, index); err != nil {
			return nil, err
		}
		return append(steps[:index], steps[index+1:]...), nil
	})
}

// MoveStep moves the step at from so that it ends up at index to.
func (s *ProjectService) MoveStep(databaseID string, t models.WorkflowType, from, to int) (models.Workflow, error) {
	return s.editSteps(databaseID, t, func(tx storage.Store, steps []models.WorkflowStep) ([]models.WorkflowStep, error) {
		if err := checkIndex(steps, from); err != nil {
			return nil, err
		}
		if to < 0 || to >= len(steps) {
			return nil, invalidf("target index %d out of range", to)
		}
		step := steps[from]
		steps = append(steps[:from], steps[from+1:]...)
		steps = append(steps[:to], append([]models.WorkflowStep{step}, steps[to:]...)...)
		return steps, nil
	})
}

// BindFile points the step at index to fileID. An empty fileID unbinds it.
func (s *ProjectService) BindFile(databaseID string, t models.WorkflowType, index int, fileID string) (models.Workflow, error) {
	return s.editSteps(databaseID, t, func(tx storage.Store, steps []models.WorkflowStep) ([]models.WorkflowStep, error) {
		if err := checkIndex(steps, index); err != nil {
			return nil, err
		}
		step := steps[index]
		step.FileID = fileID
		if step.Bound() {
			if err := checkBinding(tx, databaseID, step); err != nil {
				return nil, err
			}
		}
		steps[index] = step
		return steps, nil
	})
}

func checkIndex(steps []models.WorkflowStep, index int) error {
	if index < 0 || index >= len(steps) {
		return errors.Wrapf(storage.ErrNotFound, "step %d", index)
	}
	return nil
}

// checkBinding makes sure a step's file exists in the same database and has
// a matching type.
func checkBinding(tx storage.Store, databaseID string, step models.WorkflowStep) error {
	file, err := tx.GetFile(step.FileID)
	if errors.Is(err, storage.ErrNotFound) {
		return invalidf("file %s does not exist", step.FileID)
	}
	if err != nil {
		return err
	}
	if file.DatabaseID != databaseID {
		return invalidf("file %s belongs to another database", file.ID)
	}
	if step.Type.FileType() != file.Type {
		return invalidf("a %s step cannot run a %s file", step.Type, file.Type)
	}
	return nil
}

func (s *ProjectService) CreateFile(databaseID, name string, t models.FileType, content string) (models.File, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.File{}, invalidf("file name cannot be empty")
	}
	if len(name) > maxNameLength {
		return models.File{}, invalidf("file name too long (max %d characters)", maxNameLength)
	}
	if !t.Valid() {
		return models.File{}, invalidf("invalid file type %q", t)
	}
	file := models.NewFile(databaseID, name, t, content)
	err := s.inTx(func(tx storage.Store) error {
		if _, err := tx.GetDatabase(databaseID); err != nil {
			return errors.Wrapf(err, "database %s", databaseID)
		}
		return tx.SaveFile(file)
	})
	if err != nil {
		return models.File{}, err
	}
	log.GetLogger().Infof("Created %s file '%s' in database %s", t, name, databaseID)
	return file, nil
}

func (s *ProjectService) GetFile(id string) (models.File, error) {
	file, err := s.store.GetFile(id)
	if err != nil {
		return models.File{}, errors.Wrapf(err, "file %s", id)
	}
	return file, nil
}

func (s *ProjectService) ListFiles(databaseID string) ([]models.File, error) {
	if _, err := s.store.GetDatabase(databaseID); err != nil {
		return nil, errors.Wrapf(err, "database %s", databaseID)
	}
	return s.store.ListFiles(databaseID)
}

// UpdateFileContent saves new content. When the file is bound to a step the
// stored progress is invalidated. Unchanged content is left alone.
func (s *ProjectService) UpdateFileContent(id, content string) (models.File, error) {
	var out models.File
	err := s.inTx(func(tx storage.Store) error {
		file, err := tx.GetFile(id)
		if err != nil {
			return errors.Wrapf(err, "file %s", id)
		}
		out = file
		if file.Content == content {
			return nil
		}
		if err := tx.UpdateFileContent(id, content); err != nil {
			return err
		}
		if out, err = tx.GetFile(id); err != nil {
			return err
		}

		for _, t := range []models.WorkflowType{models.SchemaWorkflowType, models.DataWorkflowType} {
			wf, err := tx.GetWorkflowByType(file.DatabaseID, t)
			if err != nil {
				return err
			}
			if wf.References(id) {
				log.GetLogger().Debugf("File %s is used by the %s workflow, invalidating database %s", id, t, file.DatabaseID)
				return workflows.Invalidate(tx, file.DatabaseID)
			}
		}
		return nil
	})
	return out, err
}
