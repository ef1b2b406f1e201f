package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

// databaseRow and workflowRow mirror the tables; JSONB columns are scanned
// as raw bytes and decoded by hand.
type databaseRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	CreatedAt     time.Time `db:"created_at"`
	WorkflowState []byte    `db:"workflow_state"`
	StateVersion  int64     `db:"state_version"`
}

type workflowRow struct {
	ID            string `db:"id"`
	DatabaseID    string `db:"database_id"`
	Type          string `db:"type"`
	WorkflowSteps []byte `db:"workflow_steps"`
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveDatabase inserts a database record. The workflow state is stored as
// SQL NULL until the first evaluation.
func (s *PostgresStore) SaveDatabase(d models.Database) error {
	state, err := encodeState(d.WorkflowState)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO databases (id, name, created_at, workflow_state) VALUES ($1, $2, $3, $4::jsonb)",
		d.ID, d.Name, d.CreatedAt, state)
	if err != nil {
		return fmt.Errorf("save database: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDatabase(id string) (models.Database, error) {
	var row databaseRow
	err := s.db.Get(&row, "SELECT id, name, created_at, workflow_state, state_version FROM databases WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Database{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Database{}, err
	}
	return row.toModel()
}

func (s *PostgresStore) ListDatabases() ([]models.Database, error) {
	rows := []databaseRow{}
	err := s.db.Select(&rows, "SELECT id, name, created_at, workflow_state, state_version FROM databases ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	databases := make([]models.Database, 0, len(rows))
	for _, row := range rows {
		d, err := row.toModel()
		if err != nil {
			return nil, err
		}
		databases = append(databases, d)
	}
	return databases, nil
}

// DeleteDatabase removes a database; workflows and files go with it through
// ON DELETE CASCADE.
func (s *PostgresStore) DeleteDatabase(id string) error {
	res, err := s.db.Exec("DELETE FROM databases WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete database %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateWorkflowState(databaseID string, state *models.WorkflowState) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("UPDATE databases SET workflow_state = $1::jsonb, state_version = state_version + 1 WHERE id = $2", encoded, databaseID)
	if err != nil {
		return fmt.Errorf("update workflow state of database %s: %w", databaseID, err)
	}
	return requireRow(res)
}

// CompareAndSetWorkflowState writes state only if state_version still equals
// version.
func (s *PostgresStore) CompareAndSetWorkflowState(databaseID string, version int64, state *models.WorkflowState) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("UPDATE databases SET workflow_state = $1::jsonb, state_version = state_version + 1 WHERE id = $2 AND state_version = $3",
		encoded, databaseID, version)
	if err != nil {
		return fmt.Errorf("update workflow state of database %s: %w", databaseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current int64
	err = s.db.Get(&current, "SELECT state_version FROM databases WHERE id = $1", databaseID)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("database %s is at version %d, expected %d: %w", databaseID, current, version, storage.ErrStateChanged)
}

func (s *PostgresStore) SaveWorkflow(w models.Workflow) error {
	steps, err := encodeSteps(w.WorkflowSteps)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO workflows (id, database_id, type, workflow_steps) VALUES ($1, $2, $3, $4::jsonb)",
		w.ID, w.DatabaseID, w.Type, steps)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(id string) (models.Workflow, error) {
	return s.getWorkflow("SELECT id, database_id, type, workflow_steps FROM workflows WHERE id = $1", id)
}

func (s *PostgresStore) GetWorkflowByType(databaseID string, t models.WorkflowType) (models.Workflow, error) {
	return s.getWorkflow("SELECT id, database_id, type, workflow_steps FROM workflows WHERE database_id = $1 AND type = $2", databaseID, t)
}

func (s *PostgresStore) getWorkflow(query string, args ...interface{}) (models.Workflow, error) {
	var row workflowRow
	err := s.db.Get(&row, query, args...)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	wf := models.Workflow{
		ID:            row.ID,
		DatabaseID:    row.DatabaseID,
		Type:          models.WorkflowType(row.Type),
		WorkflowSteps: []models.WorkflowStep{},
	}
	if len(row.WorkflowSteps) > 0 {
		if err := json.Unmarshal(row.WorkflowSteps, &wf.WorkflowSteps); err != nil {
			return models.Workflow{}, fmt.Errorf("decode steps of workflow %s: %w", row.ID, err)
		}
	}
	return wf, nil
}

func (s *PostgresStore) UpdateWorkflowSteps(id string, steps []models.WorkflowStep) error {
	encoded, err := encodeSteps(steps)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("UPDATE workflows SET workflow_steps = $1::jsonb WHERE id = $2", encoded, id)
	if err != nil {
		return fmt.Errorf("update steps of workflow %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveFile(f models.File) error {
	_, err := s.db.Exec(`
		INSERT INTO files (id, database_id, name, type, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.DatabaseID, f.Name, f.Type, f.Content, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFile(id string) (models.File, error) {
	var file models.File
	err := s.db.Get(&file, "SELECT id, database_id, name, type, content, created_at, updated_at FROM files WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.File{}, storage.ErrNotFound
	}
	if err != nil {
		return models.File{}, err
	}
	return file, nil
}

func (s *PostgresStore) ListFiles(databaseID string) ([]models.File, error) {
	files := []models.File{}
	err := s.db.Select(&files, "SELECT id, database_id, name, type, content, created_at, updated_at FROM files WHERE database_id = $1 ORDER BY created_at, id", databaseID)
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (s *PostgresStore) UpdateFileContent(id, content string) error {
	res, err := s.db.Exec("UPDATE files SET content = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", content, id)
	if err != nil {
		return fmt.Errorf("update content of file %s: %w", id, err)
	}
	return requireRow(res)
}

func (r databaseRow) toModel() (models.Database, error) {
	d := models.Database{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt, StateVersion: r.StateVersion}
	if len(r.WorkflowState) > 0 {
		d.WorkflowState = &models.WorkflowState{}
		if err := json.Unmarshal(r.WorkflowState, d.WorkflowState); err != nil {
			return models.Database{}, fmt.Errorf("decode workflow state of database %s: %w", r.ID, err)
		}
		if d.WorkflowState.StepResults == nil {
			d.WorkflowState.StepResults = []models.StepExecutionResult{}
		}
	}
	return d, nil
}

// encodeState returns the JSON text of state, or nil for SQL NULL. JSON goes
// over the wire as text because lib/pq sends []byte as bytea.
func encodeState(state *models.WorkflowState) (interface{}, error) {
	if state == nil {
		return nil, nil
	}
	if state.StepResults == nil {
		c := state.Clone()
		c.StepResults = []models.StepExecutionResult{}
		state = c
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode workflow state: %w", err)
	}
	return string(b), nil
}

func encodeSteps(steps []models.WorkflowStep) (string, error) {
	if steps == nil {
		steps = []models.WorkflowStep{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode workflow steps: %w", err)
	}
	return string(b), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
