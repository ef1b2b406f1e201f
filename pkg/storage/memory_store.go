package storage

import (
	"sort"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	databasesTable = "databases"
	workflowsTable = "workflows"
	filesTable     = "files"
)

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		databasesTable: {
			Name: databasesTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
			},
		},
		workflowsTable: {
			Name: workflowsTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"database": {Name: "database", Indexer: &memdb.StringFieldIndex{Field: "DatabaseID"}},
				"database_type": {
					Name:   "database_type",
					Unique: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "DatabaseID"},
						&memdb.StringFieldIndex{Field: "Type"},
					}},
				},
			},
		},
		filesTable: {
			Name: filesTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"database": {Name: "database", Indexer: &memdb.StringFieldIndex{Field: "DatabaseID"}},
			},
		},
	},
}

// MemoryStore implements Store on top of go-memdb. Records are copied on the
// way in and out, so callers never share memory with the store.
type MemoryStore struct {
	db   *memdb.MemDB
	txn  *memdb.Txn // set on stores returned by Begin
	done bool
}

func NewMemoryStore() *MemoryStore {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		// the schema is static, so this only fails on a programming error
		panic(err)
	}
	return &MemoryStore{db: db}
}

func (m *MemoryStore) Begin() (Store, error) {
	if m.txn != nil {
		return nil, errors.New("transaction already started")
	}
	return &MemoryStore{db: m.db, txn: m.db.Txn(true)}, nil
}

func (m *MemoryStore) Commit() error {
	if m.txn == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("already committed")
	}
	m.done = true
	m.txn.Commit()
	return nil
}

func (m *MemoryStore) Rollback() error {
	if m.txn == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("cannot rollback committed transaction")
	}
	m.done = true
	m.txn.Abort()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) read(fn func(txn *memdb.Txn) error) error {
	if m.txn != nil {
		if m.done {
			return errors.New("transaction already finished")
		}
		return fn(m.txn)
	}
	txn := m.db.Txn(false)
	defer txn.Abort()
	return fn(txn)
}

func (m *MemoryStore) write(fn func(txn *memdb.Txn) error) error {
	if m.txn != nil {
		if m.done {
			return errors.New("transaction already finished")
		}
		return fn(m.txn)
	}
	txn := m.db.Txn(true)
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) SaveDatabase(d models.Database) error {
	return m.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(databasesTable, "id", d.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.Errorf("database %s already exists", d.ID)
		}
		c := d.Clone()
		return txn.Insert(databasesTable, &c)
	})
}

func (m *MemoryStore) GetDatabase(id string) (models.Database, error) {
	var out models.Database
	err := m.read(func(txn *memdb.Txn) error {
		raw, err := txn.First(databasesTable, "id", id)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		out = raw.(*models.Database).Clone()
		return nil
	})
	return out, err
}

// ListDatabases returns databases newest first.
func (m *MemoryStore) ListDatabases() ([]models.Database, error) {
	databases := []models.Database{}
	err := m.read(func(txn *memdb.Txn) error {
		it, err := txn.Get(databasesTable, "id")
		if err != nil {
			return err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			databases = append(databases, raw.(*models.Database).Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(databases, func(i, j int) bool {
		return databases[i].CreatedAt.After(databases[j].CreatedAt)
	})
	return databases, nil
}

// DeleteDatabase removes the database with its workflows and files.
func (m *MemoryStore) DeleteDatabase(id string) error {
	return m.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(databasesTable, "id", id)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		if err := txn.Delete(databasesTable, raw); err != nil {
			return err
		}
		if _, err := txn.DeleteAll(workflowsTable, "database", id); err != nil {
			return err
		}
		_, err = txn.DeleteAll(filesTable, "database", id)
		return err
	})
}

// UpdateWorkflowState replaces the state of a database and bumps its
// StateVersion.
func (m *MemoryStore) UpdateWorkflowState(databaseID string, state *models.WorkflowState) error {
	return m.setWorkflowState(databaseID, -1, state)
}

func (m *MemoryStore) CompareAndSetWorkflowState(databaseID string, version int64, state *models.WorkflowState) error {
	return m.setWorkflowState(databaseID, version, state)
}

// setWorkflowState writes state when version is negative or matches the
// stored StateVersion.
func (m *MemoryStore) setWorkflowState(databaseID string, version int64, state *models.WorkflowState) error {
	return m.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(databasesTable, "id", databaseID)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		updated := raw.(*models.Database).Clone()
		if version >= 0 && updated.StateVersion != version {
			return errors.Wrapf(ErrStateChanged, "database %s is at version %d, expected %d", databaseID, updated.StateVersion, version)
		}
		updated.WorkflowState = state.Clone()
		updated.StateVersion++
		return txn.Insert(databasesTable, &updated)
	})
}

func (m *MemoryStore) SaveWorkflow(w models.Workflow) error {
	return m.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(workflowsTable, "database_type", w.DatabaseID, string(w.Type))
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.Errorf("database %s already has a %s workflow", w.DatabaseID, w.Type)
		}
		c := w.Clone()
		return txn.Insert(workflowsTable, &c)
	})
}

func (m *MemoryStore) GetWorkflow(id string) (models.Workflow, error) {
	return m.firstWorkflow("id", id)
}

func (m *MemoryStore) GetWorkflowByType(databaseID string, t models.WorkflowType) (models.Workflow, error) {
	return m.firstWorkflow("database_type", databaseID, string(t))
}

func (m *MemoryStore) firstWorkflow(index string, args ...interface{}) (models.Workflow, error) {
	var out models.Workflow
	err := m.read(func(txn *memdb.Txn) error {
		raw, err := txn.First(workflowsTable, index, args...)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		out = raw.(*models.Workflow).Clone()
		return nil
	})
	return out, err
}

func (m *MemoryStore) UpdateWorkflowSteps(id string, steps []models.WorkflowStep) error {
	return m.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(workflowsTable, "id", id)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		updated := raw.(*models.Workflow).Clone()
		updated.WorkflowSteps = steps
		updated = updated.Clone()
		return txn.Insert(workflowsTable, &updated)
	})
}

func (m *MemoryStore) SaveFile(f models.File) error {
	return m.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(filesTable, "id", f.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.Errorf("file %s already exists", f.ID)
		}
		c := f
		return txn.Insert(filesTable, &c)
	})
}

func (m *MemoryStore) GetFile(id string) (models.File, error) {
	var out models.File
	err := m.read(func(txn *memdb.Txn) error {
		raw, err := txn.First(filesTable, "id", id)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		out = *raw.(*models.File)
		return nil
	})
	return out, err
}

// ListFiles returns the files of a database in creation order.
func (m *MemoryStore) ListFiles(databaseID string) ([]models.File, error) {
	files := []models.File{}
	err := m.read(func(txn *memdb.Txn) error {
		it, err := txn.Get(filesTable, "database", databaseID)
		if err != nil {
			return err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			files = append(files, *raw.(*models.File))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}

func (m *MemoryStore) UpdateFileContent(id, content string) error {
	return m.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(filesTable, "id", id)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotFound
		}
		updated := *raw.(*models.File)
		updated.Content = content
		updated.UpdatedAt = time.Now().UTC()
		return txn.Insert(filesTable, &updated)
	})
}
