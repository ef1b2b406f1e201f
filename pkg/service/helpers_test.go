package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func newLogger() service.Logger {
	return &testLogger{}
}

func (l *testLogger) Debugf(format string, args ...interface{}) {}

func (l *testLogger) Infof(format string, args ...interface{}) {}

func (l *testLogger) Errorf(format string, args ...interface{}) {}

// fakeEngine records what a real engine would hold: the scripts executed
// since the last reset.
type fakeEngine struct {
	mu       sync.Mutex
	applied  []string
	runs     map[string]int
	execs    int
	resets   int
	failures map[string]string // script -> error message
	flaky    map[string]int    // script -> execution number from which it fails

	beforeExec func(script string) // runs outside the lock
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		runs:     make(map[string]int),
		failures: make(map[string]string),
		flaky:    make(map[string]int),
	}
}

func (e *fakeEngine) Exec(ctx context.Context, script string) error {
	if e.beforeExec != nil {
		e.beforeExec(script)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	e.execs++
	e.runs[script]++
	if msg, ok := e.failures[script]; ok {
		return fmt.Errorf("%s", msg)
	}
	if from, ok := e.flaky[script]; ok && e.runs[script] >= from {
		return fmt.Errorf("flaky failure of %q", script)
	}
	e.applied = append(e.applied, script)
	return nil
}

func (e *fakeEngine) Query(ctx context.Context, query string) (*models.QueryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.QueryResult{
		Columns:    []string{"applied"},
		Rows:       [][]any{{len(e.applied)}},
		CommandTag: "SELECT 1",
	}, nil
}

func (e *fakeEngine) ResetSchema(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.applied = nil
	return nil
}

func (e *fakeEngine) snapshot() (applied []string, execs, resets int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.applied...), e.execs, e.resets
}

// fakeProvider hands out one fakeEngine per database.
type fakeProvider struct {
	mu      sync.Mutex
	engines map[string]*fakeEngine
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{engines: make(map[string]*fakeEngine)}
}

func (p *fakeProvider) Engine(ctx context.Context, databaseID string) (service.Engine, error) {
	return p.get(databaseID), nil
}

func (p *fakeProvider) Drop(ctx context.Context, databaseID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.engines, databaseID)
	return nil
}

func (p *fakeProvider) get(databaseID string) *fakeEngine {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.engines[databaseID]
	if !ok {
		e = newFakeEngine()
		p.engines[databaseID] = e
	}
	return e
}

// stubTranspiler knows a fixed set of DBML documents.
type stubTranspiler map[string]string

func (t stubTranspiler) Transpile(source string) (string, error) {
	if sql, ok := t[source]; ok {
		return sql, nil
	}
	return "", fmt.Errorf("syntax error at line 1")
}

type stepDef struct {
	Type    models.StepType
	Content string
	Unbound bool
}

func sqlStep(content string) stepDef {
	return stepDef{Type: models.SQLQueryStepType, Content: content}
}

func dbmlStep(content string) stepDef {
	return stepDef{Type: models.DBMLStepType, Content: content}
}

func unboundStep() stepDef {
	return stepDef{Type: models.SQLQueryStepType, Unbound: true}
}

type fixture struct {
	store      *storage.MemoryStore
	engine     *fakeEngine
	svc        *service.WorkflowService
	databaseID string
	files      map[models.WorkflowType][]string
}

func newFixture(t *testing.T, schema, data []stepDef) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	db := models.NewDatabase("test")
	require.NoError(t, store.SaveDatabase(db))

	f := &fixture{
		store:      store,
		engine:     newFakeEngine(),
		databaseID: db.ID,
		files:      make(map[models.WorkflowType][]string),
	}
	for _, wt := range []models.WorkflowType{models.SchemaWorkflowType, models.DataWorkflowType} {
		defs := schema
		if wt == models.DataWorkflowType {
			defs = data
		}
		wf := models.NewWorkflow(db.ID, wt)
		for i, def := range defs {
			step := models.NewWorkflowStep(def.Type, "")
			if !def.Unbound {
				file := models.NewFile(db.ID, fmt.Sprintf("%s-%d", wt, i), models.SQLFileType, def.Content)
				require.NoError(t, store.SaveFile(file))
				step.FileID = file.ID
			}
			f.files[wt] = append(f.files[wt], step.FileID)
			wf.WorkflowSteps = append(wf.WorkflowSteps, step)
		}
		require.NoError(t, store.SaveWorkflow(wf))
	}
	f.svc = service.NewWorkflowService(store, stubTranspiler{
		"Table t { x int }": "CREATE TABLE t (x int);",
	}, newLogger())
	return f
}

func (f *fixture) apply(t *testing.T, target *models.ApplyTarget) *models.WorkflowState {
	t.Helper()
	state, err := f.svc.ApplyWorkflow(context.Background(), f.engine, f.databaseID, target)
	require.NoError(t, err)
	return state
}

func (f *fixture) storedState(t *testing.T) *models.WorkflowState {
	t.Helper()
	db, err := f.store.GetDatabase(f.databaseID)
	require.NoError(t, err)
	return db.WorkflowState
}

func target(wt models.WorkflowType, steps int) *models.ApplyTarget {
	return &models.ApplyTarget{WorkflowType: wt, StepsToApply: steps}
}
