package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/internal/dbml"
	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	workflows "github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier(t *testing.T) {
	project, store, provider := newProject(t)
	svc := workflows.NewWorkflowService(store, dbml.NewTranspiler(), log.GetLogger())
	dispatcher := workflows.NewDispatcher(context.Background(), svc, provider, log.GetLogger())
	defer dispatcher.Stop()
	notifier := NewNotifier(svc, dispatcher, 5*time.Second)

	db, err := project.CreateDatabase("notified")
	require.NoError(t, err)
	addStep := func(wt models.WorkflowType, stepType models.StepType, fileType models.FileType, content string) {
		file, err := project.CreateFile(db.ID, string(wt), fileType, content)
		require.NoError(t, err)
		_, err = project.InsertStep(db.ID, wt, -1, models.WorkflowStep{Type: stepType, FileID: file.ID})
		require.NoError(t, err)
	}
	addStep(models.SchemaWorkflowType, models.DBMLStepType, models.DBMLFileType, "Table t {\n  x int\n}")
	addStep(models.SchemaWorkflowType, models.SQLQueryStepType, models.SQLFileType, "CREATE INDEX ON t (x);")
	addStep(models.DataWorkflowType, models.SQLQueryStepType, models.SQLFileType, "INSERT INTO t VALUES (1);")
	engine := provider.get(db.ID)

	t.Run("ModifyEditorAppliesThroughEditedStep", func(t *testing.T) {
		state, err := notifier.ModifyEditor(context.Background(), db.ID, models.SchemaWorkflowType, 0)
		require.NoError(t, err)
		assert.Equal(t, models.SchemaProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Equal(t, []string{"CREATE TABLE \"t\" (\n  \"x\" int\n);\n"}, engine.scripts())
	})

	t.Run("UpdateWorkflowAppliesEverything", func(t *testing.T) {
		state, err := notifier.UpdateWorkflow(context.Background(), db.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Len(t, engine.scripts(), 3)
	})

	t.Run("RunQueryCatchesUpFirst", func(t *testing.T) {
		_, err := project.UpdateFileContent(mustFileOf(t, project, db.ID, "data"), "INSERT INTO t VALUES (2);")
		require.NoError(t, err)

		result, err := notifier.RunQuery(context.Background(), db.ID, "SELECT * FROM t")
		require.NoError(t, err)
		assert.Equal(t, []string{"query", "applied"}, result.Columns)
		assert.Equal(t, [][]any{{"SELECT * FROM t", 3}}, result.Rows)
		assert.Equal(t, "INSERT INTO t VALUES (2);", engine.scripts()[2])
	})

	t.Run("NegativeIndex", func(t *testing.T) {
		var validation *ValidationError
		_, err := notifier.ModifyEditor(context.Background(), db.ID, models.DataWorkflowType, -1)
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		_, err := notifier.Apply(context.Background(), db.ID, &models.ApplyTarget{WorkflowType: "bogus"})
		assert.ErrorIs(t, err, workflows.ErrInvalidTarget)
	})
}

func mustFileOf(t *testing.T, project *ProjectService, databaseID, name string) string {
	t.Helper()
	files, err := project.ListFiles(databaseID)
	require.NoError(t, err)
	for _, f := range files {
		if f.Name == name {
			return f.ID
		}
	}
	t.Fatalf("no file named %s", name)
	return ""
}

// gatedEngine holds its first Exec until release is closed.
type gatedEngine struct {
	*recordingEngine
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (e *gatedEngine) Exec(ctx context.Context, script string) error {
	e.once.Do(func() {
		close(e.started)
		<-e.release
	})
	return e.recordingEngine.Exec(ctx, script)
}

type gatedProvider struct {
	engine *gatedEngine
}

func (p gatedProvider) Engine(ctx context.Context, databaseID string) (workflows.Engine, error) {
	return p.engine, nil
}

func (p gatedProvider) Drop(ctx context.Context, databaseID string) error {
	return nil
}

func TestNotifier_EditDuringApply(t *testing.T) {
	project, store, _ := newProject(t)
	engine := &gatedEngine{
		recordingEngine: &recordingEngine{},
		started:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	svc := workflows.NewWorkflowService(store, dbml.NewTranspiler(), log.GetLogger())
	dispatcher := workflows.NewDispatcher(context.Background(), svc, gatedProvider{engine: engine}, log.GetLogger())
	defer dispatcher.Stop()
	notifier := NewNotifier(svc, dispatcher, 5*time.Second)

	db, err := project.CreateDatabase("edited")
	require.NoError(t, err)
	file, err := project.CreateFile(db.ID, "rows", models.SQLFileType, "INSERT INTO t VALUES (1);")
	require.NoError(t, err)
	_, err = project.InsertStep(db.ID, models.DataWorkflowType, -1, models.WorkflowStep{Type: models.SQLQueryStepType, FileID: file.ID})
	require.NoError(t, err)

	type result struct {
		state *models.WorkflowState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := notifier.UpdateWorkflow(context.Background(), db.ID)
		done <- result{state, err}
	}()

	<-engine.started
	_, err = project.UpdateFileContent(file.ID, "INSERT INTO t VALUES (2);")
	require.NoError(t, err)
	close(engine.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, models.DataProgress, res.state.CurrentProgress)
	assert.Equal(t, 1, res.state.StepsDone)
	assert.Equal(t, []string{"INSERT INTO t VALUES (2);"}, engine.scripts())

	state, err := notifier.UpdateWorkflow(context.Background(), db.ID)
	require.NoError(t, err)
	assert.Equal(t, res.state.StepsDone, state.StepsDone)
	assert.Equal(t, []string{"INSERT INTO t VALUES (2);"}, engine.scripts())
}
