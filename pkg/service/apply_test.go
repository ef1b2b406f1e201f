package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	createT      = "CREATE TABLE t(x int)"
	insertT      = "INSERT INTO t VALUES(1)"
	insertT2     = "INSERT INTO t VALUES(2)"
	insertBroken = "INSERT INTO nonexistent VALUES(1)"
)

func TestApplyWorkflow_Scenarios(t *testing.T) {
	t.Run("SingleSchemaStep", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("A")}, nil)

		state := f.apply(t, nil)

		applied, execs, resets := f.engine.snapshot()
		assert.Equal(t, 1, resets)
		assert.Equal(t, 1, execs)
		assert.Equal(t, []string{"A"}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
		assert.Equal(t, []models.StepExecutionResult{
			{Type: models.SchemaWorkflowType, Index: 0, Result: models.SuccessStepResult},
		}, state.StepResults)
		assert.Equal(t, state, f.storedState(t))
	})

	t.Run("DataStepFailureRewinds", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{sqlStep(createT)},
			[]stepDef{sqlStep(insertT), sqlStep(insertBroken)})
		f.engine.failures[insertBroken] = `relation "nonexistent" does not exist`

		state := f.apply(t, nil)

		assert.Equal(t, models.DataErrorProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Equal(t, []models.StepExecutionResult{
			{Type: models.SchemaWorkflowType, Index: 0, Result: models.SuccessStepResult},
			{Type: models.DataWorkflowType, Index: 0, Result: models.SuccessStepResult},
			{Type: models.DataWorkflowType, Index: 1, Result: models.ErrorStepResult, Error: `relation "nonexistent" does not exist`},
		}, state.StepResults)

		applied, execs, resets := f.engine.snapshot()
		assert.Equal(t, []string{createT, insertT}, applied)
		assert.Equal(t, 5, execs)
		assert.Equal(t, 2, resets)
		assert.Equal(t, state, f.storedState(t))
	})

	t.Run("UnboundStepsAreNoops", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{unboundStep(), sqlStep("S1")},
			[]stepDef{unboundStep()})

		state := f.apply(t, nil)

		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Equal(t, []models.StepExecutionResult{
			{Type: models.SchemaWorkflowType, Index: 0, Result: models.NoopStepResult},
			{Type: models.SchemaWorkflowType, Index: 1, Result: models.SuccessStepResult},
			{Type: models.DataWorkflowType, Index: 0, Result: models.NoopStepResult},
		}, state.StepResults)
		applied, _, _ := f.engine.snapshot()
		assert.Equal(t, []string{"S1"}, applied)
	})

	t.Run("BlankFileIsNoop", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("  \n\t")}, nil)

		state := f.apply(t, nil)

		_, execs, _ := f.engine.snapshot()
		assert.Equal(t, 0, execs)
		assert.Equal(t, models.NoopStepResult, state.StepResults[0].Result)
	})
}

func TestApplyWorkflow_Progress(t *testing.T) {
	schema := []stepDef{sqlStep("S0"), sqlStep("S1")}
	data := []stepDef{sqlStep("D0"), sqlStep("D1")}

	t.Run("Idempotent", func(t *testing.T) {
		f := newFixture(t, schema, data)

		first := f.apply(t, target(models.DataWorkflowType, 1))
		appliedFirst, execsFirst, resetsFirst := f.engine.snapshot()
		second := f.apply(t, target(models.DataWorkflowType, 1))
		appliedSecond, execsSecond, resetsSecond := f.engine.snapshot()

		assert.Equal(t, first, second)
		assert.Equal(t, appliedFirst, appliedSecond)
		assert.Equal(t, execsFirst, execsSecond)
		assert.Equal(t, resetsFirst, resetsSecond)
	})

	t.Run("IncrementalAdvanceReusesProgress", func(t *testing.T) {
		f := newFixture(t, schema, data)

		state := f.apply(t, target(models.SchemaWorkflowType, 1))
		assert.Equal(t, models.SchemaProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)

		state = f.apply(t, nil)
		applied, execs, resets := f.engine.snapshot()
		assert.Equal(t, 1, resets)
		assert.Equal(t, 4, execs)
		assert.Equal(t, []string{"S0", "S1", "D0", "D1"}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 2, state.StepsDone)
		assert.Len(t, state.StepResults, 4)
	})

	t.Run("TargetAtCurrentProgressRunsNothing", func(t *testing.T) {
		f := newFixture(t, schema, data)
		f.apply(t, nil)
		_, execsBefore, resetsBefore := f.engine.snapshot()

		state := f.apply(t, target(models.DataWorkflowType, 2))
		f.apply(t, nil)

		_, execs, resets := f.engine.snapshot()
		assert.Equal(t, execsBefore, execs)
		assert.Equal(t, resetsBefore, resets)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 2, state.StepsDone)
	})

	t.Run("RewindWipesAndReplays", func(t *testing.T) {
		f := newFixture(t, schema, data)
		f.apply(t, nil)

		state := f.apply(t, target(models.SchemaWorkflowType, 1))

		applied, _, resets := f.engine.snapshot()
		assert.Equal(t, 2, resets)
		assert.Equal(t, []string{"S0"}, applied)
		assert.Equal(t, models.SchemaProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Equal(t, []models.StepExecutionResult{
			{Type: models.SchemaWorkflowType, Index: 0, Result: models.SuccessStepResult},
		}, state.StepResults)
	})

	t.Run("DataZeroMeansSchemaDone", func(t *testing.T) {
		f := newFixture(t, schema, data)

		state := f.apply(t, target(models.DataWorkflowType, 0))
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
		applied, execs, _ := f.engine.snapshot()
		assert.Equal(t, []string{"S0", "S1"}, applied)

		// the end of the schema workflow is the same point
		state = f.apply(t, target(models.SchemaWorkflowType, 2))
		_, execsAfter, resets := f.engine.snapshot()
		assert.Equal(t, execs, execsAfter)
		assert.Equal(t, 1, resets)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
	})

	t.Run("TargetBeyondPipelineIsClamped", func(t *testing.T) {
		f := newFixture(t, schema, data)

		state := f.apply(t, target(models.SchemaWorkflowType, 10))

		applied, _, _ := f.engine.snapshot()
		assert.Equal(t, []string{"S0", "S1"}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
	})

	t.Run("DirtyForcesFullReplay", func(t *testing.T) {
		f := newFixture(t, schema, data)
		full := f.apply(t, nil)

		require.NoError(t, f.svc.MarkWorkflowDirty(f.databaseID))
		dirty := f.storedState(t)
		assert.Equal(t, models.DirtyProgress, dirty.CurrentProgress)
		assert.Equal(t, 0, dirty.StepsDone)
		assert.Equal(t, full.StepResults, dirty.StepResults)

		state := f.apply(t, target(models.DataWorkflowType, 2))
		applied, execs, resets := f.engine.snapshot()
		assert.Equal(t, 2, resets)
		assert.Equal(t, 8, execs)
		assert.Equal(t, []string{"S0", "S1", "D0", "D1"}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
	})

	t.Run("StoredCursorPastShortenedWorkflowReplays", func(t *testing.T) {
		f := newFixture(t, schema, data)
		f.apply(t, nil)

		wf, err := f.store.GetWorkflowByType(f.databaseID, models.DataWorkflowType)
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateWorkflowSteps(wf.ID, wf.WorkflowSteps[:1]))

		state := f.apply(t, nil)
		applied, _, resets := f.engine.snapshot()
		assert.Equal(t, 2, resets)
		assert.Equal(t, []string{"S0", "S1", "D0"}, applied)
		assert.Equal(t, 1, state.StepsDone)
	})

	t.Run("ReplayEquivalence", func(t *testing.T) {
		stepwise := newFixture(t, schema, data)
		for _, tg := range []*models.ApplyTarget{
			target(models.SchemaWorkflowType, 1),
			target(models.SchemaWorkflowType, 2),
			target(models.DataWorkflowType, 1),
			target(models.DataWorkflowType, 2),
		} {
			stepwise.apply(t, tg)
		}
		fresh := newFixture(t, schema, data)
		fresh.apply(t, nil)

		stepwiseApplied, _, _ := stepwise.engine.snapshot()
		freshApplied, _, _ := fresh.engine.snapshot()
		assert.Equal(t, freshApplied, stepwiseApplied)
		assert.Equal(t, fresh.storedState(t), stepwise.storedState(t))
	})
}

func TestApplyWorkflow_Errors(t *testing.T) {
	t.Run("ErrorStateSkipsWorkKnownToFail", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{sqlStep(createT)},
			[]stepDef{sqlStep(insertT), sqlStep(insertBroken)})
		f.engine.failures[insertBroken] = "boom"
		parked := f.apply(t, nil)
		_, execs, resets := f.engine.snapshot()

		for _, tg := range []*models.ApplyTarget{
			nil,
			target(models.DataWorkflowType, 2),
			target(models.DataWorkflowType, 1),
		} {
			state := f.apply(t, tg)
			assert.Equal(t, parked, state)
		}
		_, execsAfter, resetsAfter := f.engine.snapshot()
		assert.Equal(t, execs, execsAfter)
		assert.Equal(t, resets, resetsAfter)
	})

	t.Run("DataErrorReplaysForSchemaTarget", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{sqlStep(createT)},
			[]stepDef{sqlStep(insertBroken)})
		f.engine.failures[insertBroken] = "boom"
		parked := f.apply(t, nil)
		require.Equal(t, models.DataErrorProgress, parked.CurrentProgress)
		require.Equal(t, 0, parked.StepsDone)
		_, _, resets := f.engine.snapshot()

		state := f.apply(t, target(models.SchemaWorkflowType, 1))

		applied, _, resetsAfter := f.engine.snapshot()
		assert.Equal(t, resets+1, resetsAfter)
		assert.Equal(t, []string{createT}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
		assert.Equal(t, state, f.storedState(t))
	})

	t.Run("ErrorStateRewindsBeforeError", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{sqlStep(createT)},
			[]stepDef{sqlStep(insertT), sqlStep(insertBroken)})
		f.engine.failures[insertBroken] = "boom"
		f.apply(t, nil)

		state := f.apply(t, target(models.DataWorkflowType, 0))

		applied, _, resets := f.engine.snapshot()
		assert.Equal(t, 3, resets)
		assert.Equal(t, []string{createT}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
	})

	t.Run("FixedContentRecoversAfterDirty", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{sqlStep(createT)},
			[]stepDef{sqlStep(insertT), sqlStep(insertBroken)})
		f.engine.failures[insertBroken] = "boom"
		f.apply(t, nil)

		require.NoError(t, f.store.UpdateFileContent(f.files[models.DataWorkflowType][1], "INSERT INTO t VALUES(2)"))
		require.NoError(t, f.svc.MarkWorkflowDirty(f.databaseID))
		state := f.apply(t, nil)

		applied, _, _ := f.engine.snapshot()
		assert.Equal(t, []string{createT, insertT, "INSERT INTO t VALUES(2)"}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 2, state.StepsDone)
	})

	t.Run("SchemaFailureBlocksData", func(t *testing.T) {
		f := newFixture(t,
			[]stepDef{sqlStep("S0"), sqlStep("bad")},
			[]stepDef{sqlStep("D0")})
		f.engine.failures["bad"] = "syntax error at or near \"bad\""

		state := f.apply(t, nil)

		assert.Equal(t, models.SchemaErrorProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Equal(t, []models.StepExecutionResult{
			{Type: models.SchemaWorkflowType, Index: 0, Result: models.SuccessStepResult},
			{Type: models.SchemaWorkflowType, Index: 1, Result: models.ErrorStepResult, Error: "syntax error at or near \"bad\""},
		}, state.StepResults)
		applied, _, _ := f.engine.snapshot()
		assert.Equal(t, []string{"S0"}, applied)

		// any data target lies beyond the schema error
		again := f.apply(t, target(models.DataWorkflowType, 0))
		assert.Equal(t, state, again)
	})

	t.Run("FirstDataStepFailure", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("S0")}, []stepDef{sqlStep("bad")})
		f.engine.failures["bad"] = "boom"

		state := f.apply(t, nil)

		assert.Equal(t, models.DataErrorProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
		applied, _, _ := f.engine.snapshot()
		assert.Equal(t, []string{"S0"}, applied)
	})

	t.Run("RecoveryFailureLeavesDirty", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("A"), sqlStep("B")}, nil)
		f.engine.failures["B"] = "boom"
		f.engine.flaky["A"] = 2

		state, err := f.svc.ApplyWorkflow(context.Background(), f.engine, f.databaseID, nil)

		assert.ErrorIs(t, err, service.ErrRecoveryFailed)
		require.NotNil(t, state)
		assert.Equal(t, models.DirtyProgress, state.CurrentProgress)
		assert.Equal(t, state, f.storedState(t))
		_, _, resets := f.engine.snapshot()
		assert.Equal(t, 2, resets)
	})

	t.Run("TableStepIsUnknown", func(t *testing.T) {
		f := newFixture(t, []stepDef{{Type: models.TableStepType, Content: "x\n1"}}, nil)

		state := f.apply(t, nil)

		assert.Equal(t, models.SchemaErrorProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
		assert.Equal(t, "unknown step type: table", state.StepResults[0].Error)
	})

	t.Run("MissingFileIsFatal", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("S0")}, nil)
		wf, err := f.store.GetWorkflowByType(f.databaseID, models.SchemaWorkflowType)
		require.NoError(t, err)
		wf.WorkflowSteps[0].FileID = "missing"
		require.NoError(t, f.store.UpdateWorkflowSteps(wf.ID, wf.WorkflowSteps))

		_, err = f.svc.ApplyWorkflow(context.Background(), f.engine, f.databaseID, nil)

		assert.True(t, errors.Is(err, storage.ErrNotFound))
		assert.Equal(t, models.DirtyProgress, f.storedState(t).CurrentProgress)
	})

	t.Run("MissingDatabase", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.svc.ApplyWorkflow(context.Background(), f.engine, "nope", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, execs, resets := f.engine.snapshot()
		assert.Zero(t, execs)
		assert.Zero(t, resets)
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.svc.ApplyWorkflow(context.Background(), f.engine, f.databaseID, target("bogus", 0))
		assert.ErrorIs(t, err, service.ErrInvalidTarget)
		_, err = f.svc.ApplyWorkflow(context.Background(), f.engine, f.databaseID, target(models.SchemaWorkflowType, -1))
		assert.ErrorIs(t, err, service.ErrInvalidTarget)
	})

	t.Run("CancelledContextMarksDirty", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("S0")}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.svc.ApplyWorkflow(ctx, f.engine, f.databaseID, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, models.DirtyProgress, f.storedState(t).CurrentProgress)
	})
}

func TestMarkWorkflowDirty(t *testing.T) {
	t.Run("NoStateYet", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("S0")}, nil)
		err := f.svc.MarkWorkflowDirty(f.databaseID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Nil(t, f.storedState(t))
	})

	t.Run("UnknownDatabase", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		assert.ErrorIs(t, f.svc.MarkWorkflowDirty("nope"), storage.ErrNotFound)
	})

	t.Run("KeepsResults", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep("S0")}, []stepDef{sqlStep("D0")})
		applied := f.apply(t, nil)

		require.NoError(t, f.svc.MarkWorkflowDirty(f.databaseID))

		state := f.storedState(t)
		assert.Equal(t, models.DirtyProgress, state.CurrentProgress)
		assert.Equal(t, 0, state.StepsDone)
		assert.Equal(t, applied.StepResults, state.StepResults)
	})
}

func TestApplyWorkflow_ConcurrentEdits(t *testing.T) {
	t.Run("EditDuringApplyIsReplayed", func(t *testing.T) {
		f := newFixture(t, []stepDef{sqlStep(createT)}, []stepDef{sqlStep(insertT)})
		f.apply(t, nil)
		require.NoError(t, f.svc.MarkWorkflowDirty(f.databaseID))

		dataFile := f.files[models.DataWorkflowType][0]
		var once sync.Once
		f.engine.beforeExec = func(script string) {
			if script != insertT {
				return
			}
			// the step already read its file, so this edit must not be lost
			once.Do(func() {
				require.NoError(t, f.store.UpdateFileContent(dataFile, insertT2))
				require.NoError(t, service.Invalidate(f.store, f.databaseID))
			})
		}

		state := f.apply(t, nil)

		applied, _, _ := f.engine.snapshot()
		assert.Equal(t, []string{createT, insertT2}, applied)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
		assert.Equal(t, 1, state.StepsDone)
		assert.Equal(t, state, f.storedState(t))
	})

	t.Run("EditDuringFirstApplyIsReplayed", func(t *testing.T) {
		f := newFixture(t, nil, []stepDef{sqlStep(insertT)})
		dataFile := f.files[models.DataWorkflowType][0]
		var once sync.Once
		f.engine.beforeExec = func(script string) {
			once.Do(func() {
				require.NoError(t, f.store.UpdateFileContent(dataFile, createT))
				require.NoError(t, service.Invalidate(f.store, f.databaseID))
			})
		}

		state := f.apply(t, nil)

		applied, _, resets := f.engine.snapshot()
		assert.Equal(t, []string{createT}, applied)
		assert.Equal(t, 2, resets)
		assert.Equal(t, models.DataProgress, state.CurrentProgress)
	})

	t.Run("GivesUpWhenEditsKeepLanding", func(t *testing.T) {
		f := newFixture(t, nil, []stepDef{sqlStep(insertT)})
		f.engine.beforeExec = func(script string) {
			require.NoError(t, service.Invalidate(f.store, f.databaseID))
		}

		state, err := f.svc.ApplyWorkflow(context.Background(), f.engine, f.databaseID, nil)

		assert.ErrorIs(t, err, storage.ErrStateChanged)
		require.NotNil(t, state)
		assert.Equal(t, models.DirtyProgress, state.CurrentProgress)
		assert.Equal(t, models.DirtyProgress, f.storedState(t).CurrentProgress)
		_, execs, _ := f.engine.snapshot()
		assert.Equal(t, 3, execs)
	})
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t, []stepDef{sqlStep(createT)}, nil)
	before, err := f.store.GetDatabase(f.databaseID)
	require.NoError(t, err)

	require.NoError(t, service.Invalidate(f.store, f.databaseID))
	after, err := f.store.GetDatabase(f.databaseID)
	require.NoError(t, err)
	assert.Nil(t, after.WorkflowState)
	assert.Greater(t, after.StateVersion, before.StateVersion)

	f.apply(t, nil)
	require.NoError(t, service.Invalidate(f.store, f.databaseID))
	assert.Equal(t, models.DirtyProgress, f.storedState(t).CurrentProgress)

	assert.ErrorIs(t, service.Invalidate(f.store, "nope"), storage.ErrNotFound)
}
