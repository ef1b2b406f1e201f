package service

import (
	"context"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
)

type evaluationPhase string

const (
	phaseApplying   evaluationPhase = "applying"
	phaseRecovering evaluationPhase = "recovering"
	phaseSettled    evaluationPhase = "settled"
	phaseStuck      evaluationPhase = "stuck"
)

type evaluationTrigger string

const (
	triggerStepFailed evaluationTrigger = "stepFailed"
	triggerCaughtUp   evaluationTrigger = "caughtUp"
)

type resultKey struct {
	pipeline models.WorkflowType
	index    int
}

// evaluation is the state of one ApplyWorkflow call. A step failing while
// applying moves it to recovering, where a single replay up to the last good
// step is attempted; a failure while recovering leaves it stuck.
type evaluation struct {
	databaseID string
	target     *models.ApplyTarget
	machine    *stateless.StateMachine
	results    map[resultKey]models.StepExecutionResult
	failedAt   models.Position // cursor before the step that failed while applying
	touched    bool            // the engine was reset or a step was run
	version    int64           // StateVersion read by the first pass
	versioned  bool
}

func newEvaluation(databaseID string, target *models.ApplyTarget) *evaluation {
	machine := stateless.NewStateMachine(phaseApplying)
	machine.Configure(phaseApplying).
		Permit(triggerStepFailed, phaseRecovering).
		Permit(triggerCaughtUp, phaseSettled)
	machine.Configure(phaseRecovering).
		Permit(triggerStepFailed, phaseStuck).
		Permit(triggerCaughtUp, phaseSettled)
	return &evaluation{
		databaseID: databaseID,
		target:     target,
		machine:    machine,
		results:    make(map[resultKey]models.StepExecutionResult),
	}
}

func (ev *evaluation) phase() evaluationPhase {
	return ev.machine.MustState().(evaluationPhase)
}

func (ev *evaluation) fire(trigger evaluationTrigger) error {
	if err := ev.machine.Fire(trigger); err != nil {
		return errors.Wrapf(err, "evaluation of database %s", ev.databaseID)
	}
	return nil
}

func (ev *evaluation) record(pipeline models.WorkflowType, index int, res EvaluationResult) {
	ev.results[resultKey{pipeline: pipeline, index: index}] = models.StepExecutionResult{
		Type:   pipeline,
		Index:  index,
		Result: res.Result,
		Error:  res.Error,
	}
}

// stepResults merges the results of this call over base.
func (ev *evaluation) stepResults(base []models.StepExecutionResult) []models.StepExecutionResult {
	merged := make(map[resultKey]models.StepExecutionResult, len(base)+len(ev.results))
	for _, r := range base {
		merged[resultKey{pipeline: r.Type, index: r.Index}] = r
	}
	for k, r := range ev.results {
		merged[k] = r
	}
	out := make([]models.StepExecutionResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	models.SortStepResults(out)
	return out
}

// passOutcome describes one walk over the pipelines.
type passOutcome struct {
	skipped     bool                  // stored error state still answers the request
	stored      *models.WorkflowState // state loaded at the start of the pass
	failed      bool                  // a step returned an error result
	position    models.Position       // cursor when the pass ended
	baseResults []models.StepExecutionResult
}

// ApplyWorkflow brings the engine of a database to target, or to the end of
// the data workflow when target is nil, reusing stored progress when it can
// be trusted and wiping and replaying when it cannot. A step that fails is
// recorded and the engine is rewound to the last good step, leaving the state
// parked on the matching error marker.
//
// The final save only succeeds if nobody wrote the state since the call read
// it. When an edit lands meanwhile the state is left dirty and the whole
// evaluation runs again, up to maxEvaluationAttempts times.
func (s *WorkflowService) ApplyWorkflow(ctx context.Context, engine Engine, databaseID string, target *models.ApplyTarget) (*models.WorkflowState, error) {
	if target != nil {
		if err := target.Validate(); err != nil {
			return nil, errors.Wrap(ErrInvalidTarget, err.Error())
		}
	}
	for attempt := 1; ; attempt++ {
		state, err := s.evaluate(ctx, engine, databaseID, target)
		if !errors.Is(err, storage.ErrStateChanged) || attempt == maxEvaluationAttempts {
			return state, err
		}
		s.logger.Infof("Workflow of database %s changed during apply, evaluating again", databaseID)
	}
}

const maxEvaluationAttempts = 3

func (s *WorkflowService) evaluate(ctx context.Context, engine Engine, databaseID string, target *models.ApplyTarget) (*models.WorkflowState, error) {
	ev := newEvaluation(databaseID, target)

	for {
		out, err := s.pass(ctx, engine, ev)
		if err != nil {
			if ev.touched {
				s.abandon(databaseID, ev, err)
			}
			return nil, err
		}
		if out.skipped {
			s.logger.Debugf("Database %s is parked on %s, nothing to apply", databaseID, out.stored.CurrentProgress)
			return out.stored, nil
		}

		if out.failed {
			if err := ev.fire(triggerStepFailed); err != nil {
				return nil, err
			}
			if ev.phase() == phaseStuck {
				s.logger.Errorf("Replay of database %s failed again at %s, giving up", databaseID, out.position)
				state := &models.WorkflowState{
					CurrentProgress: models.DirtyProgress,
					StepsDone:       0,
					StepResults:     ev.stepResults(nil),
				}
				if err := s.store.UpdateWorkflowState(databaseID, state); err != nil {
					return nil, errors.Wrapf(err, "save workflow state of database %s", databaseID)
				}
				return state, errors.Wrapf(ErrRecoveryFailed, "database %s at %s", databaseID, out.position)
			}
			s.logger.Infof("Step %s of database %s failed, rewinding to the last good step", out.position, databaseID)
			ev.failedAt = out.position
			ev.target = &models.ApplyTarget{WorkflowType: out.position.Pipeline, StepsToApply: out.position.Steps}
			continue
		}

		recovered := ev.phase() == phaseRecovering
		if err := ev.fire(triggerCaughtUp); err != nil {
			return nil, err
		}
		state := settledState(out.position, ev.stepResults(out.baseResults))
		if recovered {
			if out.position == ev.failedAt {
				state.CurrentProgress = models.ErrorProgress(ev.failedAt.Pipeline)
				state.StepsDone = ev.failedAt.Steps
			} else {
				s.logger.Errorf("Replay of database %s stopped at %s instead of %s", databaseID, out.position, ev.failedAt)
				state.CurrentProgress = models.DirtyProgress
				state.StepsDone = 0
			}
		}
		if err := s.store.CompareAndSetWorkflowState(databaseID, ev.version, state); err != nil {
			if errors.Is(err, storage.ErrStateChanged) {
				dirty := s.abandon(databaseID, ev, err)
				return dirty, errors.Wrapf(err, "save workflow state of database %s", databaseID)
			}
			return nil, errors.Wrapf(err, "save workflow state of database %s", databaseID)
		}
		s.logger.Infof("Database %s is at %s (%d steps)", databaseID, state.CurrentProgress, state.StepsDone)
		return state, nil
	}
}

// pass makes one walk from the stored (or freshly reset) cursor towards the
// evaluation target.
func (s *WorkflowService) pass(ctx context.Context, engine Engine, ev *evaluation) (passOutcome, error) {
	var out passOutcome

	db, err := s.store.GetDatabase(ev.databaseID)
	if err != nil {
		return out, errors.Wrapf(err, "get database %s", ev.databaseID)
	}
	schemaWorkflow, err := s.store.GetWorkflowByType(ev.databaseID, models.SchemaWorkflowType)
	if err != nil {
		return out, errors.Wrapf(err, "get schema workflow of database %s", ev.databaseID)
	}
	dataWorkflow, err := s.store.GetWorkflowByType(ev.databaseID, models.DataWorkflowType)
	if err != nil {
		return out, errors.Wrapf(err, "get data workflow of database %s", ev.databaseID)
	}
	schemaLen, dataLen := len(schemaWorkflow.WorkflowSteps), len(dataWorkflow.WorkflowSteps)

	out.stored = db.WorkflowState
	if !ev.versioned {
		ev.version, ev.versioned = db.StateVersion, true
	}
	targetOffset := schemaLen + dataLen
	targetPipeline := models.DataWorkflowType
	if ev.target != nil {
		targetOffset = ev.target.Position().Offset(schemaLen, dataLen)
		targetPipeline = ev.target.WorkflowType
	}

	cursor := db.WorkflowState.Cursor()
	reset := ev.phase() == phaseRecovering
	switch cursor.Kind {
	case models.CursorError:
		// reaching the target would replay a step already known to fail; a
		// schema target never reaches a data step
		failing := targetOffset >= cursor.Position.Offset(schemaLen, dataLen) &&
			!(cursor.Position.Pipeline == models.DataWorkflowType && targetPipeline == models.SchemaWorkflowType)
		if !reset && failing {
			out.skipped = true
			return out, nil
		}
		reset = true
	case models.CursorNone, models.CursorDirty:
		reset = true
	case models.CursorAt:
		if !cursor.Position.Fits(schemaLen, dataLen) || targetOffset < cursor.Position.Offset(schemaLen, dataLen) {
			reset = true
		}
	}

	position := cursor.Position
	if reset {
		s.logger.Debugf("Wiping database %s before replay", ev.databaseID)
		ev.touched = true
		if err := engine.ResetSchema(ctx); err != nil {
			return out, errors.Wrapf(err, "wipe database %s", ev.databaseID)
		}
		position = models.Position{Pipeline: models.SchemaWorkflowType, Steps: 0}
	} else {
		out.baseResults = db.WorkflowState.StepResults
	}

	for {
		if position.Pipeline == models.DataWorkflowType && position.Steps >= dataLen {
			break
		}
		if position.Offset(schemaLen, dataLen) >= targetOffset {
			break
		}

		workflow := schemaWorkflow
		if position.Pipeline == models.DataWorkflowType || position.Steps >= schemaLen {
			workflow = dataWorkflow
			if position.Pipeline == models.SchemaWorkflowType {
				position = models.Position{Pipeline: models.DataWorkflowType, Steps: 0}
			}
		}
		step, ok := workflow.Step(position.Steps)
		if !ok {
			s.logger.Errorf("No step %d in %s workflow of database %s, stopping", position.Steps, workflow.Type, ev.databaseID)
			break
		}

		// from here on the engine may no longer match the stored state
		ev.touched = true
		res, err := s.evaluator.EvaluateStep(ctx, engine, step)
		if err != nil {
			return out, errors.Wrapf(err, "evaluate step %s of database %s", position, ev.databaseID)
		}
		ev.record(workflow.Type, position.Steps, res)
		s.logger.Debugf("Step %s of database %s: %s", position, ev.databaseID, res.Result)
		if res.Result == models.ErrorStepResult {
			out.failed = true
			out.position = position
			return out, nil
		}
		position = models.Position{Pipeline: workflow.Type, Steps: position.Steps + 1}
	}

	out.position = normalize(position, schemaLen)
	return out, nil
}

// abandon marks the state dirty after a fatal error or a concurrent write
// left the engine in an unknown state.
func (s *WorkflowService) abandon(databaseID string, ev *evaluation, cause error) *models.WorkflowState {
	state := &models.WorkflowState{
		CurrentProgress: models.DirtyProgress,
		StepsDone:       0,
		StepResults:     ev.stepResults(nil),
	}
	if err := s.store.UpdateWorkflowState(databaseID, state); err != nil {
		s.logger.Errorf("Failed to mark database %s dirty after %v: %v", databaseID, cause, err)
	}
	return state
}

// normalize maps the end of the schema workflow to the start of the data one.
func normalize(p models.Position, schemaLen int) models.Position {
	if p.Pipeline == models.SchemaWorkflowType && p.Steps >= schemaLen {
		return models.Position{Pipeline: models.DataWorkflowType, Steps: 0}
	}
	return p
}

func settledState(p models.Position, results []models.StepExecutionResult) *models.WorkflowState {
	progress := models.SchemaProgress
	if p.Pipeline == models.DataWorkflowType {
		progress = models.DataProgress
	}
	return &models.WorkflowState{
		CurrentProgress: progress,
		StepsDone:       p.Steps,
		StepResults:     results,
	}
}
