package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/pkg/errors"
)

const dbmlNotReadyMessage = "DBML has errors. Open the file for details."

// EvaluationResult is the outcome of a single step.
type EvaluationResult struct {
	Result models.StepResult
	Error  string
}

type StepEvaluator struct {
	store      storage.Store
	transpiler Transpiler
	logger     Logger
}

func NewStepEvaluator(store storage.Store, transpiler Transpiler, logger Logger) *StepEvaluator {
	return &StepEvaluator{
		store:      store,
		transpiler: transpiler,
		logger:     logger,
	}
}

// EvaluateStep runs one step against engine. Content problems are reported in
// the result; the returned error is reserved for a missing file, a failing
// store or a cancelled context.
func (e *StepEvaluator) EvaluateStep(ctx context.Context, engine Engine, step models.WorkflowStep) (EvaluationResult, error) {
	if !step.Bound() {
		return EvaluationResult{Result: models.NoopStepResult}, nil
	}
	file, err := e.store.GetFile(step.FileID)
	if err != nil {
		return EvaluationResult{}, errors.Wrapf(err, "get file %s of step %s", step.FileID, step.ID)
	}
	if file.Blank() {
		return EvaluationResult{Result: models.NoopStepResult}, nil
	}

	switch step.Type {
	case models.SQLQueryStepType:
		return e.execute(ctx, engine, file.Content)
	case models.DBMLStepType:
		sql, err := e.transpiler.Transpile(file.Content)
		if err != nil {
			e.logger.Debugf("DBML file %s is not ready: %v", file.ID, err)
			return EvaluationResult{Result: models.NoopStepResult, Error: dbmlNotReadyMessage}, nil
		}
		if strings.TrimSpace(sql) == "" {
			return EvaluationResult{Result: models.NoopStepResult}, nil
		}
		return e.execute(ctx, engine, sql)
	default:
		return EvaluationResult{
			Result: models.ErrorStepResult,
			Error:  fmt.Sprintf("unknown step type: %s", step.Type),
		}, nil
	}
}

func (e *StepEvaluator) execute(ctx context.Context, engine Engine, script string) (EvaluationResult, error) {
	if err := engine.Exec(ctx, script); err != nil {
		if ctx.Err() != nil {
			return EvaluationResult{}, errors.Wrap(ctx.Err(), "execute step")
		}
		return EvaluationResult{Result: models.ErrorStepResult, Error: err.Error()}, nil
	}
	return EvaluationResult{Result: models.SuccessStepResult}, nil
}
