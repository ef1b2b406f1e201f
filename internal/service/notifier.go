package service

import (
	"context"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	workflows "github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/pkg/errors"
)

// Notifier turns editor events into evaluations queued on the dispatcher.
type Notifier struct {
	svc        *workflows.WorkflowService
	dispatcher *workflows.Dispatcher
	timeout    time.Duration
}

// NewNotifier returns a Notifier whose callers wait at most timeout for a
// result. A zero timeout waits until the caller's context ends.
func NewNotifier(svc *workflows.WorkflowService, dispatcher *workflows.Dispatcher, timeout time.Duration) *Notifier {
	return &Notifier{svc: svc, dispatcher: dispatcher, timeout: timeout}
}

func (n *Notifier) wait(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.timeout)
}

// ModifyEditor applies the workflow up to and including the step being
// edited.
func (n *Notifier) ModifyEditor(ctx context.Context, databaseID string, t models.WorkflowType, stepIndex int) (*models.WorkflowState, error) {
	if stepIndex < 0 {
		return nil, invalidf("step index must not be negative, got %d", stepIndex)
	}
	ctx, cancel := n.wait(ctx)
	defer cancel()
	return n.dispatcher.Apply(ctx, databaseID, &models.ApplyTarget{WorkflowType: t, StepsToApply: stepIndex + 1})
}

// UpdateWorkflow applies both workflows to the end.
func (n *Notifier) UpdateWorkflow(ctx context.Context, databaseID string) (*models.WorkflowState, error) {
	ctx, cancel := n.wait(ctx)
	defer cancel()
	return n.dispatcher.Apply(ctx, databaseID, nil)
}

// Apply evaluates towards target, or to the end when target is nil.
func (n *Notifier) Apply(ctx context.Context, databaseID string, target *models.ApplyTarget) (*models.WorkflowState, error) {
	ctx, cancel := n.wait(ctx)
	defer cancel()
	return n.dispatcher.Apply(ctx, databaseID, target)
}

// RunQuery brings the database up to date and runs query against it in the
// same dispatcher job, so no evaluation can slip in between.
func (n *Notifier) RunQuery(ctx context.Context, databaseID, query string) (*models.QueryResult, error) {
	ctx, cancel := n.wait(ctx)
	defer cancel()
	value, err := n.dispatcher.Do(ctx, databaseID, func(ctx context.Context, engine workflows.Engine) (interface{}, error) {
		if _, err := n.svc.ApplyWorkflow(ctx, engine, databaseID, nil); err != nil {
			return nil, errors.Wrapf(err, "update database %s before query", databaseID)
		}
		return engine.Query(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.QueryResult), nil
}

// MarkDirty invalidates the progress of a database. It runs as a dispatcher
// job so it cannot interleave with an evaluation of the same database.
func (n *Notifier) MarkDirty(ctx context.Context, databaseID string) error {
	ctx, cancel := n.wait(ctx)
	defer cancel()
	_, err := n.dispatcher.Do(ctx, databaseID, func(ctx context.Context, engine workflows.Engine) (interface{}, error) {
		return nil, n.svc.MarkWorkflowDirty(databaseID)
	})
	return err
}
