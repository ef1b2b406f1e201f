package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/pkg/errors"
)

// ErrDispatcherStopped is returned for jobs submitted or still queued once
// the dispatcher is stopped or its parent context is done.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// JobFunc runs against the engine of one database while holding its lane.
type JobFunc func(ctx context.Context, engine Engine) (interface{}, error)

type jobResult struct {
	value interface{}
	err   error
}

// job is a queued unit of work. A request whose non-empty key matches the
// newest queued job joins it and gets the same result.
type job struct {
	key     string
	run     JobFunc
	waiters []chan jobResult
}

// lane serializes the jobs of one database. It lives while it has work: its
// worker removes it once the queue is empty.
type lane struct {
	databaseID string
	pending    []*job
}

// Dispatcher runs engine work with at most one job in flight per database.
// Jobs run on the dispatcher's context, so a caller giving up does not cancel
// an evaluation that already started.
type Dispatcher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	svc     *WorkflowService
	engines EngineProvider
	logger  Logger
	lanes   map[string]*lane
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func NewDispatcher(mainCtx context.Context, svc *WorkflowService, engines EngineProvider, logger Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(mainCtx)
	return &Dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		svc:     svc,
		engines: engines,
		logger:  logger,
		lanes:   make(map[string]*lane),
	}
}

// Apply queues ApplyWorkflow for databaseID and waits for the result.
func (d *Dispatcher) Apply(ctx context.Context, databaseID string, target *models.ApplyTarget) (*models.WorkflowState, error) {
	key := "apply:end"
	if target != nil {
		key = fmt.Sprintf("apply:%s", target.Position())
	}
	value, err := d.submit(ctx, databaseID, key, func(ctx context.Context, engine Engine) (interface{}, error) {
		return d.svc.ApplyWorkflow(ctx, engine, databaseID, target)
	})
	state, _ := value.(*models.WorkflowState)
	return state, err
}

// Do queues fn for databaseID and waits for it. Do jobs are never coalesced.
func (d *Dispatcher) Do(ctx context.Context, databaseID string, fn JobFunc) (interface{}, error) {
	return d.submit(ctx, databaseID, "", fn)
}

func (d *Dispatcher) submit(ctx context.Context, databaseID, key string, fn JobFunc) (interface{}, error) {
	waiter := make(chan jobResult, 1)

	d.mu.Lock()
	if d.stopped || d.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, ErrDispatcherStopped
	}
	l, ok := d.lanes[databaseID]
	if !ok {
		l = &lane{databaseID: databaseID}
		d.lanes[databaseID] = l
		d.wg.Add(1)
		go d.worker(l)
	}
	// only the newest pending job may absorb a request, so nothing queued
	// after it is reordered
	var queued *job
	if n := len(l.pending); key != "" && n > 0 && l.pending[n-1].key == key {
		queued = l.pending[n-1]
	}
	if queued != nil {
		queued.waiters = append(queued.waiters, waiter)
		d.logger.Debugf("Coalesced %s for database %s", key, databaseID)
	} else {
		l.pending = append(l.pending, &job{key: key, run: fn, waiters: []chan jobResult{waiter}})
	}
	d.mu.Unlock()

	select {
	case res := <-waiter:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker drains its lane and removes it from the dispatcher when the queue
// runs dry. Jobs left after the dispatcher context ends fail in execute.
func (d *Dispatcher) worker(l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.pending) == 0 {
			delete(d.lanes, l.databaseID)
			d.mu.Unlock()
			return
		}
		j := l.pending[0]
		l.pending = l.pending[1:]
		d.mu.Unlock()

		value, err := d.execute(l.databaseID, j)
		for _, w := range j.waiters {
			w <- jobResult{value: value, err: err}
		}
	}
}

func (d *Dispatcher) execute(databaseID string, j *job) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Job %q for database %s panicked: %v", j.key, databaseID, r)
			err = fmt.Errorf("job for database %s panicked: %v", databaseID, r)
		}
	}()
	if d.ctx.Err() != nil {
		return nil, ErrDispatcherStopped
	}
	engine, err := d.engines.Engine(d.ctx, databaseID)
	if err != nil {
		return nil, errors.Wrapf(err, "open engine of database %s", databaseID)
	}
	return j.run(d.ctx, engine)
}

// Pending reports how many jobs are queued for databaseID, not counting the
// one running.
func (d *Dispatcher) Pending(databaseID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[databaseID]; ok {
		return len(l.pending)
	}
	return 0
}

// Lanes reports how many databases have queued or running jobs.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Stop cancels running jobs, fails queued ones and waits for every lane.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
