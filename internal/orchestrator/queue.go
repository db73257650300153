package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"expqueue/internal/metrics"
	"expqueue/pkg/model"
	"expqueue/pkg/store"
)

// AddExperiment records a new experiment and appends it to the queue. Submitting a key
// that already has a record, including one deleted from the queue, changes nothing and
// returns AlreadyExists.
func (o *Orchestrator) AddExperiment(ctx context.Context, key model.Key, cfg model.ExperimentConfig) (SubmitStatus, error) {
	if err := key.Validate(); err != nil {
		return Created, errors.Wrap(err, "invalid experiment key")
	}
	if err := cfg.Validate(); err != nil {
		return Created, err
	}

	o.ctrl.Lock()
	defer o.ctrl.Unlock()
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if o.stopped {
		return Created, ErrStopped
	}
	if _, ok := o.experiments[key]; ok {
		o.log.Debugf("%s already exists", key)
		return AlreadyExists, nil
	}

	now := time.Now()
	exp := &model.Experiment{
		Key:    key,
		Config: cfg,
		Summary: model.Summary{
			State:           model.StateQueued,
			TotalIterations: cfg.Optimization.Iterations,
			UpdatedAt:       now,
		},
		CreatedAt: now,
	}
	q := o.queue.Clone()
	q.PushBack(key)
	q.UpdatedAt = now

	if err := o.commit(ctx, store.Mutation{Experiment: exp, Queue: q}); err != nil {
		return Created, errors.Wrapf(err, "adding %s", key)
	}
	o.apply(exp, q)
	metrics.Transition(model.StateQueued)
	o.log.WithField("batch", key.Batch).Infof("experiment %s queued at position %d", key.Experiment, len(q.Order))
	return Created, nil
}

// GetOrder returns the pending and paused entries in run order.
func (o *Orchestrator) GetOrder() []model.Key {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.queue.Keys()
}

// EditOrder replaces the run order. keys must be a permutation of GetOrder().
func (o *Orchestrator) EditOrder(ctx context.Context, keys []model.Key) error {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if o.stopped {
		return ErrStopped
	}
	q := o.queue.Clone()
	if !q.Reorder(keys) {
		return ErrInvalidOrder
	}
	q.UpdatedAt = time.Now()
	if err := o.commit(ctx, store.Mutation{Queue: q}); err != nil {
		return errors.Wrap(err, "reordering queue")
	}
	o.apply(nil, q)
	return nil
}

// DeleteFromOrder removes an entry from the queue, pausing it first if it is running.
// Its record and iteration history stay queryable.
func (o *Orchestrator) DeleteFromOrder(ctx context.Context, key model.Key) error {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()

	o.commitMu.Lock()
	stopped := o.stopped
	running := o.active != nil && o.active.Key == key
	o.commitMu.Unlock()
	if stopped {
		return ErrStopped
	}

	// 1. 正在运行: 先暂停, 等待 worker 停止
	var pauseErr error
	if running {
		pauseErr = o.pauseLocked(ctx)
		if pauseErr != nil && !errors.Is(pauseErr, ErrWorkerTimeout) {
			return errors.Wrapf(pauseErr, "pausing %s before delete", key)
		}
	}

	// 2. 从队列移除, 标记记录
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	exp, ok := o.experiments[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "experiment %s", key)
	}
	q := o.queue.Clone()
	if !q.Remove(key) {
		switch {
		case pauseErr != nil:
			// worker 被强制终止, 实验已标记失败并离开队列
			return errors.Wrapf(pauseErr, "deleting %s", key)
		case exp.Removed:
			return nil
		}
		return errors.Wrapf(ErrNotFound, "%s is not queued", key)
	}

	now := time.Now()
	next := exp.Clone()
	next.Removed = true
	next.Summary.UpdatedAt = now
	q.UpdatedAt = now
	if err := o.commit(ctx, store.Mutation{Experiment: next, Queue: q}); err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	o.apply(next, q)
	o.log.Infof("experiment %s removed from the queue", key)
	return nil
}
