package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"expqueue/internal/metrics"
	"expqueue/internal/runner"
	"expqueue/pkg/model"
	"expqueue/pkg/store"
)

// Next starts the head of the queue. It does nothing while an experiment is running. A
// paused experiment resumes after its last recorded model run.
func (o *Orchestrator) Next(ctx context.Context) error {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()
	return o.nextLocked(ctx)
}

// nextLocked 调度队首实验. Callers hold ctrl.
func (o *Orchestrator) nextLocked(ctx context.Context) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if o.stopped {
		return ErrStopped
	}
	if o.queue.Running != nil {
		return nil
	}

	q := o.queue.Clone()
	entry, ok := q.PopFront()
	if !ok {
		return ErrQueueEmpty
	}
	exp := o.experiments[entry.Key].Clone()
	if !exp.Summary.State.CanTransitionTo(model.StateRunning) {
		return errors.Errorf("%s is %s and cannot run", entry.Key, exp.Summary.State)
	}
	resume := exp.Summary.ResumePoint()

	// 1. 启动 worker. 它的上报要等 commitMu, 所以不会早于下面的提交被处理
	h, err := o.runner.Start(entry.Key, exp.Config, resume)
	if err != nil {
		return err
	}

	// 2. 持久化 Running 状态
	now := time.Now()
	exp.Summary.State = model.StateRunning
	exp.Summary.LastError = ""
	exp.Summary.UpdatedAt = now
	if exp.Summary.StartedAt == nil {
		exp.Summary.StartedAt = &now
	}
	q.Running = &entry
	q.UpdatedAt = now
	if err := o.commit(ctx, store.Mutation{Experiment: exp, Queue: q}); err != nil {
		// 状态未落盘: 放弃这个 worker, 它的退出不会被应用
		o.runner.Kill(h)
		return errors.Wrapf(err, "starting %s", entry.Key)
	}

	o.active = h
	o.runStart = now
	o.baseElapsed = exp.Summary.ElapsedSeconds
	o.apply(exp, q)
	metrics.Transition(model.StateRunning)
	o.log.WithFields(log.Fields{"batch": entry.Batch, "handle": h.ID}).
		Infof("experiment %s running from iteration %d run %d", entry.Experiment, resume.Iteration, resume.ModelRun)
	return nil
}

// Pause asks the running experiment to checkpoint and stop, and returns once its worker
// has exited. A worker that does not stop within the grace period is killed, the
// experiment is marked Failed and ErrWorkerTimeout is returned.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.ctrl.Lock()
	defer o.ctrl.Unlock()

	o.commitMu.Lock()
	stopped := o.stopped
	o.commitMu.Unlock()
	if stopped {
		return ErrStopped
	}
	return o.pauseLocked(ctx)
}

// pauseLocked callers hold ctrl.
func (o *Orchestrator) pauseLocked(ctx context.Context) error {
	o.commitMu.Lock()
	h := o.active
	o.commitMu.Unlock()
	if h == nil {
		return ErrNothingRunning
	}

	out := o.runner.Pause(ctx, h)

	// 退出已经上报. 若当时提交失败, 实验仍标记为运行中, 在这里重试
	o.commitMu.Lock()
	defer o.commitMu.Unlock()
	if o.active == h {
		if err := o.settleLocked(ctx, h, out); err != nil {
			return errors.Wrapf(err, "recording pause of %s", h.Key)
		}
	}
	if out.State == model.StateFailed && errors.Is(out.Err, ErrWorkerTimeout) {
		return errors.Wrapf(out.Err, "experiment %s marked failed", h.Key)
	}
	return nil
}

// settleLocked records how the active worker ended and clears the running slot. Callers
// hold commitMu.
func (o *Orchestrator) settleLocked(ctx context.Context, h *runner.Handle, out runner.Outcome) error {
	exp := o.experiments[h.Key].Clone()
	q := o.queue.Clone()
	entry := *q.Running
	q.Running = nil

	now := time.Now()
	exp.Summary.State = out.State
	exp.Summary.ElapsedSeconds = o.elapsed(now)
	exp.Summary.UpdatedAt = now
	if out.Err != nil {
		exp.Summary.LastError = out.Err.Error()
	}
	switch out.State {
	case model.StatePaused:
		// 暂停的实验回到队首
		q.PushFront(entry)
	case model.StateCompleted, model.StateFailed:
		exp.Summary.FinishedAt = &now
	}
	q.UpdatedAt = now

	if err := o.commit(ctx, store.Mutation{Experiment: exp, Queue: q}); err != nil {
		return err
	}
	o.active = nil
	o.apply(exp, q)
	metrics.Transition(out.State)
	return nil
}

// advance runs Next after an experiment finished on its own.
func (o *Orchestrator) advance() {
	defer o.advancing.Done()
	o.ctrl.Lock()
	defer o.ctrl.Unlock()

	err := o.nextLocked(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueEmpty):
		o.log.Info("queue drained")
	case errors.Is(err, ErrStopped):
	default:
		o.log.WithError(err).Error("auto-advance failed")
	}
}

// Stop pauses the running experiment, waits for pending work and closes the store. Records
// are kept; a later New resumes from them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.ctrl.Lock()
	o.commitMu.Lock()
	if o.stopped {
		o.commitMu.Unlock()
		o.ctrl.Unlock()
		return nil
	}
	o.stopped = true
	running := o.active != nil
	o.commitMu.Unlock()

	var result error
	if running {
		err := o.pauseLocked(ctx)
		switch {
		case errors.Is(err, ErrWorkerTimeout):
			o.log.WithError(err).Warn("running experiment did not stop cleanly")
		case err != nil:
			result = err
		}
	}
	o.ctrl.Unlock()

	o.advancing.Wait()
	o.runner.Close()

	// 最后一次持久化队列状态
	o.commitMu.Lock()
	q := o.queue.Clone()
	q.UpdatedAt = time.Now()
	if err := o.commit(ctx, store.Mutation{Queue: q}); err != nil && result == nil {
		result = errors.Wrap(err, "persisting queue at shutdown")
	}
	o.commitMu.Unlock()

	if err := o.store.Close(); err != nil && result == nil {
		result = errors.Wrap(err, "closing store")
	}
	o.log.Info("orchestrator stopped")
	return result
}
