package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"expqueue/internal/metrics"
	"expqueue/internal/runner"
	"expqueue/pkg/model"
	"expqueue/pkg/store"
)

// reporter receives worker progress from the runner.
type reporter struct {
	o *Orchestrator
}

var _ runner.Reporter = reporter{}

// ReportIteration persists one model run before the worker may continue. A run that is
// already recorded is acknowledged again without writing.
func (r reporter) ReportIteration(h *runner.Handle, rec model.IterationRecord) error {
	o := r.o
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if o.active != h {
		return errStaleWorker
	}
	exp := o.experiments[h.Key].Clone()
	cfg := exp.Config
	if rec.Iteration >= cfg.Optimization.Iterations || rec.ModelRun >= cfg.Optimization.ModelRuns {
		return errors.Errorf("iteration %d run %d is outside the configured loop", rec.Iteration, rec.ModelRun)
	}

	expect := exp.Summary.ResumePoint()
	switch {
	case before(rec, expect):
		o.log.Debugf("%s iteration %d run %d already recorded", h.Key, rec.Iteration, rec.ModelRun)
		return nil
	case rec.Iteration != expect.Iteration || rec.ModelRun != expect.ModelRun:
		return errors.Errorf("got iteration %d run %d, expected iteration %d run %d",
			rec.Iteration, rec.ModelRun, expect.Iteration, expect.ModelRun)
	}

	now := time.Now()
	exp.Summary.Observe(cfg, rec)
	exp.Summary.ElapsedSeconds = o.elapsed(now)
	exp.Summary.UpdatedAt = now

	// 记录中附带实验的全局信息
	if exp.Summary.BestScore != nil {
		best := *exp.Summary.BestScore
		rec.BestScore = &best
	}
	rec.Key = h.Key
	rec.ElapsedSeconds = exp.Summary.ElapsedSeconds
	rec.State = model.StateRunning
	rec.RecordedAt = now

	ctx := context.Background()
	err := o.commit(ctx, store.Mutation{Experiment: exp, Iteration: &rec})
	switch {
	case errors.Is(err, store.ErrExists):
		// 迭代已落盘但实验记录没有: 以已存储的记录为准补写摘要
		o.log.Warnf("%s iteration %d run %d was already stored", h.Key, rec.Iteration, rec.ModelRun)
		return o.adoptStored(ctx, h.Key, rec.Iteration, rec.ModelRun, now)
	case err != nil:
		return err
	}
	o.apply(exp, nil)
	metrics.IterationRecorded()
	return nil
}

// adoptStored folds a run that reached the store without its experiment record into the
// summary. Callers hold commitMu.
func (o *Orchestrator) adoptStored(ctx context.Context, key model.Key, iteration, run int, now time.Time) error {
	stored, err := o.store.GetIteration(ctx, key, iteration, run)
	if err != nil {
		return errors.Wrapf(err, "reading stored iteration %d run %d of %s", iteration, run, key)
	}
	exp := o.experiments[key].Clone()
	exp.Summary.Observe(exp.Config, *stored)
	exp.Summary.ElapsedSeconds = o.elapsed(now)
	exp.Summary.UpdatedAt = now
	if err := o.commit(ctx, store.Mutation{Experiment: exp}); err != nil {
		return err
	}
	o.apply(exp, nil)
	metrics.IterationRecorded()
	return nil
}

// ReportExit records how the worker ended. When the commit fails the experiment stays
// marked running; Pause, Stop or the next start-up repairs it.
func (r reporter) ReportExit(h *runner.Handle, out runner.Outcome) {
	o := r.o
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if o.active != h {
		o.log.Debugf("ignoring exit of abandoned worker %s", h.ID)
		return
	}
	if err := o.settleLocked(context.Background(), h, out); err != nil {
		o.log.WithError(err).Errorf("could not record that %s is %s", h.Key, out.State)
		return
	}

	logger := o.log.WithField("batch", h.Key.Batch)
	if out.Err != nil {
		logger = logger.WithError(out.Err)
	}
	logger.Infof("experiment %s is %s", h.Key.Experiment, out.State)

	natural := out.State == model.StateCompleted || out.State == model.StateFailed
	if o.opts.AutoAdvance && natural && !h.PauseRequested() && !o.stopped {
		o.advancing.Add(1)
		go o.advance()
	}
}

func before(rec model.IterationRecord, p model.ResumePoint) bool {
	if rec.Iteration != p.Iteration {
		return rec.Iteration < p.Iteration
	}
	return rec.ModelRun < p.ModelRun
}
