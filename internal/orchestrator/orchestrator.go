// Package orchestrator owns the experiment queue: identity, order, the single running
// experiment and the durable record of everything that happened to it.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"expqueue/internal/metrics"
	"expqueue/internal/runner"
	"expqueue/pkg/model"
	"expqueue/pkg/store"
)

type Options struct {
	// AutoAdvance starts the next entry after an experiment completes or fails on its own.
	AutoAdvance      bool
	PauseGracePeriod time.Duration
}

// Orchestrator 编排器核心结构体
//
// Lock order is ctrl, then commitMu, then mu. ctrl serializes the control operations and
// is held while Pause waits for the worker. commitMu serializes store commits with the
// in-memory state they produce; worker reports take it, never ctrl. mu guards the
// in-memory snapshot read by queries.
type Orchestrator struct {
	store  store.Store
	runner *runner.Runner
	opts   Options

	ctrl     sync.Mutex
	commitMu sync.Mutex
	mu       sync.RWMutex

	experiments map[model.Key]*model.Experiment
	queue       *model.QueueState

	// 以下字段由 commitMu 保护
	active      *runner.Handle
	runStart    time.Time
	baseElapsed float64
	stopped     bool

	advancing sync.WaitGroup
	log       *log.Entry
}

// New loads the queue and the experiment records from st, repairs what an unclean shutdown
// left behind and returns an orchestrator with nothing running. Corruption is fatal.
func New(ctx context.Context, st store.Store, exec runner.Executor, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{
		store:       st,
		opts:        opts,
		experiments: make(map[model.Key]*model.Experiment),
		queue:       &model.QueueState{},
		log:         log.WithField("component", "orchestrator"),
	}
	if err := o.load(ctx); err != nil {
		return nil, err
	}
	o.runner = runner.New(exec, reporter{o}, runner.Options{PauseGracePeriod: opts.PauseGracePeriod})
	metrics.QueueChanged(o.queue)
	return o, nil
}

// load 从存储中恢复状态
func (o *Orchestrator) load(ctx context.Context) error {
	exps, err := o.store.ListExperiments(ctx)
	if err != nil {
		return errors.Wrap(err, "loading experiments")
	}
	q, err := o.store.LoadQueue(ctx)
	if err != nil {
		return errors.Wrap(err, "loading queue")
	}
	for _, e := range exps {
		o.experiments[e.Key] = e
	}

	changed, err := o.reconcile(ctx, q)
	if err != nil {
		return err
	}
	for _, e := range changed {
		if err := o.store.Commit(ctx, store.Mutation{Experiment: e}); err != nil {
			return errors.Wrapf(err, "repairing %s", e.Key)
		}
	}
	if err := o.store.Commit(ctx, store.Mutation{Queue: q}); err != nil {
		return errors.Wrap(err, "repairing queue")
	}
	o.queue = q

	o.log.Infof("loaded %d experiments, %d queued", len(o.experiments), len(q.Order))
	return nil
}

// reconcile makes q agree with the experiment records, which are authoritative for state
// and membership. A record found Running is paused: no worker survives a restart. The
// records it modifies are returned.
func (o *Orchestrator) reconcile(ctx context.Context, q *model.QueueState) ([]*model.Experiment, error) {
	var maxSeq uint64
	entries := q.Order
	if q.Running != nil {
		// 中断的实验回到队首
		entries = append([]model.QueueEntry{*q.Running}, entries...)
	}

	keep := make([]model.QueueEntry, 0, len(entries))
	inQueue := make(map[model.Key]bool, len(entries))
	for _, ent := range entries {
		e, ok := o.experiments[ent.Key]
		if !ok {
			return nil, errors.Wrapf(store.ErrCorrupt, "queue references unknown experiment %s", ent.Key)
		}
		if ent.InsertedOrder >= maxSeq {
			maxSeq = ent.InsertedOrder + 1
		}
		if inQueue[ent.Key] || e.Removed || e.Summary.State.Terminal() {
			continue
		}
		inQueue[ent.Key] = true
		keep = append(keep, ent)
	}

	var missing []*model.Experiment
	var changed []*model.Experiment
	for _, e := range o.experiments {
		if e.Removed || e.Summary.State.Terminal() {
			continue
		}
		if !inQueue[e.Key] && (e.Summary.State.Pending() || e.Summary.State == model.StateRunning) {
			missing = append(missing, e)
		}
		if e.Summary.State != model.StateQueued {
			recs, err := o.store.ListIterations(ctx, e.Key)
			if err != nil {
				return nil, errors.Wrapf(err, "loading history of %s", e.Key)
			}
			fixed := e.Clone()
			fixed.Summary.Replay(e.Config, recs)
			if fixed.Summary.State == model.StateRunning {
				o.log.Warnf("%s was running at shutdown, marking it paused", e.Key)
				fixed.Summary.State = model.StatePaused
				fixed.Summary.UpdatedAt = time.Now()
			}
			if fixed.Summary.State != e.Summary.State ||
				fixed.Summary.RecordedRuns != e.Summary.RecordedRuns {
				o.experiments[e.Key] = fixed
				changed = append(changed, fixed)
			}
		}
	}

	// 丢失的待运行实验按创建时间追加
	sort.Slice(missing, func(i, j int) bool {
		if !missing[i].CreatedAt.Equal(missing[j].CreatedAt) {
			return missing[i].CreatedAt.Before(missing[j].CreatedAt)
		}
		return missing[i].Key.String() < missing[j].Key.String()
	})
	q.Order = keep
	q.Running = nil
	if q.NextSeq < maxSeq {
		q.NextSeq = maxSeq
	}
	for _, e := range missing {
		o.log.Warnf("%s was missing from the queue, appending it", e.Key)
		q.PushBack(e.Key)
	}
	return changed, nil
}

// commit 持久化一次变更并记录耗时
func (o *Orchestrator) commit(ctx context.Context, m store.Mutation) error {
	done := metrics.TimeCommit()
	err := o.store.Commit(ctx, m)
	done(err)
	if err != nil {
		o.log.WithError(err).Error("store commit failed")
	}
	return err
}

// apply publishes committed state to readers. Callers hold commitMu.
func (o *Orchestrator) apply(e *model.Experiment, q *model.QueueState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e != nil {
		o.experiments[e.Key] = e
	}
	if q != nil {
		o.queue = q
		metrics.QueueChanged(q)
	}
}

// elapsed is the experiment's total run time including earlier runs. Callers hold commitMu.
func (o *Orchestrator) elapsed(now time.Time) float64 {
	return o.baseElapsed + now.Sub(o.runStart).Seconds()
}
