package orchestrator

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"expqueue/pkg/model"
)

// 查询只读取最近一次持久化的快照, 不会等待 worker

func (o *Orchestrator) GetRunning() (model.Key, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.queue.Running == nil {
		return model.Key{}, false
	}
	return o.queue.Running.Key, true
}

// GetExperimentInfo returns the summary of an experiment. An experiment that has not
// produced an iteration yet has an empty summary; an unknown one reports false.
func (o *Orchestrator) GetExperimentInfo(key model.Key) (model.Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.experiments[key]
	if !ok {
		return model.Summary{}, false
	}
	return e.Summary.Clone(), true
}

// GetExperiment returns a copy of the whole record, configuration included.
func (o *Orchestrator) GetExperiment(key model.Key) (*model.Experiment, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.experiments[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// GetExperimentIterationInfo returns the model runs recorded for one iteration, in run
// order. It is empty for an iteration that has not produced a run yet.
func (o *Orchestrator) GetExperimentIterationInfo(
	ctx context.Context, key model.Key, iteration int,
) ([]model.IterationRecord, error) {
	if _, ok := o.GetExperiment(key); !ok {
		return nil, errors.Wrapf(ErrNotFound, "experiment %s", key)
	}
	recs, err := o.store.ListIterations(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]model.IterationRecord, 0)
	for _, rec := range recs {
		if rec.Iteration == iteration {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetModel returns the snapshot reference of one model run.
func (o *Orchestrator) GetModel(ctx context.Context, key model.Key, iteration, run int) (string, error) {
	rec, err := o.store.GetIteration(ctx, key, iteration, run)
	if err != nil {
		return "", err
	}
	return rec.ModelRef, nil
}

// VocabularyRef is where the vocabulary built for the experiment's dataset lives. The file
// itself is produced and read outside the orchestrator.
func (o *Orchestrator) VocabularyRef(key model.Key) (string, bool) {
	e, ok := o.GetExperiment(key)
	if !ok {
		return "", false
	}
	return filepath.Join(e.Config.Path, key.Experiment, "models", "vocabulary.json"), true
}

func (o *Orchestrator) GetBatchNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	seen := make(map[string]bool)
	names := make([]string, 0)
	for k := range o.experiments {
		if !seen[k.Batch] {
			seen[k.Batch] = true
			names = append(names, k.Batch)
		}
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) GetAllExpIds() []model.Key {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]model.Key, 0, len(o.experiments))
	for k := range o.experiments {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// GetBatchExperiments returns the records of one batch ordered by experiment id.
func (o *Orchestrator) GetBatchExperiments(batch string) []*model.Experiment {
	o.mu.RLock()
	defer o.mu.RUnlock()
	exps := make([]*model.Experiment, 0)
	for k, e := range o.experiments {
		if k.Batch == batch {
			exps = append(exps, e.Clone())
		}
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i].Experiment < exps[j].Experiment })
	return exps
}

// GetQueued returns the records of the queued and paused entries in run order.
func (o *Orchestrator) GetQueued() []*model.Experiment {
	o.mu.RLock()
	defer o.mu.RUnlock()
	exps := make([]*model.Experiment, 0, len(o.queue.Order))
	for _, ent := range o.queue.Order {
		exps = append(exps, o.experiments[ent.Key].Clone())
	}
	return exps
}

func sortKeys(keys []model.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Batch != keys[j].Batch {
			return keys[i].Batch < keys[j].Batch
		}
		return keys[i].Experiment < keys[j].Experiment
	})
}
