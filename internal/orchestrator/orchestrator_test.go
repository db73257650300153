package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"expqueue/internal/runner"
	"expqueue/internal/worker"
	"expqueue/pkg/model"
	"expqueue/pkg/store"
)

func key(id string) model.Key {
	return model.Key{Batch: "batch", Experiment: id}
}

func testConfig(iterations, runs int) model.ExperimentConfig {
	return model.ExperimentConfig{
		Path:    "/results",
		Dataset: "20NewsGroup",
		Model:   model.ModelSpec{Name: "LDA", Parameters: map[string]any{"passes": 5}},
		Optimization: model.OptimizationConfig{
			Iterations:          iterations,
			ModelRuns:           runs,
			SurrogateModel:      "RF",
			RandomStarts:        2,
			AcquisitionFunction: "LCB",
			SearchSpace: map[string]model.SearchParam{
				"alpha":      model.Range(0.01, 1),
				"num_topics": model.IntRange(5, 50),
			},
		},
		OptimizeMetrics: []model.Metric{{Name: "coherence"}},
		TrackMetrics:    []model.Metric{{Name: "diversity"}},
		Seed:            42,
	}
}

// slow enough that an experiment is still running when the test inspects it
var slowTrainer = worker.SyntheticTrainer{Delay: 2 * time.Millisecond}

func openStore(t *testing.T, dir string) store.Store {
	t.Helper()
	st, err := store.OpenFileStore(dir, 0)
	require.NoError(t, err)
	return st
}

func open(t *testing.T, st store.Store, trainer worker.Trainer, opts Options) *Orchestrator {
	t.Helper()
	if opts.PauseGracePeriod == 0 {
		opts.PauseGracePeriod = 2 * time.Second
	}
	o, err := New(context.Background(), st, runner.NewLocalExecutor(trainer), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o
}

func add(t *testing.T, o *Orchestrator, k model.Key, cfg model.ExperimentConfig) {
	t.Helper()
	status, err := o.AddExperiment(context.Background(), k, cfg)
	require.NoError(t, err)
	require.Equal(t, Created, status)
}

func waitState(t *testing.T, o *Orchestrator, k model.Key, state model.RunState) model.Summary {
	t.Helper()
	var got model.Summary
	require.Eventually(t, func() bool {
		s, ok := o.GetExperimentInfo(k)
		got = s
		return ok && s.State == state
	}, 10*time.Second, 5*time.Millisecond, "%s never reached %s", k, state)
	return got
}

func waitRecorded(t *testing.T, o *Orchestrator, k model.Key, runs int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, _ := o.GetExperimentInfo(k)
		return s.RecordedRuns >= runs
	}, 10*time.Second, 2*time.Millisecond)
}

func TestQueueScenario(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})
	e1, e2, e3 := key("E1"), key("E2"), key("E3")
	for _, k := range []model.Key{e1, e2, e3} {
		add(t, o, k, testConfig(1000, 1))
	}
	assert.Equal(t, []model.Key{e1, e2, e3}, o.GetOrder())

	require.NoError(t, o.Next(ctx))
	running, ok := o.GetRunning()
	require.True(t, ok)
	assert.Equal(t, e1, running)
	assert.Equal(t, []model.Key{e2, e3}, o.GetOrder())

	require.NoError(t, o.Pause(ctx))
	_, ok = o.GetRunning()
	assert.False(t, ok)
	assert.Equal(t, []model.Key{e1, e2, e3}, o.GetOrder())

	require.NoError(t, o.DeleteFromOrder(ctx, e1))
	assert.Equal(t, []model.Key{e2, e3}, o.GetOrder())
	_, ok = o.GetRunning()
	assert.False(t, ok)

	require.NoError(t, o.Next(ctx))
	running, ok = o.GetRunning()
	require.True(t, ok)
	assert.Equal(t, e2, running)
}

func TestAddExperimentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})

	add(t, o, key("a"), testConfig(3, 1))
	other := testConfig(9, 9)
	status, err := o.AddExperiment(ctx, key("a"), other)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, status)
	assert.Equal(t, ErrAlreadyExists, status.Err())

	assert.Equal(t, []model.Key{key("a")}, o.GetOrder())
	exp, ok := o.GetExperiment(key("a"))
	require.True(t, ok)
	assert.Equal(t, 3, exp.Config.Optimization.Iterations)

	// 删除后标识仍被占用
	require.NoError(t, o.DeleteFromOrder(ctx, key("a")))
	status, err = o.AddExperiment(ctx, key("a"), other)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, status)
	assert.Empty(t, o.GetOrder())
}

func TestAddExperimentRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})

	_, err := o.AddExperiment(ctx, model.Key{Batch: "b", Experiment: "../x"}, testConfig(1, 1))
	assert.Error(t, err)
	bad := testConfig(1, 1)
	bad.OptimizeMetrics = nil
	_, err = o.AddExperiment(ctx, key("x"), bad)
	assert.Error(t, err)
	assert.Empty(t, o.GetAllExpIds())
}

func TestEditOrderRequiresPermutation(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})
	a, b, c := key("a"), key("b"), key("c")
	for _, k := range []model.Key{a, b, c} {
		add(t, o, k, testConfig(3, 1))
	}

	for _, bad := range [][]model.Key{
		{a, b},
		{a, b, b},
		{a, b, key("z")},
		{a, b, c, a},
		nil,
	} {
		assert.True(t, errors.Is(o.EditOrder(ctx, bad), ErrInvalidOrder), "%v", bad)
		assert.Equal(t, []model.Key{a, b, c}, o.GetOrder())
	}

	require.NoError(t, o.EditOrder(ctx, []model.Key{c, a, b}))
	assert.Equal(t, []model.Key{c, a, b}, o.GetOrder())

	require.NoError(t, o.Next(ctx))
	running, _ := o.GetRunning()
	assert.Equal(t, c, running)
}

func TestNextAndPauseOnIdleQueue(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})

	assert.True(t, errors.Is(o.Next(ctx), ErrQueueEmpty))
	assert.True(t, errors.Is(o.Pause(ctx), ErrNothingRunning))

	add(t, o, key("a"), testConfig(1000, 1))
	add(t, o, key("b"), testConfig(1000, 1))
	require.NoError(t, o.Next(ctx))
	// 已有实验在运行时 Next 不做任何事
	require.NoError(t, o.Next(ctx))
	running, _ := o.GetRunning()
	assert.Equal(t, key("a"), running)
	assert.Equal(t, []model.Key{key("b")}, o.GetOrder())
}

func TestAtMostOneRunning(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})
	for _, id := range []string{"a", "b", "c", "d"} {
		add(t, o, key(id), testConfig(1000, 1))
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			if i%3 == 2 {
				err := o.Pause(ctx)
				if errors.Is(err, ErrNothingRunning) {
					return nil
				}
				return err
			}
			return o.Next(ctx)
		})
	}
	require.NoError(t, g.Wait())

	running := 0
	for _, k := range o.GetAllExpIds() {
		s, _ := o.GetExperimentInfo(k)
		if s.State == model.StateRunning {
			running++
		}
	}
	assert.LessOrEqual(t, running, 1)
	_, ok := o.GetRunning()
	assert.Equal(t, running == 1, ok)
}

func TestRunToCompletion(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), worker.SyntheticTrainer{}, Options{})
	k := key("full")
	add(t, o, k, testConfig(4, 2))

	require.NoError(t, o.Next(ctx))
	s := waitState(t, o, k, model.StateCompleted)
	assert.Equal(t, 4, s.CompletedIterations)
	assert.Equal(t, 4, s.TotalIterations)
	assert.Equal(t, 8, s.RecordedRuns)
	assert.NotNil(t, s.BestScore)
	assert.NotNil(t, s.FinishedAt)
	assert.Empty(t, o.GetOrder())

	recs, err := o.GetExperimentIterationInfo(ctx, k, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].ModelRun)
	assert.Contains(t, recs[1].Metrics, "diversity")
	assert.NotNil(t, recs[1].BestScore)

	ref, err := o.GetModel(ctx, k, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, "/results/full/models/3_1", ref)
	_, err = o.GetModel(ctx, k, 9, 0)
	assert.True(t, errors.Is(err, ErrNotFound))

	vocab, ok := o.VocabularyRef(k)
	assert.True(t, ok)
	assert.Equal(t, "/results/full/models/vocabulary.json", vocab)
}

func TestPauseResumeMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(6, 2)
	k := key("exp")

	ref := open(t, openStore(t, t.TempDir()), worker.SyntheticTrainer{}, Options{})
	add(t, ref, k, cfg)
	require.NoError(t, ref.Next(ctx))
	want := waitState(t, ref, k, model.StateCompleted)
	wantRecs, err := ref.store.ListIterations(ctx, k)
	require.NoError(t, err)

	gate := make(chan struct{})
	reached := make(chan struct{})
	var once sync.Once
	trainer := worker.TrainerFunc(func(ctx context.Context, req worker.TrainRequest) (worker.TrainResult, error) {
		if req.Iteration == 1 && req.ModelRun == 0 {
			once.Do(func() {
				close(reached)
				<-gate
			})
		}
		return worker.SyntheticTrainer{}.Train(ctx, req)
	})
	o := open(t, openStore(t, t.TempDir()), trainer, Options{})
	add(t, o, k, cfg)
	require.NoError(t, o.Next(ctx))
	<-reached

	paused := make(chan error, 1)
	go func() { paused <- o.Pause(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	require.NoError(t, <-paused)

	mid, _ := o.GetExperimentInfo(k)
	assert.Equal(t, model.StatePaused, mid.State)
	// 暂停发生在迭代 1 的第一个 model run 之后
	assert.Equal(t, model.ResumePoint{Iteration: 1, ModelRun: 1}, mid.ResumePoint())
	assert.Equal(t, []model.Key{k}, o.GetOrder())

	require.NoError(t, o.Next(ctx))
	got := waitState(t, o, k, model.StateCompleted)
	gotRecs, err := o.store.ListIterations(ctx, k)
	require.NoError(t, err)

	ignore := cmpopts.IgnoreFields(model.IterationRecord{}, "RecordedAt", "ElapsedSeconds")
	if diff := cmp.Diff(wantRecs, gotRecs, ignore); diff != "" {
		t.Errorf("iteration history differs (-uninterrupted +resumed):\n%s", diff)
	}
	assert.Equal(t, want.BestScore, got.BestScore)
	assert.Equal(t, want.BestIteration, got.BestIteration)
	assert.Equal(t, want.CompletedIterations, got.CompletedIterations)
	assert.Equal(t, want.RecordedRuns, got.RecordedRuns)
}

func TestDeleteWhileRunning(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})
	k := key("live")
	add(t, o, k, testConfig(1000, 1))
	add(t, o, key("next"), testConfig(1000, 1))

	require.NoError(t, o.Next(ctx))
	waitRecorded(t, o, k, 2)

	require.NoError(t, o.DeleteFromOrder(ctx, k))
	_, ok := o.GetRunning()
	assert.False(t, ok)
	assert.Equal(t, []model.Key{key("next")}, o.GetOrder())

	exp, ok := o.GetExperiment(k)
	require.True(t, ok)
	assert.True(t, exp.Removed)
	assert.Equal(t, model.StatePaused, exp.Summary.State)

	recs, err := o.GetExperimentIterationInfo(ctx, k, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.True(t, errors.Is(o.DeleteFromOrder(ctx, key("missing")), ErrNotFound))
}

func TestWorkerFailureKeepsHistory(t *testing.T) {
	ctx := context.Background()
	trainer := worker.TrainerFunc(func(ctx context.Context, req worker.TrainRequest) (worker.TrainResult, error) {
		if req.Iteration == 2 {
			return worker.TrainResult{}, errors.New("corpus is empty")
		}
		return worker.SyntheticTrainer{}.Train(ctx, req)
	})
	o := open(t, openStore(t, t.TempDir()), trainer, Options{})
	k := key("broken")
	add(t, o, k, testConfig(5, 1))

	require.NoError(t, o.Next(ctx))
	s := waitState(t, o, k, model.StateFailed)
	assert.Equal(t, "corpus is empty", s.LastError)
	assert.Equal(t, 2, s.CompletedIterations)
	_, ok := o.GetRunning()
	assert.False(t, ok)
	assert.Empty(t, o.GetOrder())

	recs, err := o.GetExperimentIterationInfo(ctx, k, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPauseTimeoutMarksFailed(t *testing.T) {
	ctx := context.Background()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	started := make(chan struct{}, 1)
	trainer := worker.TrainerFunc(func(ctx context.Context, req worker.TrainRequest) (worker.TrainResult, error) {
		started <- struct{}{}
		<-block
		return worker.TrainResult{}, errors.New("released")
	})
	o := open(t, openStore(t, t.TempDir()), trainer, Options{PauseGracePeriod: 50 * time.Millisecond})
	k := key("stuck")
	add(t, o, k, testConfig(3, 1))

	require.NoError(t, o.Next(ctx))
	<-started
	err := o.Pause(ctx)
	assert.True(t, errors.Is(err, ErrWorkerTimeout))

	s, _ := o.GetExperimentInfo(k)
	assert.Equal(t, model.StateFailed, s.State)
	_, ok := o.GetRunning()
	assert.False(t, ok)
	assert.Empty(t, o.GetOrder())
}

func TestAutoAdvance(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), worker.SyntheticTrainer{}, Options{AutoAdvance: true})
	for _, id := range []string{"a", "b", "c"} {
		add(t, o, key(id), testConfig(2, 1))
	}

	require.NoError(t, o.Next(ctx))
	for _, id := range []string{"a", "b", "c"} {
		waitState(t, o, key(id), model.StateCompleted)
	}
	assert.Empty(t, o.GetOrder())
}

func TestNoAutoAdvanceAfterPause(t *testing.T) {
	ctx := context.Background()
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{AutoAdvance: true})
	add(t, o, key("a"), testConfig(1000, 1))
	add(t, o, key("b"), testConfig(1000, 1))

	require.NoError(t, o.Next(ctx))
	require.NoError(t, o.Pause(ctx))
	time.Sleep(50 * time.Millisecond)

	_, ok := o.GetRunning()
	assert.False(t, ok)
	s, _ := o.GetExperimentInfo(key("b"))
	assert.Equal(t, model.StateQueued, s.State)
}

// failingStore fails commits on demand, as a full disk would.
type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (f *failingStore) Commit(ctx context.Context, m store.Mutation) error {
	if f.fail.Load() {
		return &store.IOError{Op: "commit", Err: errors.New("no space left on device")}
	}
	return f.Store.Commit(ctx, m)
}

func TestStoreFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Store: openStore(t, t.TempDir())}
	o := open(t, st, slowTrainer, Options{})
	add(t, o, key("a"), testConfig(1000, 1))

	st.fail.Store(true)
	_, err := o.AddExperiment(ctx, key("b"), testConfig(3, 1))
	assert.True(t, errors.Is(err, store.ErrStoreIO))
	_, ok := o.GetExperiment(key("b"))
	assert.False(t, ok)

	err = o.Next(ctx)
	assert.True(t, errors.Is(err, store.ErrStoreIO))
	_, ok = o.GetRunning()
	assert.False(t, ok)
	assert.Equal(t, []model.Key{key("a")}, o.GetOrder())
	s, _ := o.GetExperimentInfo(key("a"))
	assert.Equal(t, model.StateQueued, s.State)

	assert.True(t, errors.Is(o.EditOrder(ctx, []model.Key{key("a")}), store.ErrStoreIO))

	st.fail.Store(false)
	require.NoError(t, o.Next(ctx))
	running, _ := o.GetRunning()
	assert.Equal(t, key("a"), running)
}

func TestStopPersistsAndResumes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	k := key("long")

	o := open(t, openStore(t, dir), slowTrainer, Options{})
	add(t, o, k, testConfig(1000, 1))
	add(t, o, key("second"), testConfig(3, 1))
	require.NoError(t, o.Next(ctx))
	waitRecorded(t, o, k, 3)

	require.NoError(t, o.Stop(ctx))
	assert.True(t, errors.Is(o.Next(ctx), ErrStopped))
	_, err := o.AddExperiment(ctx, key("late"), testConfig(1, 1))
	assert.True(t, errors.Is(err, ErrStopped))
	before, _ := o.GetExperimentInfo(k)

	again := open(t, openStore(t, dir), slowTrainer, Options{})
	assert.Equal(t, []model.Key{k, key("second")}, again.GetOrder())
	after, ok := again.GetExperimentInfo(k)
	require.True(t, ok)
	assert.Equal(t, model.StatePaused, after.State)
	assert.Equal(t, before.RecordedRuns, after.RecordedRuns)
	assert.Equal(t, before.ResumePoint(), after.ResumePoint())
}

func TestEnumeration(t *testing.T) {
	o := open(t, openStore(t, t.TempDir()), slowTrainer, Options{})
	add(t, o, model.Key{Batch: "lda", Experiment: "2"}, testConfig(1, 1))
	add(t, o, model.Key{Batch: "lda", Experiment: "1"}, testConfig(1, 1))
	add(t, o, model.Key{Batch: "ctm", Experiment: "x"}, testConfig(1, 1))

	assert.Equal(t, []string{"ctm", "lda"}, o.GetBatchNames())
	assert.Equal(t, []model.Key{
		{Batch: "ctm", Experiment: "x"},
		{Batch: "lda", Experiment: "1"},
		{Batch: "lda", Experiment: "2"},
	}, o.GetAllExpIds())

	exps := o.GetBatchExperiments("lda")
	require.Len(t, exps, 2)
	assert.Equal(t, "1", exps[0].Experiment)
	assert.Equal(t, model.StateQueued, exps[0].Summary.State)
	assert.Empty(t, o.GetBatchExperiments("none"))

	queued := o.GetQueued()
	require.Len(t, queued, 3)
	assert.Equal(t, "2", queued[0].Experiment)

	// 尚未产生迭代的实验返回空摘要而不是错误
	s, ok := o.GetExperimentInfo(model.Key{Batch: "ctm", Experiment: "x"})
	assert.True(t, ok)
	assert.Nil(t, s.BestScore)
	assert.Zero(t, s.RecordedRuns)
	_, ok = o.GetExperimentInfo(key("nope"))
	assert.False(t, ok)
}

// halfWritingStore persists the iteration of one commit but fails before the experiment
// record, as a crash between the two files would.
type halfWritingStore struct {
	store.Store
	at      model.ResumePoint
	tripped atomic.Bool
}

func (s *halfWritingStore) Commit(ctx context.Context, m store.Mutation) error {
	it := m.Iteration
	if it != nil && it.Iteration == s.at.Iteration && it.ModelRun == s.at.ModelRun && s.tripped.CompareAndSwap(false, true) {
		if err := s.Store.Commit(ctx, store.Mutation{Iteration: it}); err != nil {
			return err
		}
		return &store.IOError{Op: "write experiment", Err: errors.New("input/output error")}
	}
	return s.Store.Commit(ctx, m)
}

func TestHalfWrittenIterationIsAdopted(t *testing.T) {
	ctx := context.Background()
	inner := &halfWritingStore{Store: openStore(t, t.TempDir()), at: model.ResumePoint{Iteration: 1}}
	st := store.NewRetrying(inner, store.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	})
	o := open(t, st, worker.SyntheticTrainer{}, Options{})
	k := key("partial")
	add(t, o, k, testConfig(3, 2))

	require.NoError(t, o.Next(ctx))
	s := waitState(t, o, k, model.StateCompleted)
	assert.True(t, inner.tripped.Load())
	assert.Empty(t, s.LastError)
	assert.Equal(t, 3, s.CompletedIterations)
	assert.Equal(t, 6, s.RecordedRuns)

	stored, err := o.store.GetExperiment(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.Summary.RecordedRuns)
	recs, err := o.GetExperimentIterationInfo(ctx, k, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func seedRecord(t *testing.T, st store.Store, k model.Key, state model.RunState, created time.Time) *model.Experiment {
	t.Helper()
	e := &model.Experiment{
		Key:    k,
		Config: testConfig(3, 2),
		Summary: model.Summary{
			State:           state,
			TotalIterations: 3,
			UpdatedAt:       created,
		},
		CreatedAt: created,
	}
	require.NoError(t, st.Commit(context.Background(), store.Mutation{Experiment: e}))
	return e
}

func TestRecoverAfterUncleanShutdown(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := openStore(t, dir)
	t0 := time.Now().Add(-time.Hour)

	// a 运行中崩溃: 第一个 model run 已写入, 实验记录尚未更新
	seedRecord(t, st, key("a"), model.StateRunning, t0)
	rec := model.IterationRecord{
		Key:     key("a"),
		Point:   map[string]any{"alpha": 0.5, "num_topics": 10},
		Metrics: map[string]float64{"coherence": 0.25, "diversity": 0.5},
	}
	require.NoError(t, st.Commit(ctx, store.Mutation{Iteration: &rec}))
	seedRecord(t, st, key("b"), model.StateCompleted, t0)
	seedRecord(t, st, key("c"), model.StateQueued, t0)
	seedRecord(t, st, key("d"), model.StateQueued, t0.Add(2*time.Minute))
	seedRecord(t, st, key("e"), model.StatePaused, t0.Add(time.Minute))
	removed := seedRecord(t, st, key("f"), model.StateQueued, t0)
	removed.Removed = true
	require.NoError(t, st.Commit(ctx, store.Mutation{Experiment: removed}))

	q := &model.QueueState{}
	q.PushBack(key("b"))
	q.PushBack(key("c"))
	q.PushBack(key("c"))
	q.Running = &model.QueueEntry{Key: key("a"), InsertedOrder: q.NextSeq}
	q.NextSeq++
	require.NoError(t, st.Commit(ctx, store.Mutation{Queue: q}))
	require.NoError(t, st.Close())

	o := open(t, openStore(t, dir), worker.SyntheticTrainer{}, Options{})
	_, running := o.GetRunning()
	assert.False(t, running)
	assert.Equal(t, []model.Key{key("a"), key("c"), key("e"), key("d")}, o.GetOrder())

	a, ok := o.GetExperimentInfo(key("a"))
	require.True(t, ok)
	assert.Equal(t, model.StatePaused, a.State)
	assert.Equal(t, 1, a.RecordedRuns)
	assert.Equal(t, model.ResumePoint{Iteration: 0, ModelRun: 1}, a.ResumePoint())
	stored, err := o.store.GetExperiment(ctx, key("a"))
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, stored.Summary.State)

	b, _ := o.GetExperimentInfo(key("b"))
	assert.Equal(t, model.StateCompleted, b.State)

	// 恢复后从第二个 model run 继续, 已有记录保持不变
	require.NoError(t, o.Next(ctx))
	done := waitState(t, o, key("a"), model.StateCompleted)
	assert.Equal(t, 6, done.RecordedRuns)
	first, err := o.GetExperimentIterationInfo(ctx, key("a"), 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 0.25, first[0].Metrics["coherence"])
}

func TestQueueEntryWithoutRecordIsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := openStore(t, dir)
	seedRecord(t, st, key("known"), model.StateQueued, time.Now())
	q := &model.QueueState{}
	q.PushBack(key("known"))
	q.PushBack(key("ghost"))
	require.NoError(t, st.Commit(ctx, store.Mutation{Queue: q}))
	require.NoError(t, st.Close())

	st = openStore(t, dir)
	defer st.Close()
	_, err := New(ctx, st, runner.NewLocalExecutor(worker.SyntheticTrainer{}), Options{})
	assert.True(t, errors.Is(err, store.ErrCorrupt))
}
