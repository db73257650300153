package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"expqueue/pkg/model"
)

// 目录结构 (Schema Design)
//
//	<root>/LOCK
//	<root>/queue.json
//	<root>/experiments/<batch>/<experiment>/experiment.json
//	<root>/experiments/<batch>/<experiment>/iterations/<iteration>-<run>.json
const (
	lockFile         = "LOCK"
	queueFile        = "queue.json"
	experimentsDir   = "experiments"
	experimentFile   = "experiment.json"
	iterationsDir    = "iterations"
	DefaultCacheSize = 128
)

// FileStore keeps every record in its own file, replaced atomically on write. Within a
// Commit the iteration is written first, then the experiment, then the queue, so a crash
// leaves history ahead of the summary and the summary ahead of the queue; the orchestrator
// reconciles both on load.
type FileStore struct {
	root  string
	lock  *flock.Flock
	cache *lru.Cache[model.Key, []model.IterationRecord]

	// mu orders writes against directory scans.
	mu sync.RWMutex
}

// OpenFileStore takes exclusive ownership of root.
func OpenFileStore(root string, cacheSize int) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, experimentsDir), 0o755); err != nil {
		return nil, ioErr("open", err)
	}
	lock := flock.New(filepath.Join(root, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, ioErr("lock", err)
	}
	if !ok {
		return nil, errors.Wrapf(ErrLocked, "%s", root)
	}

	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[model.Key, []model.IterationRecord](cacheSize)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "creating iteration cache")
	}

	log.WithField("component", "store").Infof("file store opened at %s", root)
	return &FileStore{root: root, lock: lock, cache: cache}, nil
}

func (s *FileStore) experimentDir(k model.Key) string {
	return filepath.Join(s.root, experimentsDir, k.Batch, k.Experiment)
}

func (s *FileStore) iterationPath(k model.Key, iteration, run int) string {
	return filepath.Join(s.experimentDir(k), iterationsDir, fmt.Sprintf("%06d-%03d.json", iteration, run))
}

func (s *FileStore) Commit(ctx context.Context, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if it := m.Iteration; it != nil {
		path := s.iterationPath(it.Key, it.Iteration, it.ModelRun)
		switch _, err := os.Stat(path); {
		case err == nil:
			return errors.Wrapf(ErrExists, "iteration %d run %d of %s", it.Iteration, it.ModelRun, it.Key)
		case !os.IsNotExist(err):
			return ioErr("stat iteration", err)
		}
		if err := writeJSON(path, it); err != nil {
			return ioErr("write iteration", err)
		}
		s.cache.Remove(it.Key)
	}
	if e := m.Experiment; e != nil {
		if err := writeJSON(filepath.Join(s.experimentDir(e.Key), experimentFile), e); err != nil {
			return ioErr("write experiment", err)
		}
	}
	if q := m.Queue; q != nil {
		if err := writeJSON(filepath.Join(s.root, queueFile), q); err != nil {
			return ioErr("write queue", err)
		}
	}
	return nil
}

func (s *FileStore) GetExperiment(ctx context.Context, key model.Key) (*model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e model.Experiment
	if err := readJSON(filepath.Join(s.experimentDir(key), experimentFile), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *FileStore) ListExperiments(ctx context.Context) ([]*model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base := filepath.Join(s.root, experimentsDir)
	batches, err := os.ReadDir(base)
	if err != nil {
		return nil, ioErr("list batches", err)
	}

	exps := make([]*model.Experiment, 0)
	for _, b := range batches {
		if !b.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(base, b.Name()))
		if err != nil {
			return nil, ioErr("list experiments", err)
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			var e model.Experiment
			err := readJSON(filepath.Join(base, b.Name(), ent.Name(), experimentFile), &e)
			switch {
			case errors.Is(err, ErrNotFound):
				// 目录已创建但记录尚未写入
				continue
			case err != nil:
				return nil, err
			}
			exps = append(exps, &e)
		}
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i].Key.String() < exps[j].Key.String() })
	return exps, nil
}

func (s *FileStore) ListIterations(ctx context.Context, key model.Key) ([]model.IterationRecord, error) {
	if recs, ok := s.cache.Get(key); ok {
		return append([]model.IterationRecord(nil), recs...), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.experimentDir(key), iterationsDir)
	entries, err := os.ReadDir(dir)
	switch {
	case os.IsNotExist(err):
		return []model.IterationRecord{}, nil
	case err != nil:
		return nil, ioErr("list iterations", err)
	}

	recs := make([]model.IterationRecord, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		var rec model.IterationRecord
		if err := readJSON(filepath.Join(dir, ent.Name()), &rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Iteration != recs[j].Iteration {
			return recs[i].Iteration < recs[j].Iteration
		}
		return recs[i].ModelRun < recs[j].ModelRun
	})
	s.cache.Add(key, recs)
	return append([]model.IterationRecord(nil), recs...), nil
}

func (s *FileStore) GetIteration(
	ctx context.Context, key model.Key, iteration, run int,
) (*model.IterationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec model.IterationRecord
	if err := readJSON(s.iterationPath(key, iteration, run), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) LoadQueue(ctx context.Context) (*model.QueueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q model.QueueState
	err := readJSON(filepath.Join(s.root, queueFile), &q)
	switch {
	case errors.Is(err, ErrNotFound):
		return &model.QueueState{}, nil
	case err != nil:
		return nil, err
	}
	return &q, nil
}

func (s *FileStore) Close() error {
	s.cache.Purge()
	return ioErr("unlock", s.lock.Unlock())
}

// writeJSON 序列化后原子替换目标文件
func writeJSON(path string, val interface{}) error {
	bs, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, bs, 0o644)
}

func readJSON(path string, val interface{}) error {
	bs, err := os.ReadFile(path) // #nosec G304
	switch {
	case os.IsNotExist(err):
		return errors.Wrapf(ErrNotFound, "%s", path)
	case err != nil:
		return ioErr("read", err)
	}
	if err := json.Unmarshal(bs, val); err != nil {
		return errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	return nil
}
