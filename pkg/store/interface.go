package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"expqueue/pkg/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when an append-only record is written twice.
	ErrExists = errors.New("record already exists")
	// ErrLocked means another orchestrator owns the store.
	ErrLocked = errors.New("store is owned by another process")
	// ErrCorrupt is fatal at startup.
	ErrCorrupt = errors.New("store is corrupt")
	// ErrStoreIO marks persistence failures; see IOError.
	ErrStoreIO = errors.New("store io failure")
)

// IOError wraps a backend failure so callers can test it with errors.Is(err, ErrStoreIO)
// and still reach the cause.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrStoreIO }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// Mutation groups the writes that must land together: an experiment record, an optional
// iteration record appended to its history, and the queue state.
type Mutation struct {
	Experiment *model.Experiment
	Iteration  *model.IterationRecord
	Queue      *model.QueueState
}

// Store 定义了编排器对持久化层的全部需求
// 任何实现了这个接口的 Struct (FileStore, EtcdStore) 都可以注入到编排器中
type Store interface {
	// Commit applies m as one unit. An Iteration that already exists fails with ErrExists
	// and nothing else is written.
	Commit(ctx context.Context, m Mutation) error

	GetExperiment(ctx context.Context, key model.Key) (*model.Experiment, error)
	ListExperiments(ctx context.Context) ([]*model.Experiment, error)

	ListIterations(ctx context.Context, key model.Key) ([]model.IterationRecord, error)
	GetIteration(ctx context.Context, key model.Key, iteration, run int) (*model.IterationRecord, error)

	// LoadQueue returns an empty state when nothing was persisted yet.
	LoadQueue(ctx context.Context) (*model.QueueState, error)

	Close() error
}
