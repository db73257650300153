package orchestrator

import (
	"github.com/pkg/errors"

	"expqueue/internal/runner"
	"expqueue/pkg/store"
)

var (
	// ErrAlreadyExists is what SubmitStatus.Err reports for a duplicate submission.
	ErrAlreadyExists = errors.New("experiment already exists")
	// ErrQueueEmpty 队列中没有可运行的实验
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrNothingRunning is returned by Pause when no experiment is running.
	ErrNothingRunning = errors.New("nothing is running")
	// ErrInvalidOrder means a reorder was not a permutation of the queue.
	ErrInvalidOrder = errors.New("order is not a permutation of the queue")
	// ErrStopped is returned by mutating calls after Stop.
	ErrStopped = errors.New("orchestrator is stopped")
	// ErrNotFound 实验或迭代记录不存在
	ErrNotFound = store.ErrNotFound

	ErrWorkerTimeout = runner.ErrWorkerTimeout
	ErrWorkerCrash   = runner.ErrWorkerCrash

	errStaleWorker = errors.New("report from a worker that is no longer running")
)

// SubmitStatus is the result of AddExperiment.
type SubmitStatus int

const (
	Created SubmitStatus = iota
	AlreadyExists
)

func (s SubmitStatus) String() string {
	if s == AlreadyExists {
		return "already exists"
	}
	return "created"
}

// Err maps AlreadyExists to ErrAlreadyExists for callers that prefer errors.
func (s SubmitStatus) Err() error {
	if s == AlreadyExists {
		return ErrAlreadyExists
	}
	return nil
}
