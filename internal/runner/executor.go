package runner

import (
	"context"
	"io"

	"expqueue/pkg/model"
)

// Process is one launched worker. The runner owns both ends of its protocol stream.
type Process interface {
	// Stdin carries the start request and control messages. Closing it tells the worker
	// the runner has gone away.
	Stdin() io.WriteCloser
	// Stdout carries reports and reaches EOF when the worker exits.
	Stdout() io.Reader
	// Wait blocks until the worker has exited. Call it after Stdout is drained.
	Wait() error
	// Kill terminates the worker without giving it a chance to checkpoint.
	Kill() error
}

// Executor launches workers. Implementations: LocalExecutor, ProcessExecutor, DockerExecutor.
type Executor interface {
	Launch(ctx context.Context, key model.Key) (Process, error)
}
