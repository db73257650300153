package config

import (
	"context"

	"github.com/pkg/errors"

	"expqueue/internal/runner"
	"expqueue/internal/worker"
	"expqueue/pkg/model"
	"expqueue/pkg/store"
)

// OpenStore opens the configured backend wrapped in commit retries.
func (c StoreConfig) OpenStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Backend {
	case "etcd":
		st, err = store.NewEtcdStore(ctx, c.Etcd.Endpoints, c.Etcd.Prefix, c.Etcd.DialTimeout)
	case "file":
		st, err = store.OpenFileStore(c.Path, c.CacheSize)
	default:
		return nil, errors.Errorf("unknown store backend %q", c.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store.NewRetrying(st, store.RetryPolicy{
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		MaxElapsedTime:  c.Retry.MaxElapsed,
	}), nil
}

// NewExecutor builds the configured worker backend.
func (c RunnerConfig) NewExecutor() (runner.Executor, error) {
	switch c.Executor {
	case "local":
		return runner.NewLocalExecutor(worker.SyntheticTrainer{Delay: c.SyntheticDelay}), nil
	case "process":
		return &runner.ProcessExecutor{Command: c.WorkerCommand}, nil
	case "docker":
		exec, err := runner.NewDockerExecutor(runner.DockerOptions{
			Image:      c.Docker.Image,
			Command:    c.WorkerCommand,
			Binds:      c.Docker.Binds,
			APIVersion: c.Docker.APIVersion,
			Limits:     model.Resource{MilliCPU: c.Docker.MilliCPU, Memory: c.Docker.Memory},
		})
		if err != nil {
			return nil, err
		}
		return exec, nil
	default:
		return nil, errors.Errorf("unknown executor %q", c.Executor)
	}
}
