package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoader(t *testing.T, args ...string) *Loader {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l := NewLoader(flags)
	require.NoError(t, flags.Parse(args))
	return l
}

func TestDefaults(t *testing.T) {
	cfg, err := newLoader(t).Load()
	require.NoError(t, err)
	d := DefaultConfig()
	assert.Equal(t, d.Store.Backend, cfg.Store.Backend)
	assert.Equal(t, d.Store.Path, cfg.Store.Path)
	assert.Equal(t, d.Store.Etcd.Endpoints, cfg.Store.Etcd.Endpoints)
	assert.Equal(t, d.Store.Retry, cfg.Store.Retry)
	assert.Equal(t, d.Runner.Executor, cfg.Runner.Executor)
	assert.Equal(t, d.Runner.PauseGracePeriod, cfg.Runner.PauseGracePeriod)
	assert.Equal(t, d.Log, cfg.Log)
	assert.Equal(t, d.Metrics, cfg.Metrics)
	assert.False(t, cfg.Orchestrator.AutoAdvance)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: etcd
  etcd:
    endpoints: [etcd-0:2379, etcd-1:2379]
    dial_timeout: 2s
runner:
  executor: docker
  pause_grace_period: 1m
  docker:
    image: expq-worker:latest
orchestrator:
  auto_advance: true
log:
  level: debug
`), 0o600))

	t.Setenv("EXPQ_LOG_LEVEL", "warn")
	t.Setenv("EXPQ_RUNNER_PAUSE_GRACE_PERIOD", "45s")

	cfg, err := newLoader(t, "--config-file", path, "--runner-pause-grace-period", "10s").Load()
	require.NoError(t, err)

	assert.Equal(t, "etcd", cfg.Store.Backend)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Store.Etcd.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Store.Etcd.DialTimeout)
	assert.Equal(t, "/expq/", cfg.Store.Etcd.Prefix)
	assert.Equal(t, "docker", cfg.Runner.Executor)
	assert.Equal(t, "expq-worker:latest", cfg.Runner.Docker.Image)
	assert.True(t, cfg.Orchestrator.AutoAdvance)
	// 环境变量覆盖文件, 命令行参数覆盖环境变量
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Runner.PauseGracePeriod)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "sqlite"
	cfg.Runner.Executor = "docker"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store.backend "sqlite"`)
	assert.Contains(t, err.Error(), "runner.docker.image is required")
	assert.Contains(t, err.Error(), `unknown log.format "xml"`)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := newLoader(t, "--config-file", filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}
