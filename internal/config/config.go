// Package config loads the orchestrator configuration from defaults, a YAML file,
// EXPQ_* environment variables and command line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type StoreConfig struct {
	Backend   string      `mapstructure:"backend"`
	Path      string      `mapstructure:"path"`
	CacheSize int         `mapstructure:"cache_size"`
	Etcd      EtcdConfig  `mapstructure:"etcd"`
	Retry     RetryConfig `mapstructure:"retry"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type RunnerConfig struct {
	Executor         string        `mapstructure:"executor"`
	WorkerCommand    []string      `mapstructure:"worker_command"`
	SyntheticDelay   time.Duration `mapstructure:"synthetic_delay"`
	PauseGracePeriod time.Duration `mapstructure:"pause_grace_period"`
	Docker           DockerConfig  `mapstructure:"docker"`
}

type DockerConfig struct {
	Image      string   `mapstructure:"image"`
	APIVersion string   `mapstructure:"api_version"`
	Binds      []string `mapstructure:"binds"`
	MilliCPU   int64    `mapstructure:"milli_cpu"`
	Memory     int64    `mapstructure:"memory"`
}

type OrchestratorConfig struct {
	AutoAdvance bool `mapstructure:"auto_advance"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type Config struct {
	ConfigFile   string             `mapstructure:"config_file"`
	Store        StoreConfig        `mapstructure:"store"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:   "file",
			Path:      "./expq-data",
			CacheSize: 128,
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/expq/",
				DialTimeout: 5 * time.Second,
			},
			Retry: RetryConfig{
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     time.Second,
				MaxElapsed:      5 * time.Second,
			},
		},
		Runner: RunnerConfig{
			Executor:         "local",
			WorkerCommand:    []string{"expq-worker"},
			PauseGracePeriod: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	switch c.Store.Backend {
	case "file":
		check(c.Store.Path != "", "store.path is required for the file backend")
	case "etcd":
		check(len(c.Store.Etcd.Endpoints) > 0, "store.etcd.endpoints is required for the etcd backend")
		check(c.Store.Etcd.DialTimeout > 0, "store.etcd.dial_timeout must be positive")
	default:
		problems = append(problems, fmt.Sprintf("unknown store.backend %q (file, etcd)", c.Store.Backend))
	}
	check(c.Store.CacheSize >= 0, "store.cache_size must not be negative")
	check(c.Store.Retry.InitialInterval > 0, "store.retry.initial_interval must be positive")
	check(c.Store.Retry.MaxInterval >= c.Store.Retry.InitialInterval,
		"store.retry.max_interval must be at least store.retry.initial_interval")

	switch c.Runner.Executor {
	case "local":
	case "process":
		check(len(c.Runner.WorkerCommand) > 0, "runner.worker_command is required for the process executor")
	case "docker":
		check(c.Runner.Docker.Image != "", "runner.docker.image is required for the docker executor")
		check(c.Runner.Docker.MilliCPU >= 0 && c.Runner.Docker.Memory >= 0,
			"runner.docker limits must not be negative")
	default:
		problems = append(problems, fmt.Sprintf("unknown runner.executor %q (local, process, docker)", c.Runner.Executor))
	}
	check(c.Runner.PauseGracePeriod > 0, "runner.pause_grace_period must be positive")

	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log.format %q (text, json)", c.Log.Format))
	}

	if len(problems) > 0 {
		return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
