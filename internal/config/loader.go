package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "EXPQ_"

type configKey []string

func (c configKey) EnvName() string {
	return envPrefix + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, "."), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

// Loader binds the configuration keys to a flag set and the environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader registers one flag per configuration key on flags.
func NewLoader(flags *pflag.FlagSet) *Loader {
	l := &Loader{v: viper.New()}
	l.v.SetTypeByDefaultValue(true)

	d := DefaultConfig()
	name := func(components ...string) configKey { return components }

	l.registerString(flags, name("config-file"), "", "location of the YAML config file")

	l.registerString(flags, name("store", "backend"), d.Store.Backend, "record store backend (file, etcd)")
	l.registerString(flags, name("store", "path"), d.Store.Path, "directory of the file store")
	l.registerInt(flags, name("store", "cache-size"), d.Store.CacheSize, "experiments whose history is cached")
	l.registerStrings(flags, name("store", "etcd", "endpoints"), d.Store.Etcd.Endpoints, "etcd endpoints")
	l.registerString(flags, name("store", "etcd", "prefix"), d.Store.Etcd.Prefix, "etcd key prefix")
	l.registerDuration(flags, name("store", "etcd", "dial-timeout"), d.Store.Etcd.DialTimeout, "etcd dial timeout")
	l.registerDuration(flags, name("store", "retry", "initial-interval"), d.Store.Retry.InitialInterval,
		"first retry delay of a failed commit")
	l.registerDuration(flags, name("store", "retry", "max-interval"), d.Store.Retry.MaxInterval,
		"longest retry delay of a failed commit")
	l.registerDuration(flags, name("store", "retry", "max-elapsed"), d.Store.Retry.MaxElapsed,
		"give up retrying a commit after this long")

	l.registerString(flags, name("runner", "executor"), d.Runner.Executor, "worker executor (local, process, docker)")
	l.registerStrings(flags, name("runner", "worker-command"), d.Runner.WorkerCommand,
		"worker command for the process executor")
	l.registerDuration(flags, name("runner", "synthetic-delay"), d.Runner.SyntheticDelay,
		"simulated training time per model run of the local executor")
	l.registerDuration(flags, name("runner", "pause-grace-period"), d.Runner.PauseGracePeriod,
		"how long a paused worker may take to stop before it is killed")
	l.registerString(flags, name("runner", "docker", "image"), d.Runner.Docker.Image, "worker image")
	l.registerString(flags, name("runner", "docker", "api-version"), d.Runner.Docker.APIVersion,
		"docker API version, negotiated when empty")
	l.registerStrings(flags, name("runner", "docker", "binds"), d.Runner.Docker.Binds, "volumes for worker containers")
	l.registerInt64(flags, name("runner", "docker", "milli-cpu"), d.Runner.Docker.MilliCPU,
		"CPU limit of a worker container in millicores, 0 for none")
	l.registerInt64(flags, name("runner", "docker", "memory"), d.Runner.Docker.Memory,
		"memory limit of a worker container in bytes, 0 for none")

	l.registerBool(flags, name("orchestrator", "auto-advance"), d.Orchestrator.AutoAdvance,
		"start the next experiment when one completes or fails")

	l.registerString(flags, name("log", "level"), d.Log.Level, "log level (debug, info, warn, error)")
	l.registerString(flags, name("log", "format"), d.Log.Format, "log format (text, json)")
	l.registerString(flags, name("log", "file"), d.Log.File, "also write logs to this rotated file")

	l.registerString(flags, name("metrics", "listen"), d.Metrics.Listen, "prometheus listen address, empty to disable")
	return l
}

func (l *Loader) bind(flags *pflag.FlagSet, name configKey) {
	_ = l.v.BindEnv(name.AccessPath(), name.EnvName())
	_ = l.v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
}

func (l *Loader) registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	l.bind(flags, name)
	l.v.SetDefault(name.AccessPath(), value)
}

func (l *Loader) registerStrings(flags *pflag.FlagSet, name configKey, value []string, usage string) {
	flags.StringSlice(name.FlagName(), value, usage)
	l.bind(flags, name)
	l.v.SetDefault(name.AccessPath(), value)
}

func (l *Loader) registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	l.bind(flags, name)
	l.v.SetDefault(name.AccessPath(), value)
}

func (l *Loader) registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	l.bind(flags, name)
	l.v.SetDefault(name.AccessPath(), value)
}

func (l *Loader) registerInt64(flags *pflag.FlagSet, name configKey, value int64, usage string) {
	flags.Int64(name.FlagName(), value, usage)
	l.bind(flags, name)
	l.v.SetDefault(name.AccessPath(), value)
}

func (l *Loader) registerDuration(flags *pflag.FlagSet, name configKey, value time.Duration, usage string) {
	flags.Duration(name.FlagName(), value, usage)
	l.bind(flags, name)
	l.v.SetDefault(name.AccessPath(), value)
}

// Load merges the config file named by config_file, if any, and returns the validated
// configuration.
func (l *Loader) Load() (*Config, error) {
	if path := l.v.GetString("config_file"); path != "" {
		bs, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			return nil, errors.Wrap(err, "reading configuration file")
		}
		if err := l.mergeYAML(bs); err != nil {
			return nil, err
		}
		log.Debugf("configuration merged from %s", path)
	}

	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) mergeYAML(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "parsing configuration file")
	}
	if err := l.v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "merging configuration file")
	}
	return nil
}
