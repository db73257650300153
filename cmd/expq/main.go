package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"expqueue/internal/config"
	"expqueue/internal/logging"
	"expqueue/internal/orchestrator"
	"expqueue/pkg/model"
)

var loader *config.Loader

func main() {
	root := &cobra.Command{
		Use:          "expq",
		Short:        "Operate the experiment queue",
		SilenceUsage: true,
	}
	loader = config.NewLoader(root.PersistentFlags())
	root.AddCommand(
		submitCmd(),
		queueCmd(),
		reorderCmd(),
		removeCmd(),
		nextCmd(),
		statusCmd(),
		inspectCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error(fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

// withOrchestrator 打开存储, 执行 fn, 然后停止编排器
// The store is exclusive: these commands fail with a lock error while a master runs.
func withOrchestrator(fn func(ctx context.Context, o *orchestrator.Orchestrator) error) error {
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	st, err := cfg.Store.OpenStore(ctx)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	exec, err := cfg.Runner.NewExecutor()
	if err != nil {
		_ = st.Close()
		return err
	}
	if c, ok := exec.(io.Closer); ok {
		defer c.Close()
	}
	o, err := orchestrator.New(ctx, st, exec, orchestrator.Options{
		AutoAdvance:      cfg.Orchestrator.AutoAdvance,
		PauseGracePeriod: cfg.Runner.PauseGracePeriod,
	})
	if err != nil {
		_ = st.Close()
		return err
	}

	runErr := fn(ctx, o)
	if err := o.Stop(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// parseKey parses "batch/experiment".
func parseKey(s string) (model.Key, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return model.Key{}, errors.Errorf("%q is not of the form batch/experiment", s)
	}
	k := model.Key{Batch: parts[0], Experiment: parts[1]}
	return k, k.Validate()
}
