package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"expqueue/internal/worker"
)

// The worker speaks the runner protocol on stdin/stdout; logs go to stderr.
func main() {
	var (
		delay    time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:          "expq-worker",
		Short:        "Run one experiment for the orchestrator over stdin/stdout",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetOutput(os.Stderr)
			log.SetLevel(level)

			agent := worker.NewAgent(worker.SyntheticTrainer{Delay: delay})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// SIGTERM 在迭代边界暂停, SIGINT 立即退出
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				for sig := range sigs {
					if sig == syscall.SIGTERM {
						log.Info("pause requested by signal")
						agent.RequestPause()
						continue
					}
					log.Info("interrupted, exiting")
					cancel()
				}
			}()

			return agent.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "simulated training time per model run")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		log.WithError(err).Error("worker failed")
		os.Exit(1)
	}
}
