package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"expqueue/internal/orchestrator"
	"expqueue/pkg/model"
)

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "#\tEXPERIMENT\tSTATE\tPROGRESS\tBEST")
				if k, ok := o.GetRunning(); ok {
					s, _ := o.GetExperimentInfo(k)
					fmt.Fprintf(w, "*\t%s\t%s\t%s\t%s\n", k, s.State, progress(s), best(s))
				}
				for i, e := range o.GetQueued() {
					s := e.Summary
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, e.Key, s.State, progress(s), best(s))
				}
				return w.Flush()
			})
		},
	}
}

func reorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder BATCH/EXPERIMENT...",
		Short: "Replace the run order; every queued experiment must be listed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]model.Key, 0, len(args))
			for _, arg := range args {
				k, err := parseKey(arg)
				if err != nil {
					return err
				}
				keys = append(keys, k)
			}
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.EditOrder(ctx, keys)
			})
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove BATCH/EXPERIMENT",
		Short: "Remove an experiment from the queue; its results are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.DeleteFromOrder(ctx, k)
			})
		},
	}
}

// nextCmd runs the head of the queue in the foreground. Ctrl+C pauses it.
func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Run the next experiment until it finishes; interrupt to pause it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if err := o.Next(ctx); err != nil {
					if errors.Is(err, orchestrator.ErrQueueEmpty) {
						log.Warn("nothing to run")
						return nil
					}
					return err
				}
				k, _ := o.GetRunning()
				fmt.Printf("running %s\n", k)

				quit := make(chan os.Signal, 1)
				signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(quit)
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-quit:
						err := o.Pause(ctx)
						if errors.Is(err, orchestrator.ErrWorkerTimeout) {
							log.WithError(err).Warn("worker was killed")
							return nil
						}
						return err
					case <-ticker.C:
						if _, running := o.GetRunning(); !running {
							s, _ := o.GetExperimentInfo(k)
							fmt.Printf("%s %s, best %s\n", k, s.State, best(s))
							return nil
						}
					}
				}
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [BATCH]",
		Short: "List batches, or the experiments of one batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				if len(args) == 0 {
					fmt.Fprintln(w, "BATCH\tEXPERIMENTS")
					for _, b := range o.GetBatchNames() {
						fmt.Fprintf(w, "%s\t%d\n", b, len(o.GetBatchExperiments(b)))
					}
					return w.Flush()
				}
				fmt.Fprintln(w, "EXPERIMENT\tSTATE\tPROGRESS\tBEST\tELAPSED\tERROR")
				for _, e := range o.GetBatchExperiments(args[0]) {
					s := e.Summary
					state := string(s.State)
					if e.Removed {
						state += " (removed)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Experiment, state, progress(s), best(s),
						time.Duration(s.ElapsedSeconds*float64(time.Second)).Round(time.Second), s.LastError)
				}
				return w.Flush()
			})
		},
	}
}

func inspectCmd() *cobra.Command {
	var (
		iteration int
		run       int
	)
	cmd := &cobra.Command{
		Use:   "inspect BATCH/EXPERIMENT",
		Short: "Show the metrics of one iteration, or the model of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if run >= 0 {
					ref, err := o.GetModel(ctx, k, iteration, run)
					if err != nil {
						return err
					}
					fmt.Println(ref)
					return nil
				}

				recs, err := o.GetExperimentIterationInfo(ctx, k, iteration)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Printf("iteration %d of %s has no results yet\n", iteration, k)
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tMETRIC\tVALUE")
				for _, rec := range recs {
					for name, v := range rec.Metrics {
						fmt.Fprintf(w, "%d\t%s\t%s\n", rec.ModelRun, name, strconv.FormatFloat(v, 'f', 4, 64))
					}
				}
				if vocab, ok := o.VocabularyRef(k); ok {
					fmt.Fprintf(w, "\nvocabulary\t%s\n", vocab)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&iteration, "iteration", 0, "iteration index")
	cmd.Flags().IntVar(&run, "run", -1, "model run index; prints the model reference")
	return cmd
}

func progress(s model.Summary) string {
	return fmt.Sprintf("%d/%d", s.CompletedIterations, s.TotalIterations)
}

func best(s model.Summary) string {
	if s.BestScore == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f@%d", *s.BestScore, s.BestIteration)
}
