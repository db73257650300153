package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"expqueue/internal/config"
	"expqueue/internal/logging"
	"expqueue/internal/metrics"
	"expqueue/internal/orchestrator"
)

const pollInterval = time.Second

func main() {
	var exitWhenDrained bool
	cmd := &cobra.Command{
		Use:          "expq-master",
		Short:        "Run the experiment queue",
		SilenceUsage: true,
	}
	loader := config.NewLoader(cmd.Flags())
	cmd.Flags().BoolVar(&exitWhenDrained, "exit-when-drained", false, "exit once the queue is empty")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		return run(cfg, exitWhenDrained)
	}

	if err := cmd.Execute(); err != nil {
		log.Error(fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, exitWhenDrained bool) error {
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 初始化存储与执行器
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

	// 2. 初始化编排器 (依赖注入)
	o, err := orchestrator.New(ctx, st, exec, orchestrator.Options{
		AutoAdvance:      cfg.Orchestrator.AutoAdvance,
		PauseGracePeriod: cfg.Runner.PauseGracePeriod,
	})
	if err != nil {
		_ = st.Close()
		return err
	}

	// 3. metrics
	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.Infof("serving metrics on %s", cfg.Metrics.Listen)
	}

	// 4. 调度主循环
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sched := &scheduler{
		o:               o,
		autoAdvance:     cfg.Orchestrator.AutoAdvance,
		exitWhenDrained: exitWhenDrained,
		interval:        pollInterval,
		drained:         make(chan struct{}),
	}
	go sched.run(ctx)

	select {
	case sig := <-quit:
		log.Infof("received %s, shutting down master...", sig)
	case <-sched.drained:
		log.Info("queue drained, shutting down master...")
	}
	cancel()

	// 5. 优雅退出: 暂停运行中的实验并持久化
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Runner.PauseGracePeriod+10*time.Second)
	defer stopCancel()
	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}
	return o.Stop(stopCtx)
}

// scheduler starts the head of the queue when nothing is running. Without auto-advance it
// starts one experiment after start-up and leaves the rest to the operator.
type scheduler struct {
	o               *orchestrator.Orchestrator
	autoAdvance     bool
	exitWhenDrained bool
	interval        time.Duration
	drained         chan struct{}
}

func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logger := log.WithField("component", "master")
	logger.Info("started, watching the queue...")

	started := false
	for {
		if _, running := s.o.GetRunning(); !running {
			if started && !s.autoAdvance {
				logger.Info("auto-advance is off, not starting another experiment")
				if s.exitWhenDrained {
					close(s.drained)
				}
				return
			}
			err := s.o.Next(ctx)
			switch {
			case err == nil:
				started = true
			case errors.Is(err, orchestrator.ErrQueueEmpty):
				if s.exitWhenDrained {
					close(s.drained)
					return
				}
			case errors.Is(err, orchestrator.ErrStopped):
				return
			default:
				logger.WithError(err).Error("failed to start the next experiment")
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
