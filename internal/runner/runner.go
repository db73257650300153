// Package runner executes one experiment at a time inside an isolated worker and turns its
// report stream into callbacks.
package runner

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"expqueue/pkg/model"
	"expqueue/pkg/protocol"
)

var (
	// ErrWorkerTimeout 暂停宽限期已过, worker 被强制终止
	ErrWorkerTimeout = errors.New("worker did not stop within the grace period")
	// ErrWorkerCrash means the worker exited without a terminal report.
	ErrWorkerCrash = errors.New("worker exited unexpectedly")
)

const DefaultPauseGracePeriod = 30 * time.Second

// Outcome is how a worker ended: Completed, Paused or Failed.
type Outcome struct {
	State model.RunState
	Err   error
}

// Reporter receives the progress of every worker. ReportIteration must persist the record
// before returning nil; only then is the worker allowed to continue. A non-nil error stops
// the worker. ReportExit is called exactly once per handle, before Done is closed.
type Reporter interface {
	ReportIteration(h *Handle, rec model.IterationRecord) error
	ReportExit(h *Handle, out Outcome)
}

// Handle identifies one launched worker.
type Handle struct {
	ID      string
	Key     model.Key
	Started time.Time

	proc Process
	enc  *protocol.Encoder

	pauseRequested atomic.Bool
	timedOut       atomic.Bool
	done           chan struct{}
	outcome        Outcome
}

// Done is closed after the worker exited and the exit was reported.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome is valid once Done is closed.
func (h *Handle) Outcome() Outcome {
	<-h.done
	return h.outcome
}

// PauseRequested tells whether the operator asked this worker to stop.
func (h *Handle) PauseRequested() bool { return h.pauseRequested.Load() }

type Options struct {
	PauseGracePeriod time.Duration
}

type Runner struct {
	exec     Executor
	reporter Reporter
	grace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Handle

	log *log.Entry
}

func New(exec Executor, reporter Reporter, opts Options) *Runner {
	if opts.PauseGracePeriod <= 0 {
		opts.PauseGracePeriod = DefaultPauseGracePeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		exec:     exec,
		reporter: reporter,
		grace:    opts.PauseGracePeriod,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*Handle),
		log:      log.WithField("component", "runner"),
	}
}

// Start launches a worker for cfg beginning at resume. Reports flow to the Reporter from
// a goroutine owned by the runner.
func (r *Runner) Start(key model.Key, cfg model.ExperimentConfig, resume model.ResumePoint) (*Handle, error) {
	proc, err := r.exec.Launch(r.ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "launching worker for %s", key)
	}
	h := &Handle{
		ID:      uuid.NewString(),
		Key:     key,
		Started: time.Now(),
		proc:    proc,
		enc:     protocol.NewEncoder(proc.Stdin()),
		done:    make(chan struct{}),
	}
	if err := h.enc.Encode(protocol.StartRequest{Key: key, Config: cfg, Resume: resume}); err != nil {
		_ = proc.Kill()
		go drain(proc)
		return nil, errors.Wrapf(err, "sending start request to %s", key)
	}

	r.mu.Lock()
	r.active[h.ID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.supervise(h)
	r.log.WithFields(log.Fields{"batch": key.Batch, "experiment": key.Experiment, "handle": h.ID}).
		Infof("worker started at iteration %d run %d", resume.Iteration, resume.ModelRun)
	return h, nil
}

// RequestPause asks the worker to stop once its current model run is recorded.
func (r *Runner) RequestPause(h *Handle) error {
	h.pauseRequested.Store(true)
	return h.enc.Encode(protocol.Control{Type: protocol.ControlPause})
}

// Pause requests a pause and waits for the worker to stop. A worker still running after the
// grace period, or when ctx ends, is killed and its outcome is Failed with ErrWorkerTimeout.
func (r *Runner) Pause(ctx context.Context, h *Handle) Outcome {
	if err := r.RequestPause(h); err != nil {
		// worker 可能已经退出
		r.log.WithError(err).Debugf("pause control for %s not delivered", h.Key)
	}

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.outcome
	case <-timer.C:
	case <-ctx.Done():
	}

	r.log.Warnf("worker for %s did not stop in %s, killing it", h.Key, r.grace)
	r.kill(h)
	return h.Outcome()
}

func (r *Runner) IsAlive(h *Handle) bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Kill terminates the worker without waiting for it; the outcome is Failed with
// ErrWorkerTimeout.
func (r *Runner) Kill(h *Handle) {
	r.kill(h)
}

func (r *Runner) kill(h *Handle) {
	h.timedOut.Store(true)
	if err := h.proc.Kill(); err != nil {
		r.log.WithError(err).Warnf("killing worker for %s", h.Key)
	}
}

// Close kills every worker that is still running and waits for their exits to be reported.
func (r *Runner) Close() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.kill(h)
	}
	r.wg.Wait()
	r.cancel()
}

// supervise 读取 worker 的上报, 直到输出流结束
func (r *Runner) supervise(h *Handle) {
	defer r.wg.Done()
	logger := r.log.WithFields(log.Fields{"batch": h.Key.Batch, "experiment": h.Key.Experiment, "handle": h.ID})

	var (
		terminal *protocol.Report
		failure  error
		rejected error
	)
	dec := protocol.NewDecoder(h.proc.Stdout())
	for {
		var rep protocol.Report
		if err := dec.Decode(&rep); err != nil {
			if err != io.EOF && terminal == nil && failure == nil && rejected == nil {
				failure = err
			}
			break
		}
		if terminal != nil || failure != nil || rejected != nil {
			logger.Warnf("ignoring %s report after the worker was stopped", rep.Type)
			continue
		}

		switch {
		case rep.Type == protocol.ReportIteration:
			if rep.Iteration == nil {
				failure = errors.New("iteration report without a record")
				r.stop(h)
				continue
			}
			rec := *rep.Iteration
			rec.Key = h.Key
			if err := r.reporter.ReportIteration(h, rec); err != nil {
				logger.WithError(err).Errorf("iteration %d run %d not recorded, stopping worker", rec.Iteration, rec.ModelRun)
				rejected = err
				r.stop(h)
				continue
			}
			if err := h.enc.Encode(protocol.Control{Type: protocol.ControlAck, Seq: rep.Seq}); err != nil {
				logger.WithError(err).Debug("acknowledgement not delivered")
			}
		case rep.Terminal():
			terminal = &rep
			_ = h.proc.Stdin().Close()
		default:
			logger.Warnf("ignoring unknown report %q", rep.Type)
		}
	}
	waitErr := h.proc.Wait()

	out := outcome(h, terminal, failure, rejected, waitErr)
	if out.Err != nil {
		logger.WithError(out.Err).Infof("worker exited: %s", out.State)
	} else {
		logger.Infof("worker exited: %s", out.State)
	}

	r.mu.Lock()
	delete(r.active, h.ID)
	r.mu.Unlock()

	h.outcome = out
	r.reporter.ReportExit(h, out)
	close(h.done)
}

// stop kills a worker whose progress can no longer be recorded.
func (r *Runner) stop(h *Handle) {
	if err := h.proc.Kill(); err != nil {
		r.log.WithError(err).Warnf("killing worker for %s", h.Key)
	}
}

func outcome(h *Handle, terminal *protocol.Report, failure, rejected, waitErr error) Outcome {
	switch {
	case h.timedOut.Load():
		return Outcome{State: model.StateFailed, Err: ErrWorkerTimeout}
	case rejected != nil:
		// 记录没有落盘: 该迭代会在恢复时重新执行
		return Outcome{State: model.StatePaused, Err: rejected}
	case failure != nil:
		return Outcome{State: model.StateFailed, Err: errors.Wrap(ErrWorkerCrash, failure.Error())}
	case terminal == nil:
		if waitErr != nil {
			return Outcome{State: model.StateFailed, Err: errors.Wrap(ErrWorkerCrash, waitErr.Error())}
		}
		return Outcome{State: model.StateFailed, Err: ErrWorkerCrash}
	}

	switch terminal.Type {
	case protocol.ReportCompleted:
		return Outcome{State: model.StateCompleted}
	case protocol.ReportPaused:
		return Outcome{State: model.StatePaused}
	default:
		msg := terminal.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		return Outcome{State: model.StateFailed, Err: errors.New(msg)}
	}
}

// drain reaps a worker that never got its start request.
func drain(p Process) {
	_, _ = io.Copy(io.Discard, p.Stdout())
	_ = p.Wait()
}
