package worker

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"expqueue/pkg/model"
	"expqueue/pkg/protocol"
)

// Agent runs the optimization loop of one experiment and reports every model run.
type Agent struct {
	trainer Trainer
	paused  atomic.Bool
	log     *log.Entry
}

func NewAgent(t Trainer) *Agent {
	return &Agent{
		trainer: t,
		log:     log.WithField("component", "worker"),
	}
}

// RequestPause makes the agent stop before its next model run, as if the runner
// had sent a pause control.
func (a *Agent) RequestPause() {
	a.paused.Store(true)
}

// Serve 读取启动请求，执行迭代并逐条上报
// It returns after writing a terminal report, or with an error when the stream breaks
// or ctx is cancelled.
func (a *Agent) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	var req protocol.StartRequest
	if err := dec.Decode(&req); err != nil {
		return errors.Wrap(err, "reading start request")
	}
	logger := a.log.WithFields(log.Fields{"batch": req.Key.Batch, "experiment": req.Key.Experiment})
	logger.Infof("starting at iteration %d run %d", req.Resume.Iteration, req.Resume.ModelRun)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	acks := make(chan uint64, 1)
	go a.readControls(ctx, cancel, dec, acks)

	cfg := req.Config
	sampler := NewSampler(cfg)
	var seq uint64
	for it := req.Resume.Iteration; it < cfg.Optimization.Iterations; it++ {
		point := sampler.Point(it)
		first := 0
		if it == req.Resume.Iteration {
			first = req.Resume.ModelRun
		}
		for run := first; run < cfg.Optimization.ModelRuns; run++ {
			// 每个已确认的 model run 之后检查暂停
			if a.paused.Load() {
				logger.Infof("paused before iteration %d run %d", it, run)
				return enc.Encode(protocol.Report{Type: protocol.ReportPaused})
			}
			res, err := a.trainer.Train(ctx, TrainRequest{
				Key:       req.Key,
				Config:    cfg,
				Iteration: it,
				ModelRun:  run,
				Point:     point,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.WithError(err).Errorf("iteration %d run %d failed", it, run)
				_ = enc.Encode(protocol.Report{Type: protocol.ReportFailed, Error: err.Error()})
				return err
			}

			seq++
			rec := model.IterationRecord{
				Key:       req.Key,
				Iteration: it,
				ModelRun:  run,
				Point:     point,
				Metrics:   res.Metrics,
				ModelRef:  res.ModelRef,
			}
			if err := enc.Encode(protocol.Report{Type: protocol.ReportIteration, Seq: seq, Iteration: &rec}); err != nil {
				return err
			}

			select {
			case got := <-acks:
				if got != seq {
					return errors.Errorf("acknowledgement for %d while waiting for %d", got, seq)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	logger.Info("optimization finished")
	return enc.Encode(protocol.Report{Type: protocol.ReportCompleted})
}

// readControls feeds acknowledgements and pause requests until the input closes, which
// means the runner has gone away.
func (a *Agent) readControls(
	ctx context.Context, cancel context.CancelFunc, dec *protocol.Decoder, acks chan<- uint64,
) {
	defer cancel()
	for {
		var c protocol.Control
		if err := dec.Decode(&c); err != nil {
			if err != io.EOF {
				a.log.WithError(err).Warn("control stream broken")
			}
			return
		}
		switch c.Type {
		case protocol.ControlAck:
			select {
			case acks <- c.Seq:
			case <-ctx.Done():
				return
			}
		case protocol.ControlPause:
			a.RequestPause()
		default:
			a.log.Warnf("ignoring unknown control %q", c.Type)
		}
	}
}
