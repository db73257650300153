package runner

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"expqueue/internal/worker"
	"expqueue/pkg/model"
)

var errKilled = errors.New("worker killed")

// ServeFunc is the body of an in-process worker.
type ServeFunc func(ctx context.Context, in io.Reader, out io.Writer) error

// LocalExecutor runs workers as goroutines connected through pipes. It is what the tests
// and single-binary setups use; a trainer that ignores its context cannot be stopped, only
// abandoned, so production setups should prefer ProcessExecutor.
type LocalExecutor struct {
	Serve ServeFunc
}

// NewLocalExecutor serves every launch with a fresh worker.Agent around t.
func NewLocalExecutor(t worker.Trainer) *LocalExecutor {
	return &LocalExecutor{Serve: func(ctx context.Context, in io.Reader, out io.Writer) error {
		return worker.NewAgent(t).Serve(ctx, in, out)
	}}
}

func (e *LocalExecutor) Launch(ctx context.Context, key model.Key) (Process, error) {
	if e.Serve == nil {
		return nil, errors.New("local executor has no serve function")
	}
	ctx, cancel := context.WithCancel(ctx)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &localProcess{
		inR: inR, inW: inW,
		outR: outR, outW: outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		p.finish(e.Serve(ctx, inR, outW))
	}()
	return p, nil
}

type localProcess struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	err    error
}

func (p *localProcess) Stdin() io.WriteCloser { return p.inW }

func (p *localProcess) Stdout() io.Reader { return p.outR }

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *localProcess) Kill() error {
	p.finish(errKilled)
	return nil
}

// finish 只执行一次: 记录退出原因并关闭两条管道
func (p *localProcess) finish(err error) {
	p.once.Do(func() {
		p.err = err
		p.cancel()
		_ = p.inR.CloseWithError(io.ErrClosedPipe)
		_ = p.outW.Close()
		close(p.done)
	})
}
