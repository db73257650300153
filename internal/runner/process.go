package runner

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"expqueue/pkg/model"
)

// ProcessExecutor starts the worker binary as a child process. Its stderr is forwarded to
// the log.
type ProcessExecutor struct {
	Command []string
	Env     []string
}

func (e *ProcessExecutor) Launch(ctx context.Context, key model.Key) (Process, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("no worker command configured")
	}
	// 不使用 CommandContext: 进程的生命周期由 runner 控制
	cmd := exec.Command(e.Command[0], e.Command[1:]...) // #nosec G204
	cmd.Env = append(os.Environ(), e.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "worker stdout")
	}
	stderr := log.WithFields(log.Fields{
		"component":  "worker",
		"batch":      key.Batch,
		"experiment": key.Experiment,
	}).WriterLevel(log.InfoLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		return nil, errors.Wrapf(err, "starting %s", e.Command[0])
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *io.PipeWriter
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.stderr.Close()
	return err
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}
