package runner

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"expqueue/pkg/model"
)

type DockerOptions struct {
	Image      string
	Command    []string
	Binds      []string
	APIVersion string
	Limits     model.Resource
}

// DockerExecutor runs each worker in its own container, attached to its stdin and stdout.
type DockerExecutor struct {
	cli  *client.Client
	opts DockerOptions
}

// NewDockerExecutor 自动从环境变量连接本地 Docker
func NewDockerExecutor(opts DockerOptions) (*DockerExecutor, error) {
	if opts.Image == "" {
		return nil, errors.New("no worker image configured")
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	clientOpts := []client.Opt{client.FromEnv}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to docker")
	}
	return &DockerExecutor{cli: cli, opts: opts}, nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

func (e *DockerExecutor) Launch(ctx context.Context, key model.Key) (Process, error) {
	logger := log.WithFields(log.Fields{
		"component":  "docker",
		"batch":      key.Batch,
		"experiment": key.Experiment,
	})

	// 1. 创建容器, stdin 保持打开
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:        e.opts.Image,
		Cmd:          e.opts.Command,
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"expq.batch":      key.Batch,
			"expq.experiment": key.Experiment,
		},
	}, &container.HostConfig{
		Binds: e.opts.Binds,
		Resources: container.Resources{
			NanoCPUs: e.opts.Limits.NanoCPUs(),
			Memory:   e.opts.Limits.Memory,
		},
	}, nil, nil, "")
	if err != nil {
		return nil, errors.Wrap(err, "creating worker container")
	}
	id := resp.ID
	logger.Debugf("container created: %s", id[:12])

	// 2. 先 attach 再 start, 否则会丢失最早的输出
	hijacked, err := e.cli.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		e.remove(id)
		return nil, errors.Wrap(err, "attaching to worker container")
	}

	// 3. 启动容器
	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		hijacked.Close()
		e.remove(id)
		return nil, errors.Wrap(err, "starting worker container")
	}
	logger.Infof("worker container %s started", id[:12])

	// stdcopy 拆分 docker 的多路复用流: stdout 是协议, stderr 进日志
	stdoutR, stdoutW := io.Pipe()
	stderr := logger.WriterLevel(log.InfoLevel)
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderr, hijacked.Reader)
		_ = stdoutW.CloseWithError(err)
		_ = stderr.Close()
		copied <- err
	}()

	return &dockerProcess{
		exec:     e,
		id:       id,
		hijacked: hijacked,
		stdout:   stdoutR,
		copied:   copied,
	}, nil
}

// remove 清理容器, 就像 defer 垃圾回收
func (e *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		log.WithError(err).Warnf("removing container %s", id[:12])
	}
}

type dockerProcess struct {
	exec     *DockerExecutor
	id       string
	hijacked types.HijackedResponse
	stdout   *io.PipeReader
	copied   chan error
}

func (p *dockerProcess) Stdin() io.WriteCloser { return hijackedStdin{p.hijacked} }

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }

func (p *dockerProcess) Wait() error {
	defer p.exec.remove(p.id)
	defer p.hijacked.Close()

	var g errgroup.Group
	g.Go(func() error {
		return errors.Wrap(<-p.copied, "reading container output")
	})
	g.Go(func() error {
		statusCh, errCh := p.exec.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			return errors.Wrap(err, "waiting for container")
		case st := <-statusCh:
			if st.Error != nil {
				return errors.New(st.Error.Message)
			}
			if st.StatusCode != 0 {
				return errors.Errorf("container exited with status %d", st.StatusCode)
			}
			return nil
		}
	})
	return g.Wait()
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Wrap(p.exec.cli.ContainerKill(ctx, p.id, "SIGKILL"), "killing container")
}

// hijackedStdin closes only the write half, so the output stream stays readable.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (s hijackedStdin) Write(b []byte) (int, error) { return s.resp.Conn.Write(b) }

func (s hijackedStdin) Close() error { return s.resp.CloseWrite() }
