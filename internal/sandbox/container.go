package sandbox

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/ax/internal/observability"
)

// Container paths the agent sees. Host paths from Config are bound onto
// these; nothing else of the host filesystem is visible.
const (
	ctrWorkspace = "/workspace"
	ctrSkills    = "/workspace/skills"
	ctrScratch   = "/scratch"
	ctrAgentDir  = "/agent"
	ctrIPCDir    = "/ipc"
)

const (
	containerLabel = "ax.managed-by"
	labelValue     = "ax"
)

// ContainerRunner runs the agent in a Docker container with the identity
// directory mounted read-only, the workspace and scratch writable, and no
// network. The IPC socket reaches the agent through a bind of its directory.
type ContainerRunner struct {
	client *dockerclient.Client
}

// NewContainerRunner connects to the Docker engine via DOCKER_HOST or the
// default socket.
func NewContainerRunner() (*ContainerRunner, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &ContainerRunner{client: cli}, nil
}

// Spawn creates, attaches and starts one agent container.
func (r *ContainerRunner) Spawn(ctx context.Context, cfg Config) (Process, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox: container backend requires an image")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("sandbox: no command configured")
	}

	socketName := filepath.Base(cfg.IPCSocket)
	env := []string{
		"HOME=" + ctrWorkspace,
		"AX_IPC_SOCKET=" + filepath.Join(ctrIPCDir, socketName),
		"AX_WORKSPACE=" + ctrWorkspace,
		"AX_SKILLS=" + ctrSkills,
		"AX_AGENT_DIR=" + ctrAgentDir,
	}

	binds := []string{
		cfg.Workspace + ":" + ctrWorkspace,
		cfg.ScratchDir + ":" + ctrScratch,
		cfg.AgentDir + ":" + ctrAgentDir + ":ro",
		filepath.Dir(cfg.IPCSocket) + ":" + ctrIPCDir,
	}

	hostCfg := &container.HostConfig{
		Binds:       binds,
		NetworkMode: "none",
		AutoRemove:  false,
	}
	if cfg.MemoryMB > 0 {
		hostCfg.Resources = container.Resources{Memory: int64(cfg.MemoryMB) << 20}
	}

	created, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Command,
		Env:          env,
		WorkingDir:   ctrWorkspace,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{containerLabel: labelValue},
	}, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	attach, err := r.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: attach container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = r.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	proc := newContainerProcess(r.client, created.ID, attach)

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	go proc.reap(ctx, timeout)

	return proc, nil
}

type containerProcess struct {
	client      *dockerclient.Client
	containerID string
	attach      types.HijackedResponse
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	done        chan struct{}
}

// newContainerProcess demultiplexes the attached multiplexed stream into
// separate stdout and stderr pipes, matching the subprocess backend's
// contract.
func newContainerProcess(cli *dockerclient.Client, id string, attach types.HijackedResponse) *containerProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return &containerProcess{
		client:      cli,
		containerID: id,
		attach:      attach,
		stdin:       &hijackedStdin{attach: attach},
		stdout:      outR,
		stderr:      errR,
		done:        make(chan struct{}),
	}
}

// hijackedStdin writes to the attached connection and half-closes it on
// Close so the agent sees EOF on its stdin.
type hijackedStdin struct {
	attach types.HijackedResponse
}

func (h *hijackedStdin) Write(p []byte) (int, error) {
	return h.attach.Conn.Write(p)
}

func (h *hijackedStdin) Close() error {
	return h.attach.CloseWrite()
}

func (p *containerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *containerProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *containerProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *containerProcess) reap(ctx context.Context, timeout time.Duration) {
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.Kill()
	case <-time.After(timeout):
		observability.WithTrace(ctx).Warn("sandbox: container timed out, removing",
			"container", p.containerID)
		_ = p.Kill()
	}
}

// Wait blocks until the container exits, then removes it.
func (p *containerProcess) Wait() (int, error) {
	waitCh, errCh := p.client.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	var code int
	select {
	case res := <-waitCh:
		code = int(res.StatusCode)
	case err := <-errCh:
		close(p.done)
		return -1, fmt.Errorf("sandbox: container wait: %w", err)
	}
	close(p.done)
	p.attach.Close()
	_ = p.client.ContainerRemove(context.Background(), p.containerID, container.RemoveOptions{Force: true})
	return code, nil
}

// Kill force-removes the container.
func (p *containerProcess) Kill() error {
	p.attach.Close()
	return p.client.ContainerRemove(context.Background(), p.containerID, container.RemoveOptions{Force: true})
}
