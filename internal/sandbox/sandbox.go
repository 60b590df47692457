// Package sandbox spawns the agent process for one completion with a sealed
// environment: a workspace, a scratch directory, the IPC socket, and nothing
// else. No host credential variable ever reaches a child, whichever backend
// is active.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/bdobrica/ax/internal/observability"
)

// Config describes one spawn. All paths are host paths; the container
// backend remaps them.
type Config struct {
	Workspace      string
	Skills         string
	IPCSocket      string
	AgentDir       string
	AgentWorkspace string
	UserWorkspace  string
	ScratchDir     string
	TimeoutSec     int
	MemoryMB       int
	Command        []string
	Image          string
}

// Process is a running sandboxed agent. Stdout and stderr must be drained
// concurrently; Wait returns after both streams close.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Wait() (exitCode int, err error)
	Kill() error
}

// Runner spawns sandboxed agent processes.
type Runner interface {
	Spawn(ctx context.Context, cfg Config) (Process, error)
}

// childEnv builds the sealed environment. PATH is inherited so the command
// resolves; HOME points at the workspace so nothing the agent writes by
// habit lands outside it.
func childEnv(cfg Config) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + cfg.Workspace,
		"AX_IPC_SOCKET=" + cfg.IPCSocket,
		"AX_WORKSPACE=" + cfg.Workspace,
		"AX_SKILLS=" + cfg.Skills,
		"AX_AGENT_DIR=" + cfg.AgentDir,
	}
}

// SubprocessRunner runs the agent as a plain child process. It provides the
// sealed environment and the timeout but no filesystem or network isolation.
// Development only.
type SubprocessRunner struct{}

// NewSubprocessRunner returns the dev-only backend and logs the missing
// isolation so it cannot be enabled silently.
func NewSubprocessRunner() *SubprocessRunner {
	observability.WithTrace(context.Background()).Warn(
		"sandbox: subprocess backend provides no isolation, development only")
	return &SubprocessRunner{}
}

// Spawn starts the agent command in its own process group so a timeout can
// kill the whole tree.
func (r *SubprocessRunner) Spawn(ctx context.Context, cfg Config) (Process, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("sandbox: no command configured")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Workspace
	cmd.Env = childEnv(cfg)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start agent process: %w", err)
	}

	proc := &subprocess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	go proc.reap(ctx, timeout)

	return proc, nil
}

type subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	done   chan struct{}
}

func (p *subprocess) Stdin() io.WriteCloser { return p.stdin }
func (p *subprocess) Stdout() io.ReadCloser { return p.stdout }
func (p *subprocess) Stderr() io.ReadCloser { return p.stderr }

// reap kills the process group when the timeout elapses or the caller's
// context is cancelled before the process exits.
func (p *subprocess) reap(ctx context.Context, timeout time.Duration) {
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.Kill()
	case <-time.After(timeout):
		observability.WithTrace(ctx).Warn("sandbox: agent process timed out, killing process group",
			"pid", p.cmd.Process.Pid)
		_ = p.Kill()
	}
}

// Wait blocks until the process exits and returns its exit code.
func (p *subprocess) Wait() (int, error) {
	err := p.cmd.Wait()
	close(p.done)
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("sandbox: wait: %w", err)
}

// Kill terminates the whole process group.
func (p *subprocess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}
