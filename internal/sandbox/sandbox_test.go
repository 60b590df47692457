package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestChildEnvIsSealed(t *testing.T) {
	// Host credentials must never leak into the child, set or not.
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "oauth-secret")
	t.Setenv("TAVILY_API_KEY", "tvly-secret")

	env := childEnv(Config{
		Workspace: "/ws",
		IPCSocket: "/sock/ipc.sock",
		Skills:    "/ws/skills",
		AgentDir:  "/data/agents/default",
	})

	allowed := map[string]bool{
		"PATH": true, "HOME": true,
		"AX_IPC_SOCKET": true, "AX_WORKSPACE": true, "AX_SKILLS": true, "AX_AGENT_DIR": true,
	}
	for _, kv := range env {
		key := kv[:strings.Index(kv, "=")]
		if !allowed[key] {
			t.Errorf("unexpected child env var %q", key)
		}
		if strings.Contains(kv, "secret") {
			t.Errorf("credential leaked into child env: %q", kv)
		}
	}
	if len(env) != len(allowed) {
		t.Errorf("env: got %d vars, want %d", len(env), len(allowed))
	}
}

func TestChildEnvPointsHomeAtWorkspace(t *testing.T) {
	env := childEnv(Config{Workspace: "/tmp/ws"})
	var home string
	for _, kv := range env {
		if strings.HasPrefix(kv, "HOME=") {
			home = strings.TrimPrefix(kv, "HOME=")
		}
	}
	if home != "/tmp/ws" {
		t.Errorf("HOME: got %q, want the workspace", home)
	}
}

func TestSpawnRequiresCommand(t *testing.T) {
	r := NewSubprocessRunner()
	if _, err := r.Spawn(context.Background(), Config{Workspace: t.TempDir()}); err == nil {
		t.Error("spawn without a command succeeded")
	}
}

func TestSubprocessRoundTrip(t *testing.T) {
	r := NewSubprocessRunner()
	proc, err := r.Spawn(context.Background(), Config{
		Workspace:  t.TempDir(),
		TimeoutSec: 30,
		Command:    []string{"/bin/sh", "-c", "cat >/dev/null; echo reply; echo '[llm] done' >&2"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := io.WriteString(proc.Stdin(), `{"message":"hi"}`); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	proc.Stdin().Close()

	stdout, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	stderr, err := io.ReadAll(proc.Stderr())
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}

	code, err := proc.Wait()
	if err != nil || code != 0 {
		t.Fatalf("Wait: code %d, %v", code, err)
	}
	if strings.TrimSpace(string(stdout)) != "reply" {
		t.Errorf("stdout: %q", stdout)
	}
	if !strings.Contains(string(stderr), "[llm] done") {
		t.Errorf("stderr: %q", stderr)
	}
}

func TestSubprocessNonZeroExit(t *testing.T) {
	r := NewSubprocessRunner()
	proc, err := r.Spawn(context.Background(), Config{
		Workspace:  t.TempDir(),
		TimeoutSec: 30,
		Command:    []string{"/bin/sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc.Stdin().Close()
	io.Copy(io.Discard, proc.Stdout())
	io.Copy(io.Discard, proc.Stderr())

	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code: got %d, want 3", code)
	}
}

func TestSubprocessTimeoutKills(t *testing.T) {
	r := NewSubprocessRunner()
	proc, err := r.Spawn(context.Background(), Config{
		Workspace:  t.TempDir(),
		TimeoutSec: 1,
		Command:    []string{"/bin/sh", "-c", "sleep 60"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc.Stdin().Close()
	io.Copy(io.Discard, proc.Stdout())
	io.Copy(io.Discard, proc.Stderr())

	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code == 0 {
		t.Error("timed-out process reported a clean exit")
	}
}
