// Package pipeline runs one completion end to end: claim the queued message,
// materialise the workspace, build and maybe compact history, start the
// per-completion IPC server (and upstream proxy when needed), spawn the
// sandbox, stream its output, scan the reply, and persist the turns.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bdobrica/ax/internal/bus"
	"github.com/bdobrica/ax/internal/compactor"
	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/creds"
	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/proposals"
	"github.com/bdobrica/ax/internal/providers"
	"github.com/bdobrica/ax/internal/proxy"
	"github.com/bdobrica/ax/internal/router"
	"github.com/bdobrica/ax/internal/sandbox"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/security/taint"
	"github.com/bdobrica/ax/internal/store"
	"github.com/bdobrica/ax/internal/upstream"
)

// Pipeline executes completions. It is safe for concurrent use: completions
// for distinct sessions run in parallel, completions for one session are
// serialised so their turns persist in order.
type Pipeline struct {
	cfg       *config.Config
	store     *store.Store
	router    *router.Router
	scanner   *scanner.Scanner
	budget    *taint.Budget
	proposals *proposals.Store
	scheduler providers.SchedulerService
	upstream  *upstream.Client
	refresher *creds.Refresher
	runner    sandbox.Runner
	validator *ipc.Validator

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serialises completions for one session. The refcount lets the
// map entry be dropped once no completion holds or awaits it.
type sessionLock struct {
	sync.Mutex
	refs int
}

// New wires a Pipeline from its collaborators.
func New(cfg *config.Config, st *store.Store, rt *router.Router, sc *scanner.Scanner,
	budget *taint.Budget, props *proposals.Store, sched providers.SchedulerService,
	up *upstream.Client, refresher *creds.Refresher, runner sandbox.Runner,
	validator *ipc.Validator) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		router:    rt,
		scanner:   sc,
		budget:    budget,
		proposals: props,
		scheduler: sched,
		upstream:  up,
		refresher: refresher,
		runner:    runner,
		validator: validator,
		locks:     make(map[string]*sessionLock),
	}
}

// Request identifies one queued message to complete. The router has already
// run: the message is enqueued and the canary minted.
type Request struct {
	SessionID   string
	MessageID   string
	CanaryToken string

	// ParentSessionID is set for thread sessions; its recent turns are
	// prepended to the thread history.
	ParentSessionID string

	UserID string

	// Ephemeral sessions keep no durable history or workspace; PriorTurns
	// is the client-supplied context for them.
	Ephemeral  bool
	PriorTurns []bus.Turn

	ReplyOptional bool
}

// Result is the outcome of one completion.
type Result struct {
	Content      string
	Scan         scanner.Result
	CanaryLeaked bool
}

// stdinPayload is the single JSON object written to the agent's stdin.
type stdinPayload struct {
	History        []bus.Turn `json:"history"`
	Message        string     `json:"message"`
	TaintRatio     float64    `json:"taintRatio"`
	TaintThreshold float64    `json:"taintThreshold"`
	Profile        string     `json:"profile"`
	SandboxType    string     `json:"sandboxType"`
	UserID         string     `json:"userId,omitempty"`
	ReplyOptional  bool       `json:"replyOptional"`
	AgentID        string     `json:"agentId,omitempty"`
	AgentWorkspace string     `json:"agentWorkspace,omitempty"`
	UserWorkspace  string     `json:"userWorkspace,omitempty"`
	ScratchDir     string     `json:"scratchDir,omitempty"`
}

// Run executes one completion. At most one completion per session runs at a
// time; a second request for the same session waits for the first. The queued
// message is marked complete or failed before return; the session canary is
// always dropped.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	unlock := p.lockSession(req.SessionID)
	defer unlock()
	defer p.router.ForgetCanary(req.SessionID)

	msg, err := p.store.DequeueByID(ctx, req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("claim message %s: %w", req.MessageID, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s is not pending", req.MessageID)
	}

	result, err := p.complete(ctx, req, msg)
	if err != nil {
		if failErr := p.store.Fail(ctx, req.MessageID); failErr != nil {
			observability.WithTrace(ctx).Warn("pipeline: mark failed errored",
				"message", req.MessageID, "err", failErr)
		}
		return nil, err
	}

	if err := p.store.Complete(ctx, req.MessageID); err != nil {
		observability.WithTrace(ctx).Warn("pipeline: mark complete errored",
			"message", req.MessageID, "err", err)
	}
	return result, nil
}

// lockSession acquires the per-session completion lock and returns its
// release function.
func (p *Pipeline) lockSession(sessionID string) func() {
	p.mu.Lock()
	l := p.locks[sessionID]
	if l == nil {
		l = &sessionLock{}
		p.locks[sessionID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, sessionID)
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) complete(ctx context.Context, req Request, msg *store.QueuedMessage) (*Result, error) {
	log := observability.WithTrace(ctx)

	workspace, cleanupWorkspace, err := workspaceFor(p.cfg, req.SessionID, req.Ephemeral)
	if err != nil {
		return nil, err
	}
	defer cleanupWorkspace()

	skillsDir, err := syncSkills(p.cfg.SkillsDir(), workspace)
	if err != nil {
		return nil, err
	}

	scratchDir, err := os.MkdirTemp("", "ax-scratch-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	history, err := p.buildHistory(ctx, req)
	if err != nil {
		return nil, err
	}
	history = p.maybeCompact(ctx, history)

	direct := p.cfg.DirectUpstream()
	if direct {
		p.refresher.EnsureOAuthTokenFresh(ctx)
		if !creds.HasCredentials() {
			return nil, fmt.Errorf("no upstream credentials configured; set %s or run the configure command", creds.EnvAPIKey)
		}
	}

	// One directory holds the per-completion sockets so the container
	// backend can bind-mount it whole.
	commDir, err := os.MkdirTemp("", "ax-ipc-")
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	defer os.RemoveAll(commDir)

	var upstreamProxy *proxy.Proxy
	if direct {
		upstreamProxy = proxy.New(filepath.Join(commDir, "upstream.sock"),
			p.cfg.Upstream.BaseURL, creds.Source(), p.refresher.RefreshFromEnv)
		if err := upstreamProxy.Start(); err != nil {
			return nil, err
		}
		defer upstreamProxy.Stop(ctx)
	}

	handlers := providers.BuildHandlers(providers.Deps{
		Config:     p.cfg,
		Store:      p.store,
		Proposals:  p.proposals,
		Scanner:    p.scanner,
		Budget:     p.budget,
		Scheduler:  p.scheduler,
		Upstream:   p.upstream,
		ScratchDir: scratchDir,
	})
	ipcServer := ipc.NewServer(filepath.Join(commDir, "ipc.sock"), ipc.RequestContext{
		SessionID: req.SessionID,
		AgentID:   p.cfg.AgentID,
		UserID:    req.UserID,
	}, p.validator, handlers)
	if err := ipcServer.Start(); err != nil {
		return nil, err
	}
	defer ipcServer.Stop()

	agentWorkspace := filepath.Join(p.cfg.AgentDir(), "workspace")
	userWorkspace := ""
	if req.UserID != "" {
		userWorkspace = filepath.Join(p.cfg.AgentDir(), "users", req.UserID, "workspace")
	}

	proc, err := p.runner.Spawn(ctx, sandbox.Config{
		Workspace:      workspace,
		Skills:         skillsDir,
		IPCSocket:      ipcServer.SocketPath(),
		AgentDir:       p.cfg.AgentDir(),
		AgentWorkspace: agentWorkspace,
		UserWorkspace:  userWorkspace,
		ScratchDir:     scratchDir,
		TimeoutSec:     p.cfg.Sandbox.TimeoutSec,
		MemoryMB:       p.cfg.Sandbox.MemoryMB,
		Command:        p.cfg.Sandbox.Command,
		Image:          p.cfg.Sandbox.Image,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn sandbox: %w", err)
	}

	payload := stdinPayload{
		History:        history,
		Message:        msg.Content,
		TaintRatio:     p.budget.Ratio(req.SessionID),
		TaintThreshold: p.budget.Threshold(),
		Profile:        string(p.cfg.Profile),
		SandboxType:    p.cfg.Sandbox.Type,
		UserID:         req.UserID,
		ReplyOptional:  req.ReplyOptional,
		AgentID:        p.cfg.AgentID,
		AgentWorkspace: agentWorkspace,
		UserWorkspace:  userWorkspace,
		ScratchDir:     scratchDir,
	}
	if err := writeStdin(proc.Stdin(), payload); err != nil {
		_ = proc.Kill()
		return nil, err
	}

	// Both streams must be fully received before Wait: the subprocess
	// backend serves them through exec pipes, which Wait closes.
	stdout, stderr := drain(ctx, proc, append(creds.SecretValues(), req.CanaryToken)...)
	reply := strings.TrimSpace(<-stdout)
	stderrText := <-stderr
	exitCode, waitErr := proc.Wait()

	if waitErr != nil {
		return nil, fmt.Errorf("sandbox wait: %w", waitErr)
	}
	if exitCode != 0 {
		hint := diagnose(stderrText)
		log.Warn("pipeline: agent exited non-zero",
			"session", req.SessionID, "exitCode", exitCode, "hint", hint)
		return nil, fmt.Errorf("agent failed (exit %d): %s", exitCode, hint)
	}

	out := p.router.ProcessOutbound(ctx, reply, req.SessionID, req.CanaryToken)

	p.memorize(req.SessionID, msg.Content, out.Content)

	if !req.Ephemeral {
		p.persistTurns(ctx, req, msg, out.Content)
	}

	return &Result{
		Content:      out.Content,
		Scan:         out.Scan,
		CanaryLeaked: out.CanaryLeaked,
	}, nil
}

// buildHistory assembles the prompt history for the session, including
// parent-channel context for threads.
func (p *Pipeline) buildHistory(ctx context.Context, req Request) ([]bus.Turn, error) {
	if req.Ephemeral {
		return req.PriorTurns, nil
	}

	turns, err := p.store.LoadTurns(ctx, req.SessionID, p.cfg.History.MaxTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]bus.Turn, 0, len(turns))
	for _, t := range turns {
		history = append(history, bus.Turn{Role: t.Role, Content: t.Content, Sender: t.Sender})
	}

	if req.ParentSessionID == "" || p.cfg.History.ThreadContextTurns <= 0 {
		return history, nil
	}

	parent, err := p.store.LoadTurns(ctx, req.ParentSessionID, p.cfg.History.ThreadContextTurns)
	if err != nil {
		return nil, fmt.Errorf("load parent history: %w", err)
	}
	prefix := make([]bus.Turn, 0, len(parent))
	for _, t := range parent {
		prefix = append(prefix, bus.Turn{Role: t.Role, Content: t.Content, Sender: t.Sender})
	}
	// The thread's first turn is often the mirrored parent message.
	if len(prefix) > 0 && len(history) > 0 && prefix[len(prefix)-1].Content == history[0].Content {
		prefix = prefix[:len(prefix)-1]
	}
	return append(prefix, history...), nil
}

// maybeCompact runs the history compactor when the estimated token count
// crosses the threshold. Compaction failure falls back inside the compactor.
func (p *Pipeline) maybeCompact(ctx context.Context, history []bus.Turn) []bus.Turn {
	window := p.cfg.History.ContextWindow
	if window <= 0 {
		return history
	}
	return compactor.Compact(ctx, history, p.upstream.Summarize, window)
}

// writeStdin sends the single payload object and closes the pipe so the
// agent sees EOF.
func writeStdin(w io.WriteCloser, payload stdinPayload) error {
	defer w.Close()
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("write agent stdin: %w", err)
	}
	return nil
}

// drain reads stdout and stderr concurrently. Stderr lines are teed to the
// structured logger, honouring the agent's "[tag] message" convention, with
// credentials and the session canary redacted before the line goes anywhere.
func drain(ctx context.Context, proc sandbox.Process, secrets ...string) (stdout, stderr chan string) {
	stdout = make(chan string, 1)
	stderr = make(chan string, 1)

	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, proc.Stdout())
		stdout <- buf.String()
	}()
	go func() {
		log := observability.WithTrace(ctx)
		var buf bytes.Buffer
		sc := bufio.NewScanner(proc.Stderr())
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := observability.RedactSecrets(sc.Text(), secrets...)
			buf.WriteString(line)
			buf.WriteByte('\n')
			tag, rest := splitStderrTag(line)
			log.Debug("agent: "+rest, "tag", tag)
		}
		stderr <- buf.String()
	}()
	return stdout, stderr
}

// splitStderrTag parses the agent's "[tag] message" stderr convention.
func splitStderrTag(line string) (tag, rest string) {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "]"); end > 1 {
			return line[1:end], strings.TrimSpace(line[end+1:])
		}
	}
	return "agent", line
}

// diagnose maps known failure fragments in agent stderr to user-facing hints.
func diagnose(stderrText string) string {
	lower := strings.ToLower(stderrText)
	switch {
	case strings.Contains(lower, "executable file not found"), strings.Contains(lower, "no such file"):
		return "agent command not found; check the sandbox command configuration"
	case strings.Contains(lower, "401"), strings.Contains(lower, "authentication"):
		return "upstream authentication failed; credentials may need to be refreshed"
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return "upstream rate limit hit; try again shortly"
	case strings.Contains(lower, "killed"), strings.Contains(lower, "signal: killed"):
		return "agent was killed, likely by the timeout or memory cap"
	case strings.TrimSpace(stderrText) == "":
		return "agent produced no diagnostics"
	default:
		return lastLine(stderrText)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// memorize feeds the exchange to the file memory, best effort.
func (p *Pipeline) memorize(sessionID, userMsg, reply string) {
	dir := filepath.Join(p.cfg.DataDir, "memory", "conversations")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	entry := fmt.Sprintf("## %s\n\nUser:\n%s\n\nAssistant:\n%s\n", sessionID, snippetOf(userMsg), snippetOf(reply))
	f, err := os.OpenFile(filepath.Join(dir, sessionDirName(sessionID)+".md"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(entry)
}

func snippetOf(s string) string {
	if len(s) > 2000 {
		return s[:2000] + "..."
	}
	return s
}

// persistTurns appends the user and assistant turns and prunes the session
// to the configured window.
func (p *Pipeline) persistTurns(ctx context.Context, req Request, msg *store.QueuedMessage, reply string) {
	log := observability.WithTrace(ctx)

	userContent := stripCanaryComment(msg.Content, req.CanaryToken)
	if err := p.store.AppendTurn(ctx, req.SessionID, "user", userContent, msg.Sender); err != nil {
		log.Warn("pipeline: append user turn failed", "session", req.SessionID, "err", err)
	}
	if reply != "" {
		if err := p.store.AppendTurn(ctx, req.SessionID, "assistant", reply, p.cfg.AgentID); err != nil {
			log.Warn("pipeline: append assistant turn failed", "session", req.SessionID, "err", err)
		}
	}

	count, err := p.store.CountTurns(ctx, req.SessionID)
	if err != nil {
		log.Warn("pipeline: count turns failed", "session", req.SessionID, "err", err)
		return
	}
	if count > p.cfg.History.MaxTurns {
		if err := p.store.PruneTurns(ctx, req.SessionID, p.cfg.History.MaxTurns); err != nil {
			log.Warn("pipeline: prune turns failed", "session", req.SessionID, "err", err)
		}
	}
}

// stripCanaryComment removes the canary marker the router appended before
// the turn is persisted.
func stripCanaryComment(content, token string) string {
	if token == "" {
		return content
	}
	return strings.TrimSuffix(content, "\n<!-- canary:"+token+" -->")
}
