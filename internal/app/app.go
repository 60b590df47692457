// Package app wires the AX host together: store, security components,
// scheduler, pipeline, and the HTTP front door. Construction is explicit so
// every dependency edge is visible here and nowhere else.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/creds"
	"github.com/bdobrica/ax/internal/httpapi"
	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/pipeline"
	"github.com/bdobrica/ax/internal/proposals"
	"github.com/bdobrica/ax/internal/providers"
	"github.com/bdobrica/ax/internal/router"
	"github.com/bdobrica/ax/internal/sandbox"
	"github.com/bdobrica/ax/internal/scheduler"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/security/taint"
	"github.com/bdobrica/ax/internal/store"
	"github.com/bdobrica/ax/internal/upstream"
)

// App is the assembled host.
type App struct {
	cfg *config.Config

	store     *store.Store
	router    *router.Router
	scheduler *scheduler.Scheduler
	pipeline  *pipeline.Pipeline
	api       *httpapi.Server
	refresher *creds.Refresher
}

// New builds the host from configuration. Nothing starts yet.
func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}
	if err := creds.LoadEnvFile(cfg.EnvFile()); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	sc := scanner.New()
	budget := taint.New(cfg.Profile.TaintThreshold(), cfg.SensitiveActionSet())
	rt := router.New(sc, budget, st)
	props := proposals.NewStore(st.DB())
	sched := scheduler.New(cfg, st)
	refresher := creds.NewRefresher(cfg.EnvFile())
	up := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Model, creds.Source())

	validator, err := ipc.NewValidator()
	if err != nil {
		st.Close()
		return nil, err
	}

	runner, err := buildRunner(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	pl := pipeline.New(cfg, st, rt, sc, budget, props, sched, up, refresher, runner, validator)
	api := httpapi.New(cfg, rt, pl)

	return &App{
		cfg:       cfg,
		store:     st,
		router:    rt,
		scheduler: sched,
		pipeline:  pl,
		api:       api,
		refresher: refresher,
	}, nil
}

// buildRunner selects the sandbox backend through the provider allowlist, so
// a configured backend name only ever maps to code via the static table.
func buildRunner(cfg *config.Config) (sandbox.Runner, error) {
	backend := cfg.Sandbox.Type
	if backend == "" {
		backend = "subprocess"
	}
	if _, err := providers.ResolveProviderPath("sandbox", backend); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if backend == "container" {
		return sandbox.NewContainerRunner()
	}
	return sandbox.NewSubprocessRunner(), nil
}

// Run starts everything and blocks until SIGINT/SIGTERM or ctx cancellation.
func (a *App) Run(ctx context.Context) error {
	log := observability.WithTrace(ctx)

	if err := pipeline.CollectGarbage(a.cfg); err != nil {
		log.Warn("app: workspace garbage collection failed", "err", err)
	}

	if err := a.scheduler.Start(ctx, a.handleScheduled); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	if err := a.api.Start(); err != nil {
		return err
	}
	defer a.api.Stop(context.Background())

	log.Info("app: host running",
		"profile", a.cfg.Profile,
		"agent", a.cfg.AgentID,
		"sandbox", a.cfg.Sandbox.Type,
		"socket", a.cfg.Socket())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("app: shutting down", "signal", sig.String())
	case <-ctx.Done():
		log.Info("app: shutting down", "reason", ctx.Err())
	}
	return a.Close()
}

// handleScheduled is the scheduler's dispatch target: route the message and
// run a completion for it. Replies go nowhere; scheduled work acts through
// IPC side effects.
func (a *App) handleScheduled(ctx context.Context, sessionID, content string) {
	log := observability.WithTrace(ctx)

	res, err := a.router.ProcessScheduled(ctx, sessionID, content)
	if err != nil {
		log.Warn("app: scheduled message rejected", "session", sessionID, "err", err)
		return
	}
	if !res.Queued {
		log.Warn("app: scheduled message blocked by scanner",
			"session", sessionID, "reason", res.Scan.Reason)
		return
	}

	if _, err := a.pipeline.Run(ctx, pipeline.Request{
		SessionID:     res.SessionID,
		MessageID:     res.MessageID,
		CanaryToken:   res.CanaryToken,
		ReplyOptional: true,
	}); err != nil {
		log.Warn("app: scheduled completion failed", "session", sessionID, "err", err)
	}
}

// Close releases held resources.
func (a *App) Close() error {
	return a.store.Close()
}
