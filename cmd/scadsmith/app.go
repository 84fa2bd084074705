package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"scadsmith/internal/config"
	"scadsmith/internal/perception"
	"scadsmith/internal/render"
	"scadsmith/internal/session"
	"scadsmith/internal/store"
	"scadsmith/internal/tactile"
	"scadsmith/internal/types"
)

// newLLMClient is swapped out in tests.
var newLLMClient = func(ctx context.Context, cfg *config.Config) (types.LLMClient, error) {
	return perception.NewClientFromConfig(ctx, cfg)
}

// app bundles everything a design command needs.
type app struct {
	workspace    string
	cfg          *config.Config
	orchestrator *render.Orchestrator
	history      *store.HistoryStore
	pipeline     *session.Pipeline
}

// newRenderer builds the orchestrator for the loaded config.
func newRenderer(cfg *config.Config, ws string) *render.Orchestrator {
	executor := tactile.NewDirectExecutorWithConfig(render.ExecutorConfig(cfg.Renderer))
	executor.SetAuditCallback(func(ev tactile.AuditEvent) {
		if ev.Type == tactile.AuditEventKilled && ev.Result != nil && logger != nil {
			logger.Warn("Renderer killed",
				zap.String("command", ev.Command.CommandString()),
				zap.String("reason", ev.Result.KillReason))
		}
	})
	return render.NewOrchestrator(executor, cfg.Renderer, render.WithArtifactsRoot(cfg.RendersRoot(ws)))
}

// openApp wires config, renderer, history and session manager. needClient
// is false for commands that never talk to the model.
func openApp(ctx context.Context, needClient bool) (*app, error) {
	ws := resolveWorkspace()
	a := &app{workspace: ws, cfg: cfg}

	if err := os.MkdirAll(cfg.StateDir(ws), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	var client types.LLMClient
	if needClient {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		c, err := newLLMClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		client = c
	}

	a.orchestrator = newRenderer(cfg, ws)

	var opts []session.Option
	if cfg.Session.RecordHistory {
		h, err := store.NewHistoryStore(cfg.HistoryDBPath(ws))
		if err != nil {
			logger.Warn("History disabled", zap.Error(err))
		} else {
			a.history = h
			opts = append(opts, session.WithRecorder(h))
		}
	}

	mgr := session.NewManager(client, session.NewFileStore(cfg.SessionPath(ws)), opts...)
	a.pipeline = session.NewPipeline(mgr, a.orchestrator)
	logger.Debug("App wired",
		zap.String("workspace", ws),
		zap.String("provider", cfg.LLM.Provider),
		zap.Bool("history", a.history != nil))
	return a, nil
}

// openHistory opens the history database for read-only commands.
func openHistory() (*store.HistoryStore, error) {
	path := cfg.HistoryDBPath(resolveWorkspace())
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no history recorded yet (%s)", path)
	}
	return store.NewHistoryStore(path)
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Warn("Failed to close history", zap.Error(err))
		}
	}
}

// ensureRenderer fails early with a clear message when openscad is missing.
func (a *app) ensureRenderer(ctx context.Context) error {
	version, err := a.orchestrator.Probe(ctx)
	if err != nil {
		return fmt.Errorf("renderer unavailable: %w (install OpenSCAD or set renderer.binary)", err)
	}
	logger.Debug("Renderer found", zap.String("version", version))
	return nil
}
