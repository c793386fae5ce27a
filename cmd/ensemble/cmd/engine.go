package cmd

import (
	"fmt"
	"time"

	"github.com/ensemble-ai/ensemble/internal/adapters/anthropic"
	"github.com/ensemble-ai/ensemble/internal/adapters/store"
	"github.com/ensemble-ai/ensemble/internal/bridge"
	"github.com/ensemble-ai/ensemble/internal/config"
	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/logging"
	"github.com/ensemble-ai/ensemble/internal/service"
	"github.com/ensemble-ai/ensemble/internal/workspace"
)

// engine bundles the wired components shared by serve and run.
type engine struct {
	hub        *events.Hub
	registry   *service.Registry
	editors    *service.EditorService
	bridge     *bridge.Bridge
	scheduler  *service.Scheduler
	workspaces *workspace.Manager
	store      core.Store
}

// buildEngine wires the engine bottom-up: store, hub, workspace manager,
// editor service, tool bridge, model client, runner, executor, scheduler.
func buildEngine(cfg *config.Config, logger *logging.Logger) (*engine, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	retention := cfg.Workspace.Grace()
	hub := events.NewHub(cfg.Orchestration.EventBufferSize, cfg.Orchestration.RingBufferSize, retention)
	registry := service.NewRegistry()
	workspaces := workspace.NewManager(cfg.Workspace.IsolatedRootPrefix, logger)

	editors := service.NewEditorService(st, cfg, logger)
	editors.SetExecutionVerifier(registry.Has)
	workspaces.SetReleaseHook(editors.ReleaseWorkspace)

	toolBridge := bridge.New(editors, hub, cfg.Bridge.InternalServiceToken,
		cfg.Timeouts.ToolCall(), cfg.Bridge.MaxConcurrentToolCalls, logger)

	model, err := buildModelClient(cfg, toolBridge, logger)
	if err != nil {
		return nil, err
	}

	runner := service.NewAgentRunner(model, hub, cfg.Timeouts.AgentTurn(), logger)
	executor := service.NewBlockExecutor(runner, workspaces, hub, bridge.Catalogue(),
		cfg.Timeouts.Block(), cfg.Model.Name, cfg.Model.MaxTokens,
		cfg.Bridge.InternalServiceToken, logger)
	scheduler := service.NewScheduler(executor, hub, workspaces, registry, st,
		cfg.Timeouts.Execution(), cfg.Workspace.Grace(),
		cfg.Orchestration.ParallelLevels, logger)

	return &engine{
		hub:        hub,
		registry:   registry,
		editors:    editors,
		bridge:     toolBridge,
		scheduler:  scheduler,
		workspaces: workspaces,
		store:      st,
	}, nil
}

func buildModelClient(cfg *config.Config, toolBridge *bridge.Bridge, logger *logging.Logger) (core.ModelClient, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		if cfg.Model.APIKey == "" {
			return nil, fmt.Errorf("model.api_key is required (set ANTHROPIC_API_KEY)")
		}
		return anthropic.NewClient(cfg.Model.APIKey, cfg.Model.Name, cfg.Model.MaxTokens, toolBridge, logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

// startSweepers reclaims retained logs, idle editor managers, and
// finished registry entries in the background.
func (e *engine) startSweepers(retention time.Duration) func() {
	ticker := time.NewTicker(time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.hub.Sweep()
				e.registry.Sweep(retention)
				e.editors.EvictIdle(retention)
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (e *engine) close() {
	e.hub.Close()
	_ = e.store.Close()
}
