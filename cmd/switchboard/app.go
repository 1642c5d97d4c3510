package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/credential"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/history"
	"github.com/nugget/switchboard/internal/httpkit"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/localagent"
	"github.com/nugget/switchboard/internal/orchestrator"
	"github.com/nugget/switchboard/internal/providers"
	"github.com/nugget/switchboard/internal/router"
	"github.com/nugget/switchboard/internal/runlog"
	"github.com/nugget/switchboard/internal/toolbridge"
	"github.com/nugget/switchboard/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

const helpExample = "model What is the capital of France?"

// app holds everything built from one configuration. Optional
// collaborators are nil when their section is not configured.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	history *history.Store
	runs    *runlog.Store
	usage   *usage.Store

	models  *llm.OpenAIClient
	agents  *agentsvc.Client
	session *orchestrator.Session
	probe   *toolbridge.Probe

	router *router.Router
}

// newApp opens the stores under cfg.DataDir and builds every provider.
// A provider whose section is incomplete is replaced by one that
// answers with the configuration diagnostic.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	var err error
	a.history, err = history.NewStore(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	a.runs, err = runlog.NewStore(filepath.Join(cfg.DataDir, "runs.db"))
	if err != nil {
		a.history.Close()
		return nil, fmt.Errorf("open run journal: %w", err)
	}
	a.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		a.runs.Close()
		a.history.Close()
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}

	tokenClient := httpkit.NewClient(httpkit.WithLogger(logger))

	// Base models.
	var model, goldfish providers.Provider
	if err := cfg.Models.Missing(); err != nil {
		logger.Warn("model providers disabled", "error", err)
		model, goldfish = providers.Disabled{Err: err}, providers.Disabled{Err: err}
	} else {
		a.models = llm.NewOpenAIClient(cfg.Models, nil, logger)
		m := providers.NewModel(a.models, a.history, cfg.Models, logger)
		m.RecordUsage(a.usage)
		g := providers.NewGoldfish(a.models, cfg.Models)
		g.RecordUsage(a.usage)
		model, goldfish = m, g
	}

	// Local CLI agent.
	var local providers.Provider
	if err := cfg.LocalAgent.Missing(); err != nil {
		logger.Warn("local agent disabled", "error", err)
		local = providers.Disabled{Err: err}
	} else {
		local = providers.Local{Runner: localagent.NewRunner(cfg.LocalAgent, logger)}
	}

	// Hosted agents and the tool bridge.
	var plain, tools providers.Provider
	if err := a.buildAgents(tokenClient); err != nil {
		logger.Warn("hosted agents disabled", "error", err)
		plain, tools = providers.Disabled{Err: err}, providers.Disabled{Err: err}
	} else {
		plain = providers.Agent{Session: a.session, Variant: orchestrator.VariantPlain}
		if err := a.session.Available(orchestrator.VariantTools); err != nil {
			tools = providers.Disabled{Err: err}
		} else {
			tools = providers.Agent{Session: a.session, Variant: orchestrator.VariantTools}
		}
	}

	a.router = router.NewRouter(logger, router.Config{
		Routes:  router.DefaultRoutes(model, goldfish, local, plain, tools),
		Example: helpExample,
		Events:  a.bus,
	})
	return a, nil
}

// buildAgents creates the agent service client and session. The tool
// bridge is attached when its section is complete; otherwise the tools
// variant stays unavailable and the reason is logged.
func (a *app) buildAgents(tokenClient *http.Client) error {
	cfg := a.cfg
	if err := cfg.Agents.Missing(); err != nil {
		return err
	}
	creds, err := credential.New(cfg.Agents.Auth, tokenClient)
	if err != nil {
		return fmt.Errorf("agent service credential: %w", err)
	}
	a.agents = agentsvc.New(cfg.Agents.Endpoint, cfg.Agents.APIVersion, creds, nil, a.logger)

	var bridge *orchestrator.Bridge
	if err := cfg.ToolBridge.Missing(); err != nil {
		a.logger.Warn("tool bridge disabled", "error", err)
	} else {
		bridgeCreds, err := credential.New(cfg.ToolBridge.Auth, tokenClient)
		if err != nil {
			a.logger.Warn("tool bridge disabled", "error", err)
		} else {
			bridge = &orchestrator.Bridge{
				Label:           cfg.ToolBridge.Label,
				URL:             cfg.ToolBridge.URL,
				AllowedTools:    cfg.ToolBridge.AllowedTools,
				RequireApproval: cfg.ToolBridge.RequireApproval,
				Credentials:     bridgeCreds,
			}
			a.probe = toolbridge.NewProbe(cfg.ToolBridge, bridgeCreds, a.logger)
		}
	}

	a.session = orchestrator.NewSession(a.agents, orchestrator.SessionConfig{
		Model:             cfg.Agents.Deployment,
		PlainName:         cfg.Agents.Plain.Name,
		PlainInstructions: cfg.Agents.Plain.Instructions,
		ToolName:          cfg.Agents.Tool.Name,
		ToolInstructions:  cfg.Agents.Tool.Instructions,
		Bridge:            bridge,
		PollInterval:      cfg.Agents.PollInterval(),
		PollTimeout:       cfg.Agents.Timeout(),
		MaxIterations:     cfg.Agents.MaxIterations,
		TransportRetries:  cfg.Agents.TransportRetries,
		Policy:            orchestrator.ApproveAll,
		Journal:           a.runs,
		Events:            a.bus,
		Logger:            a.logger,
	})
	return nil
}

// checkBridgeTools warns about allowed tools the bridge does not expose.
// Failure to reach the bridge is logged, not fatal.
func (a *app) checkBridgeTools(ctx context.Context) {
	if a.probe == nil || len(a.cfg.ToolBridge.AllowedTools) == 0 {
		return
	}
	missing, err := a.probe.CheckAllowed(ctx, a.cfg.ToolBridge.AllowedTools)
	if err != nil {
		a.logger.Warn("tool bridge check failed", "error", err)
		return
	}
	if len(missing) > 0 {
		a.logger.Warn("allowed tools not exposed by bridge", "label", a.cfg.ToolBridge.Label, "missing", missing)
	}
}

// Close deletes remote agents and threads and closes the stores.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.session != nil {
		if err := a.session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if err := a.usage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close usage ledger: %w", err))
	}
	if err := a.runs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close run journal: %w", err))
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history store: %w", err))
	}
	return errors.Join(errs...)
}
