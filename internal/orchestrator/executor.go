// Package orchestrator drives runs on a hosted agent service: it
// submits a run against a thread, polls it to a terminal status while
// answering tool-approval requests with fresh bridge credentials, and
// extracts the reply. [Session] owns the remote agents and threads and
// ties the pieces together.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/events"
)

// AgentService is the subset of the agent-service client the
// orchestrator uses. *agentsvc.Client satisfies it.
type AgentService interface {
	CreateAgent(ctx context.Context, def agentsvc.AgentDefinition) (*agentsvc.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	CreateThread(ctx context.Context) (*agentsvc.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	AppendMessage(ctx context.Context, threadID, role, text string) (*agentsvc.Message, error)
	CreateRun(ctx context.Context, threadID, agentID string, res *agentsvc.ToolResources) (*agentsvc.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*agentsvc.Run, error)
	SubmitToolApprovals(ctx context.Context, threadID, runID string, approvals []agentsvc.ToolApproval) (*agentsvc.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (*agentsvc.Run, error)
	ListMessages(ctx context.Context, threadID string, opts agentsvc.ListOptions) ([]agentsvc.Message, error)
}

// RunRecord is what a Journal learns when a run is submitted.
type RunRecord struct {
	RunID       string
	ThreadID    string
	AgentID     string
	Status      agentsvc.RunStatus
	SubmittedAt time.Time
}

// Journal records run outcomes. Journal failures are logged and never
// interrupt a run.
type Journal interface {
	RunSubmitted(ctx context.Context, rec RunRecord) error
	RunFinished(ctx context.Context, runID string, status agentsvc.RunStatus, detail string, approvals int) error
}

// Executor appends user turns and submits runs. It never retries.
type Executor struct {
	Service AgentService
	Journal Journal     // optional
	Events  *events.Bus // optional
	Logger  *slog.Logger
}

// AppendMessage adds a user message to threadID. Callers append before
// SubmitRun; submission does not add messages itself.
func (e *Executor) AppendMessage(ctx context.Context, threadID, text string) error {
	if _, err := e.Service.AppendMessage(ctx, threadID, agentsvc.RoleUser, text); err != nil {
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	return nil
}

// SubmitRun starts agentID on threadID and returns the run as the
// service first reports it. res carries run-level bridge headers and
// may be nil.
func (e *Executor) SubmitRun(ctx context.Context, threadID, agentID string, res *agentsvc.ToolResources) (*agentsvc.Run, error) {
	run, err := e.Service.CreateRun(ctx, threadID, agentID, res)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}

	logger(e.Logger).Info("run submitted",
		"thread_id", threadID,
		"run_id", run.ID,
		"agent_id", agentID,
		"status", run.Status,
	)
	e.Events.Emit(events.SourceOrchestrator, events.KindRunSubmitted, map[string]any{
		"thread_id": threadID,
		"run_id":    run.ID,
		"agent_id":  agentID,
	})

	if e.Journal != nil {
		rec := RunRecord{
			RunID:       run.ID,
			ThreadID:    threadID,
			AgentID:     agentID,
			Status:      run.Status,
			SubmittedAt: time.Now(),
		}
		if err := e.Journal.RunSubmitted(ctx, rec); err != nil {
			logger(e.Logger).Warn("run journal write failed", "run_id", run.ID, "error", err)
		}
	}
	return run, nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
