package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/credential"
	"github.com/nugget/switchboard/internal/events"
)

// Poll defaults.
const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 5 * time.Minute
	maxPollBackoff      = 30 * time.Second
	cancelTimeout       = 10 * time.Second
)

// ApprovalPolicy decides whether a pending tool call is approved.
type ApprovalPolicy func(call agentsvc.ToolCall) bool

// ApproveAll approves every call.
func ApproveAll(agentsvc.ToolCall) bool { return true }

// Poller drives a submitted run to a terminal status.
type Poller struct {
	Service AgentService

	// ToolCredentials supplies the bearer token attached to every
	// approved tool call.
	ToolCredentials credential.Provider
	// Policy defaults to ApproveAll.
	Policy ApprovalPolicy

	Interval time.Duration // default DefaultPollInterval
	// Timeout bounds the whole wait. Zero uses DefaultPollTimeout;
	// negative disables the bound.
	Timeout          time.Duration
	MaxIterations    int // 0 = unbounded
	TransportRetries int

	Journal Journal     // optional
	Events  *events.Bus // optional
	Logger  *slog.Logger
}

// waitState is the bookkeeping for one Wait call.
type waitState struct {
	threadID   string
	run        *agentsvc.Run
	started    time.Time
	iterations int
	approvals  int
	answered   map[string]bool
	skipped    map[string]bool
}

// Wait polls run until it reaches a terminal status.
//
// Queued and in-progress runs are left alone. A run that requires tool
// approval gets one decision per recognized (mcp) pending call, all
// submitted in a single request; other call kinds are skipped and
// logged. Completed returns the final run. Any other terminal status
// returns a *RunError. Exceeding Timeout or MaxIterations cancels the
// run and returns ErrTimeout.
func (p *Poller) Wait(ctx context.Context, threadID string, run *agentsvc.Run) (*agentsvc.Run, error) {
	log := logger(p.Logger).With("thread_id", threadID, "run_id", run.ID)

	pollCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := p.timeout(); timeout > 0 {
		pollCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	}
	defer cancel()

	st := &waitState{
		threadID: threadID,
		run:      run,
		started:  time.Now(),
		answered: make(map[string]bool),
		skipped:  make(map[string]bool),
	}

	for {
		switch status := st.run.Status; {
		case status == agentsvc.StatusCompleted:
			log.Info("run completed",
				"iterations", st.iterations,
				"approvals", st.approvals,
				"elapsed", time.Since(st.started).Round(time.Millisecond),
			)
			p.Events.Emit(events.SourceOrchestrator, events.KindRunCompleted, map[string]any{
				"thread_id":  threadID,
				"run_id":     st.run.ID,
				"elapsed_ms": time.Since(st.started).Milliseconds(),
			})
			p.finish(ctx, st, status, "")
			return st.run, nil

		case status.Terminal():
			runErr := newRunError(st.run)
			log.Warn("run ended without completing", "status", status, "last_error", runErr.LastError)
			p.Events.Emit(events.SourceOrchestrator, events.KindRunFailed, map[string]any{
				"thread_id":  threadID,
				"run_id":     st.run.ID,
				"status":     string(status),
				"last_error": runErr.LastError,
			})
			p.finish(ctx, st, status, runErr.LastError)
			return st.run, runErr

		case status == agentsvc.StatusRequiresAction:
			if err := p.approve(pollCtx, st, log); err != nil {
				if pollCtx.Err() != nil {
					return p.interrupted(ctx, pollCtx, st, log)
				}
				return p.abort(ctx, st, err, log)
			}
		}

		if p.MaxIterations > 0 && st.iterations >= p.MaxIterations {
			return p.expire(ctx, st, log)
		}

		if err := sleep(pollCtx, p.interval()); err != nil {
			return p.interrupted(ctx, pollCtx, st, log)
		}

		next, err := p.fetch(pollCtx, st, log)
		if err != nil {
			if pollCtx.Err() != nil {
				return p.interrupted(ctx, pollCtx, st, log)
			}
			return p.abort(ctx, st, err, log)
		}
		st.iterations++

		if next.Status != st.run.Status {
			log.Debug("run status changed", "from", st.run.Status, "to", next.Status, "iteration", st.iterations)
			p.Events.Emit(events.SourceOrchestrator, events.KindRunStatus, map[string]any{
				"thread_id": threadID,
				"run_id":    next.ID,
				"status":    string(next.Status),
				"iteration": st.iterations,
			})
		}
		if next.ID == "" {
			next.ID = st.run.ID
		}
		st.run = next
	}
}

// approve answers the pending tool calls of a run that requires action.
// Calls already answered during this wait are not answered again.
func (p *Poller) approve(ctx context.Context, st *waitState, log *slog.Logger) error {
	ra := st.run.RequiredAction
	if ra == nil || ra.Type != agentsvc.ActionSubmitToolApproval {
		kind := ""
		if ra != nil {
			kind = ra.Type
		}
		log.Debug("required action not handled; continuing to poll", "action", kind)
		return nil
	}

	policy := p.Policy
	if policy == nil {
		policy = ApproveAll
	}

	var decisions []agentsvc.ToolApproval
	var names []string
	for _, call := range ra.ToolCalls {
		if call.Type != agentsvc.ToolCallMCP {
			if !st.skipped[call.ID] {
				st.skipped[call.ID] = true
				log.Warn("skipping pending tool call",
					"error", ErrUnrecognizedToolCall,
					"tool_call_id", call.ID,
					"type", call.Type,
				)
				p.Events.Emit(events.SourceOrchestrator, events.KindToolCallSkipped, map[string]any{
					"thread_id":    st.threadID,
					"run_id":       st.run.ID,
					"tool_call_id": call.ID,
					"type":         call.Type,
				})
			}
			continue
		}
		if st.answered[call.ID] {
			continue
		}

		d := agentsvc.ToolApproval{ToolCallID: call.ID, Approve: policy(call)}
		if d.Approve && p.ToolCredentials != nil {
			headers, err := credential.BearerHeaders(ctx, p.ToolCredentials)
			if err != nil {
				return fmt.Errorf("tool bridge credential: %w", err)
			}
			d.Headers = headers
		}
		decisions = append(decisions, d)
		names = append(names, call.Name)
	}

	if len(decisions) == 0 {
		return nil
	}

	if _, err := p.Service.SubmitToolApprovals(ctx, st.threadID, st.run.ID, decisions); err != nil {
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	for i, d := range decisions {
		st.answered[d.ToolCallID] = true
		log.Info("tool call answered", "tool_call_id", d.ToolCallID, "tool", names[i], "approved", d.Approve)
		p.Events.Emit(events.SourceOrchestrator, events.KindToolApproval, map[string]any{
			"thread_id":    st.threadID,
			"run_id":       st.run.ID,
			"tool_call_id": d.ToolCallID,
			"tool":         names[i],
			"approved":     d.Approve,
		})
	}
	st.approvals += len(decisions)
	return nil
}

// fetch gets the run state, retrying transport failures with a backoff
// that starts at the poll interval and doubles up to maxPollBackoff.
func (p *Poller) fetch(ctx context.Context, st *waitState, log *slog.Logger) (*agentsvc.Run, error) {
	delay := p.interval()
	for attempt := 0; ; attempt++ {
		run, err := p.Service.GetRun(ctx, st.threadID, st.run.ID)
		if err == nil {
			return run, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= p.TransportRetries || !retryable(err) {
			return nil, fmt.Errorf("%w: %w", ErrPollingTransport, err)
		}

		log.Warn("run poll failed; retrying",
			"attempt", attempt+1,
			"max_retries", p.TransportRetries,
			"backoff", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = min(delay*2, maxPollBackoff)
	}
}

// retryable reports whether a GetRun failure may clear on its own.
// Client errors other than 429 will not.
func retryable(err error) bool {
	var apiErr *agentsvc.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// interrupted handles pollCtx ending: a timeout if our own bound fired,
// otherwise the caller's cancellation.
func (p *Poller) interrupted(ctx, pollCtx context.Context, st *waitState, log *slog.Logger) (*agentsvc.Run, error) {
	if ctx.Err() == nil && errors.Is(context.Cause(pollCtx), ErrTimeout) {
		return p.expire(ctx, st, log)
	}
	p.cancelRun(ctx, st, log)
	p.finish(ctx, st, st.run.Status, ctx.Err().Error())
	return st.run, ctx.Err()
}

// expire cancels a run that exceeded its bound.
func (p *Poller) expire(ctx context.Context, st *waitState, log *slog.Logger) (*agentsvc.Run, error) {
	elapsed := time.Since(st.started)
	log.Warn("run exceeded its bound; cancelling",
		"iterations", st.iterations,
		"elapsed", elapsed.Round(time.Millisecond),
		"status", st.run.Status,
	)
	p.Events.Emit(events.SourceOrchestrator, events.KindRunTimeout, map[string]any{
		"thread_id":  st.threadID,
		"run_id":     st.run.ID,
		"iterations": st.iterations,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	last := st.run.Status
	p.cancelRun(ctx, st, log)

	err := fmt.Errorf("%w: run %s still %s after %s and %d polls",
		ErrTimeout, st.run.ID, last, elapsed.Round(time.Millisecond), st.iterations)
	p.finish(ctx, st, st.run.Status, err.Error())
	return st.run, err
}

// abort cancels the run after an unrecoverable error.
func (p *Poller) abort(ctx context.Context, st *waitState, err error, log *slog.Logger) (*agentsvc.Run, error) {
	log.Error("run polling aborted", "status", st.run.Status, "error", err)
	p.cancelRun(ctx, st, log)
	p.finish(ctx, st, st.run.Status, err.Error())
	return st.run, err
}

// cancelRun asks the service to cancel the run. It runs on a context
// detached from ctx so it still happens after ctx is done.
func (p *Poller) cancelRun(ctx context.Context, st *waitState, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	run, err := p.Service.CancelRun(cctx, st.threadID, st.run.ID)
	if err != nil {
		log.Warn("run cancellation failed", "error", err)
		return
	}
	if run != nil && run.Status != "" {
		st.run.Status = run.Status
	}
}

func (p *Poller) finish(ctx context.Context, st *waitState, status agentsvc.RunStatus, detail string) {
	if p.Journal == nil {
		return
	}
	if err := p.Journal.RunFinished(context.WithoutCancel(ctx), st.run.ID, status, detail, st.approvals); err != nil {
		logger(p.Logger).Warn("run journal write failed", "run_id", st.run.ID, "error", err)
	}
}

func (p *Poller) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultPollInterval
}

func (p *Poller) timeout() time.Duration {
	switch {
	case p.Timeout < 0:
		return 0
	case p.Timeout == 0:
		return DefaultPollTimeout
	default:
		return p.Timeout
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
