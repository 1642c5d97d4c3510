package orchestrator

import (
	"errors"
	"fmt"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/config"
)

// Errors reported by the orchestrator. Match with errors.Is.
var (
	// ErrConfigurationMissing means a required endpoint or identifier
	// is absent. It disables one provider path, not the process.
	ErrConfigurationMissing = config.ErrMissing

	// ErrSubmissionFailed wraps a rejected message append, run
	// creation, or approval submission.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrPollingTransport means fetching run state kept failing after
	// the configured retries.
	ErrPollingTransport = errors.New("polling transport error")

	ErrRunFailed    = errors.New("run failed")
	ErrRunCancelled = errors.New("run cancelled")
	ErrRunExpired   = errors.New("run expired")

	// ErrTimeout means the run exceeded its wall-clock or iteration
	// bound and was cancelled.
	ErrTimeout = errors.New("run timed out")

	// ErrEmptyThread means a thread had no messages to extract.
	ErrEmptyThread = errors.New("thread has no messages")

	// ErrUnrecognizedToolCall tags log lines for pending tool calls of
	// a kind the poller does not answer. It is never returned.
	ErrUnrecognizedToolCall = errors.New("unrecognized tool call kind")

	// ErrSessionClosed is returned by Ask after Close.
	ErrSessionClosed = errors.New("session closed")
)

// RunError describes a run that reached a terminal status other than
// completed. It unwraps to ErrRunFailed, ErrRunCancelled or
// ErrRunExpired.
type RunError struct {
	RunID     string
	Status    agentsvc.RunStatus
	LastError string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
	if e.LastError != "" {
		msg += ": " + e.LastError
	}
	return msg
}

func (e *RunError) Unwrap() error {
	switch e.Status {
	case agentsvc.StatusCancelled, agentsvc.StatusCancelling:
		return ErrRunCancelled
	case agentsvc.StatusExpired:
		return ErrRunExpired
	default:
		return ErrRunFailed
	}
}

func newRunError(run *agentsvc.Run) *RunError {
	e := &RunError{RunID: run.ID, Status: run.Status}
	if run.LastError != nil {
		e.LastError = run.LastError.Message
		if e.LastError == "" {
			e.LastError = run.LastError.Code
		}
	}
	return e
}
