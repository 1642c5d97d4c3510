package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
)

// fakeService is a scripted AgentService. GetRun walks through polls,
// repeating the last entry once the script is exhausted.
type fakeService struct {
	mu sync.Mutex

	polls    []agentsvc.Run
	pollIdx  int
	getErrs  []error // consumed before each GetRun reply
	messages []agentsvc.Message

	createDelay time.Duration
	createErr   error
	deleteErrs  map[string]error
	appendErr   error
	runErr      error
	submitErr   error

	agentsCreated  int
	threadsCreated int
	getCalls       int
	listCalls      int
	cancelCalls    int
	appended       []string
	runResources   []*agentsvc.ToolResources
	submissions    [][]agentsvc.ToolApproval
	deletes        []string
	getsAtDelete   []int // getCalls observed by each deletion
}

func (f *fakeService) CreateAgent(ctx context.Context, def agentsvc.AgentDefinition) (*agentsvc.Agent, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.agentsCreated++
	return &agentsvc.Agent{ID: fmt.Sprintf("asst_%d", f.agentsCreated), Name: def.Name}, nil
}

func (f *fakeService) DeleteAgent(ctx context.Context, agentID string) error {
	return f.delete(agentID)
}

func (f *fakeService) CreateThread(ctx context.Context) (*agentsvc.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadsCreated++
	return &agentsvc.Thread{ID: fmt.Sprintf("thread_%d", f.threadsCreated)}, nil
}

func (f *fakeService) DeleteThread(ctx context.Context, threadID string) error {
	return f.delete(threadID)
}

func (f *fakeService) delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	f.getsAtDelete = append(f.getsAtDelete, f.getCalls)
	return f.deleteErrs[id]
}

func (f *fakeService) AppendMessage(ctx context.Context, threadID, role, text string) (*agentsvc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended = append(f.appended, text)
	return &agentsvc.Message{ID: "msg_user", Role: role}, nil
}

func (f *fakeService) CreateRun(ctx context.Context, threadID, agentID string, res *agentsvc.ToolResources) (*agentsvc.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runResources = append(f.runResources, res)
	f.pollIdx = 0
	return &agentsvc.Run{ID: "run_1", ThreadID: threadID, AgentID: agentID, Status: agentsvc.StatusQueued}, nil
}

func (f *fakeService) GetRun(ctx context.Context, threadID, runID string) (*agentsvc.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.polls) == 0 {
		return &agentsvc.Run{ID: runID, Status: agentsvc.StatusInProgress}, nil
	}
	i := min(f.pollIdx, len(f.polls)-1)
	f.pollIdx++
	run := f.polls[i]
	run.ID = runID
	return &run, nil
}

func (f *fakeService) SubmitToolApprovals(ctx context.Context, threadID, runID string, approvals []agentsvc.ToolApproval) (*agentsvc.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submissions = append(f.submissions, approvals)
	return &agentsvc.Run{ID: runID, Status: agentsvc.StatusInProgress}, nil
}

func (f *fakeService) CancelRun(ctx context.Context, threadID, runID string) (*agentsvc.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return &agentsvc.Run{ID: runID, Status: agentsvc.StatusCancelling}, nil
}

func (f *fakeService) ListMessages(ctx context.Context, threadID string, opts agentsvc.ListOptions) ([]agentsvc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	msgs := f.messages
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[:opts.Limit]
	}
	return msgs, nil
}

// fakeStats is a point-in-time copy of the fake's counters.
type fakeStats struct {
	agentsCreated  int
	threadsCreated int
	getCalls       int
	listCalls      int
	cancelCalls    int
	appended       []string
	runResources   []*agentsvc.ToolResources
	submissions    [][]agentsvc.ToolApproval
	deletes        []string
}

func (f *fakeService) stats() fakeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeStats{
		agentsCreated:  f.agentsCreated,
		threadsCreated: f.threadsCreated,
		getCalls:       f.getCalls,
		listCalls:      f.listCalls,
		cancelCalls:    f.cancelCalls,
		appended:       append([]string(nil), f.appended...),
		runResources:   append([]*agentsvc.ToolResources(nil), f.runResources...),
		submissions:    append([][]agentsvc.ToolApproval(nil), f.submissions...),
		deletes:        append([]string(nil), f.deletes...),
	}
}

// Poll-script helpers.

func status(s agentsvc.RunStatus) agentsvc.Run {
	return agentsvc.Run{Status: s}
}

func failed(s agentsvc.RunStatus, msg string) agentsvc.Run {
	return agentsvc.Run{Status: s, LastError: &agentsvc.RunLastError{Code: "server_error", Message: msg}}
}

func needsApproval(calls ...agentsvc.ToolCall) agentsvc.Run {
	return agentsvc.Run{
		Status: agentsvc.StatusRequiresAction,
		RequiredAction: &agentsvc.RequiredAction{
			Type:      agentsvc.ActionSubmitToolApproval,
			ToolCalls: calls,
		},
	}
}

func mcpCall(id, name string) agentsvc.ToolCall {
	return agentsvc.ToolCall{ID: id, Type: agentsvc.ToolCallMCP, Name: name, Arguments: "{}", ServerLabel: "github"}
}

func reply(parts ...agentsvc.ContentItem) agentsvc.Message {
	return agentsvc.Message{ID: "msg_reply", Role: agentsvc.RoleAssistant, Content: parts}
}

var errNotFound = &agentsvc.APIError{Method: http.MethodDelete, StatusCode: http.StatusNotFound, Message: "not found"}

var errUnavailable = errors.New("connection reset by peer")

// memJournal records journal calls.
type memJournal struct {
	mu        sync.Mutex
	submitted []RunRecord
	finished  []finishedRun
}

type finishedRun struct {
	runID     string
	status    agentsvc.RunStatus
	detail    string
	approvals int
}

func (j *memJournal) RunSubmitted(ctx context.Context, rec RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submitted = append(j.submitted, rec)
	return nil
}

func (j *memJournal) RunFinished(ctx context.Context, runID string, status agentsvc.RunStatus, detail string, approvals int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, finishedRun{runID, status, detail, approvals})
	return nil
}
