// Package agentsvc is a client for a hosted agent service exposing an
// assistants-style REST API: agent definitions, threads, messages, runs,
// tool approvals and run steps.
//
// Every call fetches a bearer token from its [credential.Provider] so
// that tokens refreshed between calls are picked up. Request and
// response bodies are logged at [config.LevelTrace].
package agentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/credential"
	"github.com/nugget/switchboard/internal/httpkit"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// APIError is a non-2xx response from the agent service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent service %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// IsNotFound reports whether err is an APIError for a missing entity.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one agent service endpoint.
type Client struct {
	endpoint   string
	apiVersion string
	creds      credential.Provider
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. endpoint is the project base URL; apiVersion is
// sent as the api-version query parameter when non-empty. A nil hc gets
// an httpkit client with dial-error retries.
func New(endpoint, apiVersion string, creds credential.Provider, hc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger))
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiVersion: apiVersion,
		creds:      creds,
		httpClient: hc,
		logger:     logger.With("component", "agentsvc"),
	}
}

// Endpoint returns the configured base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// CreateAgent creates an agent definition.
func (c *Client) CreateAgent(ctx context.Context, def AgentDefinition) (*Agent, error) {
	req := wireCreateAgent{
		Model:        def.Model,
		Name:         def.Name,
		Instructions: def.Instructions,
	}
	for _, t := range def.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type:         ToolCallMCP,
			ServerLabel:  t.Label,
			ServerURL:    t.Endpoint,
			AllowedTools: t.AllowedTools,
		})
	}

	var out wireAgent
	if err := c.do(ctx, http.MethodPost, "/assistants", nil, req, &out); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return out.agent(), nil
}

// DeleteAgent deletes an agent definition.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	if err := c.do(ctx, http.MethodDelete, "/assistants/"+url.PathEscape(agentID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}

// CreateThread creates an empty thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var out wireThread
	if err := c.do(ctx, http.MethodPost, "/threads", nil, struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &Thread{ID: out.ID, CreatedAt: unixTime(out.CreatedAt)}, nil
}

// DeleteThread deletes a thread and its messages.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.do(ctx, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// AppendMessage adds a text message to a thread.
func (c *Client) AppendMessage(ctx context.Context, threadID, role, text string) (*Message, error) {
	var out wireMessage
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, wireAppendMessage{Role: role, Content: text}, &out); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	m := out.message()
	return &m, nil
}

// CreateRun starts a run of agentID on threadID. res may be nil.
func (c *Client) CreateRun(ctx context.Context, threadID, agentID string, res *ToolResources) (*Run, error) {
	req := wireCreateRun{AssistantID: agentID}
	if res != nil && len(res.Bridges) > 0 {
		req.ToolResources = &wireToolResources{}
		for _, b := range res.Bridges {
			req.ToolResources.MCP = append(req.ToolResources.MCP, wireBridgeResource{
				ServerLabel:     b.Label,
				Headers:         b.Headers,
				RequireApproval: b.RequireApproval,
			})
		}
	}

	var out wireRun
	if err := c.do(ctx, http.MethodPost, c.runsPath(threadID), nil, req, &out); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return out.run(), nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var out wireRun
	if err := c.do(ctx, http.MethodGet, c.runPath(threadID, runID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return out.run(), nil
}

// SubmitToolApprovals answers every pending tool call of a run in one
// request.
func (c *Client) SubmitToolApprovals(ctx context.Context, threadID, runID string, approvals []ToolApproval) (*Run, error) {
	req := wireSubmitApprovals{ToolApprovals: make([]wireToolApproval, 0, len(approvals))}
	for _, a := range approvals {
		req.ToolApprovals = append(req.ToolApprovals, wireToolApproval{
			ToolCallID: a.ToolCallID,
			Approve:    a.Approve,
			Headers:    a.Headers,
		})
	}

	var out wireRun
	if err := c.do(ctx, http.MethodPost, c.runPath(threadID, runID)+"/submit_tool_outputs", nil, req, &out); err != nil {
		return nil, fmt.Errorf("submit tool approvals: %w", err)
	}
	return out.run(), nil
}

// CancelRun asks the service to cancel a run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var out wireRun
	if err := c.do(ctx, http.MethodPost, c.runPath(threadID, runID)+"/cancel", nil, struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return out.run(), nil
}

// ListMessages lists a thread's messages.
func (c *Client) ListMessages(ctx context.Context, threadID string, opts ListOptions) ([]Message, error) {
	q := url.Values{}
	if opts.Order != "" {
		q.Set("order", opts.Order)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}

	var out wireList[wireMessage]
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]Message, 0, len(out.Data))
	for _, m := range out.Data {
		msgs = append(msgs, m.message())
	}
	return msgs, nil
}

// ListRunSteps lists the recorded activity of a run, oldest first.
func (c *Client) ListRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error) {
	q := url.Values{"order": {OrderAsc}}
	var out wireList[wireRunStep]
	if err := c.do(ctx, http.MethodGet, c.runPath(threadID, runID)+"/steps", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	steps := make([]RunStep, 0, len(out.Data))
	for _, s := range out.Data {
		steps = append(steps, s.step())
	}
	return steps, nil
}

// Ping makes a cheap authenticated call to check reachability.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"limit": {"1"}}
	if err := c.do(ctx, http.MethodGet, "/assistants", q, nil, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Client) runsPath(threadID string) string {
	return "/threads/" + url.PathEscape(threadID) + "/runs"
}

func (c *Client) runPath(threadID, runID string) string {
	return c.runsPath(threadID) + "/" + url.PathEscape(runID)
}

// do sends one request. body is JSON-encoded when non-nil; out is
// decoded from a 2xx response when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	if query == nil {
		query = url.Values{}
	}
	if c.apiVersion != "" {
		query.Set("api-version", c.apiVersion)
	}
	u := c.endpoint + path
	if enc := query.Encode(); enc != "" {
		u += "?" + enc
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("agent service token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Log(ctx, config.LevelTrace, "agent service request",
		"method", method,
		"path", path,
		"body", string(payload),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "agent service response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"body", string(data),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(method, path, resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	apiErr := &APIError{Method: method, Path: path, StatusCode: status}

	var we wireError
	if err := json.Unmarshal(body, &we); err == nil && we.Error != nil {
		apiErr.Message = we.Error.Message
		apiErr.Code = strings.Trim(string(we.Error.Code), `"`)
		if apiErr.Code == "null" {
			apiErr.Code = ""
		}
		return apiErr
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	apiErr.Message = msg
	return apiErr
}
