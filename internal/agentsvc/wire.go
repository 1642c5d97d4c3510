package agentsvc

import (
	"encoding/json"
	"time"
)

// Wire shapes of the assistants-style REST API. Domain types in
// types.go never carry JSON tags; conversion happens here.

type wireTool struct {
	Type         string   `json:"type"`
	ServerLabel  string   `json:"server_label"`
	ServerURL    string   `json:"server_url"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

type wireCreateAgent struct {
	Model        string     `json:"model"`
	Name         string     `json:"name,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []wireTool `json:"tools,omitempty"`
}

type wireAgent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	CreatedAt    int64  `json:"created_at"`
}

func (w wireAgent) agent() *Agent {
	return &Agent{
		ID:           w.ID,
		Name:         w.Name,
		Model:        w.Model,
		Instructions: w.Instructions,
		CreatedAt:    unixTime(w.CreatedAt),
	}
}

type wireThread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

type wireAppendMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireContent struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
	ImageFile *struct {
		FileID string `json:"file_id"`
	} `json:"image_file,omitempty"`
}

type wireMessage struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	RunID     string        `json:"run_id"`
	Role      string        `json:"role"`
	Content   []wireContent `json:"content"`
	CreatedAt int64         `json:"created_at"`
}

// message converts the wire form. Content kinds other than text and
// image_file are dropped.
func (w wireMessage) message() Message {
	m := Message{
		ID:        w.ID,
		ThreadID:  w.ThreadID,
		RunID:     w.RunID,
		Role:      w.Role,
		CreatedAt: unixTime(w.CreatedAt),
	}
	for _, c := range w.Content {
		switch {
		case c.Type == "text" && c.Text != nil:
			m.Content = append(m.Content, TextItem{Text: c.Text.Value})
		case c.Type == "image_file" && c.ImageFile != nil:
			m.Content = append(m.Content, ImageReferenceItem{FileID: c.ImageFile.FileID})
		}
	}
	return m
}

type wireBridgeResource struct {
	ServerLabel     string            `json:"server_label"`
	Headers         map[string]string `json:"headers,omitempty"`
	RequireApproval string            `json:"require_approval,omitempty"`
}

type wireToolResources struct {
	MCP []wireBridgeResource `json:"mcp,omitempty"`
}

type wireCreateRun struct {
	AssistantID   string             `json:"assistant_id"`
	ToolResources *wireToolResources `json:"tool_resources,omitempty"`
}

type wireToolCall struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
	ServerLabel string `json:"server_label"`
	Output      string `json:"output"`
	Function    *struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function,omitempty"`
}

func (w wireToolCall) name() (string, string) {
	if w.Function != nil {
		return w.Function.Name, w.Function.Arguments
	}
	return w.Name, w.Arguments
}

type wireToolCallList struct {
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireRequiredAction struct {
	Type string `json:"type"`
	// Services name the payload after the action type.
	SubmitToolApproval *wireToolCallList `json:"submit_tool_approval,omitempty"`
	SubmitToolOutputs  *wireToolCallList `json:"submit_tool_outputs,omitempty"`
}

type wireLastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireRun struct {
	ID             string              `json:"id"`
	ThreadID       string              `json:"thread_id"`
	AssistantID    string              `json:"assistant_id"`
	Status         string              `json:"status"`
	RequiredAction *wireRequiredAction `json:"required_action"`
	LastError      *wireLastError      `json:"last_error"`
	CreatedAt      int64               `json:"created_at"`
}

func (w wireRun) run() *Run {
	r := &Run{
		ID:        w.ID,
		ThreadID:  w.ThreadID,
		AgentID:   w.AssistantID,
		Status:    RunStatus(w.Status),
		CreatedAt: unixTime(w.CreatedAt),
	}
	if w.LastError != nil {
		r.LastError = &RunLastError{Code: w.LastError.Code, Message: w.LastError.Message}
	}
	if ra := w.RequiredAction; ra != nil {
		r.RequiredAction = &RequiredAction{Type: ra.Type}
		list := ra.SubmitToolApproval
		if list == nil {
			list = ra.SubmitToolOutputs
		}
		if list != nil {
			for _, tc := range list.ToolCalls {
				name, args := tc.name()
				r.RequiredAction.ToolCalls = append(r.RequiredAction.ToolCalls, ToolCall{
					ID:          tc.ID,
					Type:        tc.Type,
					Name:        name,
					Arguments:   args,
					ServerLabel: tc.ServerLabel,
				})
			}
		}
	}
	return r
}

type wireToolApproval struct {
	ToolCallID string            `json:"tool_call_id"`
	Approve    bool              `json:"approve"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type wireSubmitApprovals struct {
	ToolApprovals []wireToolApproval `json:"tool_approvals"`
}

type wireStepDetails struct {
	Type            string `json:"type"`
	MessageCreation *struct {
		MessageID string `json:"message_id"`
	} `json:"message_creation,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireRunStep struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	StepDetails wireStepDetails `json:"step_details"`
	LastError   *wireLastError  `json:"last_error"`
	CreatedAt   int64           `json:"created_at"`
	CompletedAt int64           `json:"completed_at"`
}

func (w wireRunStep) step() RunStep {
	s := RunStep{
		ID:          w.ID,
		RunID:       w.RunID,
		Type:        w.Type,
		Status:      w.Status,
		CreatedAt:   unixTime(w.CreatedAt),
		CompletedAt: unixTime(w.CompletedAt),
	}
	if w.StepDetails.MessageCreation != nil {
		s.MessageID = w.StepDetails.MessageCreation.MessageID
	}
	for _, tc := range w.StepDetails.ToolCalls {
		name, args := tc.name()
		s.ToolCalls = append(s.ToolCalls, StepToolCall{
			ID:          tc.ID,
			Type:        tc.Type,
			Name:        name,
			Arguments:   args,
			Output:      tc.Output,
			ServerLabel: tc.ServerLabel,
		})
	}
	if w.LastError != nil {
		s.LastError = &RunLastError{Code: w.LastError.Code, Message: w.LastError.Message}
	}
	return s
}

type wireList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type wireError struct {
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
