package agentsvc

import "time"

// RunStatus is the remote status of a run. Services may report values
// not listed here; those are treated as terminal.
type RunStatus string

// Known run statuses.
const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCancelled      RunStatus = "cancelled"
	StatusFailed         RunStatus = "failed"
	StatusCompleted      RunStatus = "completed"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether no further automatic progress will occur.
// Anything outside queued, in_progress and requires_action counts,
// including cancelling and statuses this package does not know.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusRequiresAction:
		return false
	default:
		return true
	}
}

// Action and tool-call kinds the orchestrator understands.
const (
	ActionSubmitToolApproval = "submit_tool_approval"
	ToolCallMCP              = "mcp"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// List orders.
const (
	OrderDesc = "desc"
	OrderAsc  = "asc"
)

// ToolDefinition declares an external tool bridge on an agent.
// An empty AllowedTools exposes every tool the bridge offers.
type ToolDefinition struct {
	Label        string
	Endpoint     string
	AllowedTools []string
}

// AgentDefinition is the input to CreateAgent.
type AgentDefinition struct {
	Model        string
	Name         string
	Instructions string
	Tools        []ToolDefinition
}

// Agent is a remote agent definition. Immutable once created.
type Agent struct {
	ID           string
	Name         string
	Model        string
	Instructions string
	CreatedAt    time.Time
}

// Thread is a remote conversation.
type Thread struct {
	ID        string
	CreatedAt time.Time
}

// Message is one entry of a thread.
type Message struct {
	ID        string
	ThreadID  string
	RunID     string
	Role      string
	Content   []ContentItem
	CreatedAt time.Time
}

// ContentItem is one segment of a message. The set of implementations
// is closed: TextItem and ImageReferenceItem.
type ContentItem interface {
	contentItem()
}

// TextItem is a text segment.
type TextItem struct {
	Text string
}

// ImageReferenceItem refers to an image stored by the service.
type ImageReferenceItem struct {
	FileID string
}

func (TextItem) contentItem()           {}
func (ImageReferenceItem) contentItem() {}

// Run is one asynchronous unit of agent work on a thread.
type Run struct {
	ID             string
	ThreadID       string
	AgentID        string
	Status         RunStatus
	RequiredAction *RequiredAction
	LastError      *RunLastError
	CreatedAt      time.Time
}

// RequiredAction is populated while a run waits on the caller.
type RequiredAction struct {
	Type      string
	ToolCalls []ToolCall
}

// ToolCall is a pending call the remote agent wants to make.
type ToolCall struct {
	ID          string
	Type        string
	Name        string
	Arguments   string
	ServerLabel string
}

// RunLastError is the service's explanation for a failed run.
type RunLastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolApproval answers one pending ToolCall.
type ToolApproval struct {
	ToolCallID string
	Approve    bool
	Headers    map[string]string
}

// ToolResources attaches per-run request headers to tool bridges.
type ToolResources struct {
	Bridges []BridgeResource
}

// BridgeResource binds headers to one bridge label for one run.
type BridgeResource struct {
	Label           string
	Headers         map[string]string
	RequireApproval string
}

// RunStep is one recorded activity within a run.
type RunStep struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Type        string         `json:"type"` // message_creation or tool_calls
	Status      string         `json:"status"`
	MessageID   string         `json:"message_id,omitempty"`
	ToolCalls   []StepToolCall `json:"tool_calls,omitempty"`
	LastError   *RunLastError  `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// StepToolCall is a tool call recorded on a run step.
type StepToolCall struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
	Output      string `json:"output,omitempty"`
	ServerLabel string `json:"server_label,omitempty"`
}

// ListOptions controls ListMessages.
type ListOptions struct {
	Order string
	Limit int
	RunID string
}
