package llm

import "time"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a completion request. Zero values are left to the
// server's defaults.
type Options struct {
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
}

// ChatResponse is a provider-neutral completion result.
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	FinishReason string
	InputTokens  int
	OutputTokens int
}
