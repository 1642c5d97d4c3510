// Package llm provides the chat-completion client behind the stateful
// and stateless model providers.
package llm

import "context"

// Client is implemented by chat-completion backends.
type Client interface {
	// Chat sends messages and returns the model's reply.
	Chat(ctx context.Context, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}
