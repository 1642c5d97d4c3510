// Package providers implements the reasoning backends a message can be
// routed to: the stateful and stateless chat models, the local CLI
// agent, and the plain and tool-augmented hosted agents.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/history"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/orchestrator"
	"github.com/nugget/switchboard/internal/usage"
)

// Request is one prompt addressed to a provider.
type Request struct {
	// ConversationID scopes provider-side memory. Providers without
	// memory ignore it.
	ConversationID string
	Prompt         string
}

// Provider answers prompts.
type Provider interface {
	Ask(ctx context.Context, req Request) (string, error)
}

// Disabled is a provider whose configuration is incomplete. Every Ask
// returns Err, which describes what is missing.
type Disabled struct {
	Err error
}

// Ask returns the configuration diagnostic.
func (d Disabled) Ask(context.Context, Request) (string, error) {
	return "", d.Err
}

// UsageRecorder persists token counts. Satisfied by *usage.Store.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// meter records the token usage of model calls. The zero value records
// nothing.
type meter struct {
	recorder UsageRecorder
	provider string
	model    string
	logger   *slog.Logger
}

func (m meter) record(ctx context.Context, conv string, resp *llm.ChatResponse) {
	if m.recorder == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = m.model
	}
	err := m.recorder.Record(ctx, usage.Record{
		ConversationID: conv,
		Provider:       m.provider,
		Model:          model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	})
	if err != nil {
		m.logger.Warn("failed to record token usage", "error", err)
	}
}

func optionsFrom(cfg config.ModelsConfig) llm.Options {
	return llm.Options{
		MaxOutputTokens: cfg.MaxOutputTokens,
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
	}
}

// Model is a chat model that remembers each conversation. Turns are
// persisted so memory survives restarts.
type Model struct {
	client  llm.Client
	history *history.Store
	system  string
	limit   int
	opts    llm.Options
	logger  *slog.Logger
	meter   meter

	mu    sync.Mutex
	convs map[string]*sync.Mutex
}

// NewModel creates the stateful model provider.
func NewModel(client llm.Client, store *history.Store, cfg config.ModelsConfig, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "model")
	return &Model{
		client:  client,
		history: store,
		system:  cfg.SystemPrompt,
		limit:   cfg.HistoryLimit,
		opts:    optionsFrom(cfg),
		logger:  logger,
		meter:   meter{provider: "model", model: cfg.Deployment, logger: logger},
		convs:   make(map[string]*sync.Mutex),
	}
}

// RecordUsage sends the token counts of every answered prompt to r.
func (m *Model) RecordUsage(r UsageRecorder) {
	m.meter.recorder = r
}

// lock returns the mutex serializing turns of one conversation.
func (m *Model) lock(conv string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.convs[conv]
	if !ok {
		l = &sync.Mutex{}
		m.convs[conv] = l
	}
	return l
}

// Ask sends the conversation so far plus the prompt. The exchange is
// recorded only when the model answers.
func (m *Model) Ask(ctx context.Context, req Request) (string, error) {
	l := m.lock(req.ConversationID)
	l.Lock()
	defer l.Unlock()

	prior, err := m.history.Messages(req.ConversationID, m.limit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	msgs := make([]llm.Message, 0, len(prior)+2)
	if m.system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: m.system})
	}
	for _, e := range prior {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Prompt})

	resp, err := m.client.Chat(ctx, msgs, m.opts)
	if err != nil {
		return "", err
	}
	reply := resp.Message.Content
	m.meter.record(ctx, req.ConversationID, resp)

	if err := m.history.Append(req.ConversationID, "user", req.Prompt); err != nil {
		m.logger.Warn("failed to record user turn", "conversation_id", req.ConversationID, "error", err)
	} else if err := m.history.Append(req.ConversationID, "assistant", reply); err != nil {
		m.logger.Warn("failed to record assistant turn", "conversation_id", req.ConversationID, "error", err)
	}

	m.logger.Debug("model replied",
		"conversation_id", req.ConversationID,
		"history_turns", len(prior),
		"output_tokens", resp.OutputTokens,
	)
	return reply, nil
}

// Goldfish is a chat model with no memory: each prompt is sent alone.
type Goldfish struct {
	client llm.Client
	system string
	opts   llm.Options
	meter  meter
}

// NewGoldfish creates the stateless model provider.
func NewGoldfish(client llm.Client, cfg config.ModelsConfig) *Goldfish {
	return &Goldfish{
		client: client,
		system: cfg.GoldfishPrompt,
		opts:   optionsFrom(cfg),
		meter:  meter{provider: "goldfish", model: cfg.Deployment, logger: slog.Default().With("provider", "goldfish")},
	}
}

// RecordUsage sends the token counts of every answered prompt to r.
func (g *Goldfish) RecordUsage(r UsageRecorder) {
	g.meter.recorder = r
}

// Ask sends the system prompt and the user prompt only.
func (g *Goldfish) Ask(ctx context.Context, req Request) (string, error) {
	msgs := []llm.Message{{Role: "user", Content: req.Prompt}}
	if g.system != "" {
		msgs = append([]llm.Message{{Role: "system", Content: g.system}}, msgs...)
	}
	resp, err := g.client.Chat(ctx, msgs, g.opts)
	if err != nil {
		return "", err
	}
	g.meter.record(ctx, req.ConversationID, resp)
	return resp.Message.Content, nil
}

// Runner runs a local agent process.
type Runner interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Local is the local CLI agent. It has no conversation memory.
type Local struct {
	Runner Runner
}

// Ask runs the local agent once.
func (l Local) Ask(ctx context.Context, req Request) (string, error) {
	return l.Runner.Run(ctx, req.Prompt)
}

// Asker is the part of [orchestrator.Session] the agent providers use.
type Asker interface {
	Ask(ctx context.Context, v orchestrator.Variant, prompt string) (string, error)
}

// Agent is a hosted agent variant. Its memory is the remote thread, so
// every conversation shares it.
type Agent struct {
	Session Asker
	Variant orchestrator.Variant
}

// Ask runs the agent on the variant's thread.
func (a Agent) Ask(ctx context.Context, req Request) (string, error) {
	return a.Session.Ask(ctx, a.Variant, req.Prompt)
}
