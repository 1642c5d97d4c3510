// Package router dispatches inbound chat messages to a provider chosen
// by the message's leading keyword.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/providers"
)

// Keywords of the built-in routes.
const (
	KeywordModel    = "model"
	KeywordGoldfish = "goldfish"
	KeywordClaude   = "claude"
	KeywordAgent    = "agent"
	KeywordMCP      = "mcp"
)

// keywordHelp is the pseudo-route recorded when the help text is sent.
const keywordHelp = "help"

// Inbound is one message received from a transport.
type Inbound struct {
	// RequestID correlates logs and events. Generated when empty.
	RequestID      string
	Text           string
	ConversationID string
	Sender         string
}

// Reply is one outbound message.
type Reply struct {
	Text string
	// AIGenerated marks provider output, as opposed to help text and
	// error notices.
	AIGenerated bool
}

// Sink delivers replies back to the sender. Delivery failures are
// returned to the caller and not retried.
type Sink interface {
	Send(ctx context.Context, r Reply) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, r Reply) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, r Reply) error { return f(ctx, r) }

// TypingSink is a Sink that can show a typing indicator while the
// provider works.
type TypingSink interface {
	Sink
	Typing(ctx context.Context) error
}

// Route binds a keyword to a provider.
type Route struct {
	Keyword     string
	Emoji       string
	Description string
	Provider    providers.Provider
}

// DefaultRoutes returns the five built-in routes in help order.
func DefaultRoutes(model, goldfish, local, agent, tools providers.Provider) []Route {
	return []Route{
		{KeywordModel, "🧠", "Chat against a base model (full conversation history, memory)", model},
		{KeywordGoldfish, "🐠", "Chat against a base model (only last question, no memory)", goldfish},
		{KeywordClaude, "🤖", "Local coding agent CLI (no chat memory)", local},
		{KeywordAgent, "☁️", "Hosted agent (no tools)", agent},
		{KeywordMCP, "🔧", "Hosted agent with the tool bridge", tools},
	}
}

// Decision records how one inbound message was handled.
type Decision struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Sender         string    `json:"sender,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Keyword        string    `json:"keyword"`
	PromptLength   int       `json:"prompt_length"`
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Stats tracks dispatch counts.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	RouteCounts   map[string]int64 `json:"route_counts"`
	FailureCounts map[string]int64 `json:"failure_counts"`
}

// Config holds router configuration.
type Config struct {
	Routes      []Route
	Example     string // shown at the end of the help text
	MaxAuditLog int    // how many decisions to keep in memory
	Events      *events.Bus
}

// Router selects a provider by keyword and delivers its answer.
type Router struct {
	logger *slog.Logger
	routes map[string]Route
	order  []string
	help   string
	events *events.Bus
	maxLog int

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 1000
	}
	r := &Router{
		logger: logger.With("component", "router"),
		routes: make(map[string]Route, len(cfg.Routes)),
		events: cfg.Events,
		maxLog: cfg.MaxAuditLog,
		stats: Stats{
			RouteCounts:   make(map[string]int64),
			FailureCounts: make(map[string]int64),
		},
	}
	for _, rt := range cfg.Routes {
		k := strings.ToLower(rt.Keyword)
		if _, dup := r.routes[k]; !dup {
			r.order = append(r.order, k)
		}
		r.routes[k] = rt
	}
	r.help = buildHelp(r.order, r.routes, cfg.Example)
	return r
}

func buildHelp(order []string, routes map[string]Route, example string) string {
	var b strings.Builder
	b.WriteString("**Choose your AI by starting your prompt with:**\n\n")
	for _, k := range order {
		rt := routes[k]
		fmt.Fprintf(&b, "%s **%s** - %s", rt.Emoji, k, rt.Description)
		if d, ok := rt.Provider.(providers.Disabled); ok && errors.Is(d.Err, config.ErrMissing) {
			b.WriteString(" (not configured)")
		}
		b.WriteString("\n")
	}
	if example != "" {
		fmt.Fprintf(&b, "\n**Example:** `%s`", example)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Help returns the help text sent for unrecognized messages.
func (r *Router) Help() string {
	return r.help
}

// Parse splits text into its leading keyword (lower-cased) and the
// remaining prompt. ok is false when the keyword matches no route.
func (r *Router) Parse(text string) (keyword, prompt string, ok bool) {
	text = strings.TrimSpace(text)
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		end = len(text)
	}
	keyword = strings.ToLower(text[:end])
	prompt = strings.TrimSpace(text[end:])
	_, ok = r.routes[keyword]
	return keyword, prompt, ok
}

// Dispatch routes one inbound message and sends exactly one reply to
// sink: the provider's answer, an "Error: ..." notice if the provider
// failed, or the help text when no route matches or the prompt is
// empty. The returned error is the sink's delivery error.
func (r *Router) Dispatch(ctx context.Context, in Inbound, sink Sink) error {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	start := time.Now()
	keyword, prompt, ok := r.Parse(in.Text)

	log := r.logger.With("request_id", in.RequestID, "conversation_id", in.ConversationID)

	d := Decision{
		RequestID:      in.RequestID,
		Timestamp:      start,
		Sender:         in.Sender,
		ConversationID: in.ConversationID,
		Keyword:        keyword,
		PromptLength:   len(prompt),
	}
	if !ok || prompt == "" {
		d.Keyword = keywordHelp
	}

	r.events.Emit(events.SourceRouter, events.KindMessageReceived, map[string]any{
		"request_id":      in.RequestID,
		"conversation_id": in.ConversationID,
		"sender":          in.Sender,
		"provider":        d.Keyword,
		"message_len":     len(in.Text),
	})

	var reply Reply
	if d.Keyword == keywordHelp {
		log.Debug("no route matched, sending help", "keyword", keyword)
		reply = Reply{Text: r.help}
		d.Success = true
	} else {
		if ts, ok := sink.(TypingSink); ok {
			if err := ts.Typing(ctx); err != nil {
				log.Debug("typing indicator failed", "error", err)
			}
		}

		log.Info("message routed", "provider", keyword, "prompt_len", len(prompt))
		text, err := r.routes[keyword].Provider.Ask(ctx, providers.Request{
			ConversationID: in.ConversationID,
			Prompt:         prompt,
		})
		if err != nil {
			log.Warn("provider failed", "provider", keyword, "error", err)
			reply = Reply{Text: "Error: " + err.Error()}
			d.Error = err.Error()
		} else {
			reply = Reply{Text: text, AIGenerated: true}
			d.Success = true
		}
	}

	d.LatencyMs = time.Since(start).Milliseconds()
	r.recordDecision(d)

	if err := sink.Send(ctx, reply); err != nil {
		log.Warn("reply delivery failed", "provider", d.Keyword, "error", err)
		return fmt.Errorf("send reply: %w", err)
	}

	r.events.Emit(events.SourceRouter, events.KindReplySent, map[string]any{
		"request_id":      in.RequestID,
		"conversation_id": in.ConversationID,
		"provider":        d.Keyword,
		"ai_generated":    reply.AIGenerated,
		"reply_len":       len(reply.Text),
	})
	return nil
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.maxLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.RouteCounts[d.Keyword]++
	if !d.Success {
		r.stats.FailureCounts[d.Keyword]++
	}
}

// GetAuditLog returns up to limit recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the dispatch statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalRequests: r.stats.TotalRequests,
		RouteCounts:   make(map[string]int64, len(r.stats.RouteCounts)),
		FailureCounts: make(map[string]int64, len(r.stats.FailureCounts)),
	}
	for k, v := range r.stats.RouteCounts {
		s.RouteCounts[k] = v
	}
	for k, v := range r.stats.FailureCounts {
		s.FailureCounts[k] = v
	}
	return s
}
