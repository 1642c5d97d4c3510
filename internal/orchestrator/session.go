package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/credential"
	"github.com/nugget/switchboard/internal/events"
)

// Variant selects one of the session's agent/thread pairs.
type Variant string

const (
	// VariantPlain is the agent without tools.
	VariantPlain Variant = "plain"
	// VariantTools is the agent bound to the tool bridge.
	VariantTools Variant = "tools"
)

// Bridge describes the tool bridge the tools variant is bound to.
type Bridge struct {
	Label           string
	URL             string
	AllowedTools    []string
	RequireApproval string
	Credentials     credential.Provider
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Model is the deployment both agents run on.
	Model string

	PlainName         string
	PlainInstructions string
	ToolName          string
	ToolInstructions  string

	// Bridge enables VariantTools. Nil leaves it unavailable.
	Bridge *Bridge

	PollInterval     time.Duration
	PollTimeout      time.Duration
	MaxIterations    int
	TransportRetries int
	Policy           ApprovalPolicy

	Journal Journal
	Events  *events.Bus
	Logger  *slog.Logger
}

// pair is one agent definition and the thread it talks on. mu
// serializes runs on the thread.
type pair struct {
	mu       sync.Mutex
	agentID  string
	threadID string
}

// Session owns the remote agents and threads of both variants. They are
// created on first use and deleted by Close.
type Session struct {
	svc       AgentService
	cfg       SessionConfig
	executor  *Executor
	poller    *Poller
	extractor *Extractor
	logger    *slog.Logger

	mu      sync.Mutex // guards everything below
	pairs   map[Variant]*pair
	closed  bool
	deleted map[string]bool
}

// NewSession creates a session. No remote calls are made until Ask.
func NewSession(svc AgentService, cfg SessionConfig) *Session {
	log := logger(cfg.Logger).With("component", "orchestrator")

	var toolCreds credential.Provider
	if cfg.Bridge != nil {
		toolCreds = cfg.Bridge.Credentials
	}

	s := &Session{
		svc: svc,
		cfg: cfg,
		executor: &Executor{
			Service: svc,
			Journal: cfg.Journal,
			Events:  cfg.Events,
			Logger:  log,
		},
		poller: &Poller{
			Service:          svc,
			ToolCredentials:  toolCreds,
			Policy:           cfg.Policy,
			Interval:         cfg.PollInterval,
			Timeout:          cfg.PollTimeout,
			MaxIterations:    cfg.MaxIterations,
			TransportRetries: cfg.TransportRetries,
			Journal:          cfg.Journal,
			Events:           cfg.Events,
			Logger:           log,
		},
		extractor: &Extractor{Service: svc},
		logger:    log,
		pairs:     make(map[Variant]*pair),
		deleted:   make(map[string]bool),
	}
	for _, v := range s.variants() {
		s.pairs[v] = &pair{}
	}
	return s
}

// Available reports whether v can be used, or why not.
func (s *Session) Available(v Variant) error {
	switch v {
	case VariantPlain:
		return nil
	case VariantTools:
		if s.cfg.Bridge == nil {
			return fmt.Errorf("%w: tool bridge not configured", ErrConfigurationMissing)
		}
		return nil
	default:
		return fmt.Errorf("unknown agent variant %q", v)
	}
}

// Ask appends prompt to the variant's thread, runs its agent to
// completion and returns the reply text. Asks on the same variant run
// one at a time; different variants run concurrently.
func (s *Session) Ask(ctx context.Context, v Variant, prompt string) (string, error) {
	p, err := s.ensure(ctx, v)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s.isClosed() {
		return "", ErrSessionClosed
	}

	if err := s.executor.AppendMessage(ctx, p.threadID, prompt); err != nil {
		return "", err
	}

	var res *agentsvc.ToolResources
	if v == VariantTools {
		res, err = s.toolResources(ctx)
		if err != nil {
			return "", err
		}
	}

	run, err := s.executor.SubmitRun(ctx, p.threadID, p.agentID, res)
	if err != nil {
		return "", err
	}
	if _, err := s.poller.Wait(ctx, p.threadID, run); err != nil {
		return "", err
	}
	return s.extractor.LatestReply(ctx, p.threadID)
}

// Thread returns the thread ID of v, or "" before first use.
func (s *Session) Thread(v Variant) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pairs[v]; ok {
		return p.threadID
	}
	return ""
}

// toolResources builds the run-level bridge binding with a fresh token.
func (s *Session) toolResources(ctx context.Context) (*agentsvc.ToolResources, error) {
	b := s.cfg.Bridge
	var headers map[string]string
	if b.Credentials != nil {
		h, err := credential.BearerHeaders(ctx, b.Credentials)
		if err != nil {
			return nil, fmt.Errorf("%w: tool bridge credential: %w", ErrSubmissionFailed, err)
		}
		headers = h
	}
	return &agentsvc.ToolResources{Bridges: []agentsvc.BridgeResource{{
		Label:           b.Label,
		Headers:         headers,
		RequireApproval: b.RequireApproval,
	}}}, nil
}

// ensure returns v's pair, creating every configured remote entity
// that does not exist yet. A failed creation is retried on the next
// call; whatever was created is still deleted by Close.
func (s *Session) ensure(ctx context.Context, v Variant) (*pair, error) {
	if err := s.Available(v); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	for _, variant := range s.variants() {
		p := s.pairs[variant]
		if p.agentID == "" {
			agent, err := s.svc.CreateAgent(ctx, s.definition(variant))
			if err != nil {
				return nil, fmt.Errorf("create %s agent: %w", variant, err)
			}
			p.agentID = agent.ID
			s.logger.Info("agent created", "variant", variant, "agent_id", agent.ID)
		}
		if p.threadID == "" {
			thread, err := s.svc.CreateThread(ctx)
			if err != nil {
				return nil, fmt.Errorf("create %s thread: %w", variant, err)
			}
			p.threadID = thread.ID
			s.logger.Info("thread created", "variant", variant, "thread_id", thread.ID)
		}
	}
	return s.pairs[v], nil
}

func (s *Session) definition(v Variant) agentsvc.AgentDefinition {
	if v == VariantTools {
		b := s.cfg.Bridge
		return agentsvc.AgentDefinition{
			Model:        s.cfg.Model,
			Name:         s.cfg.ToolName,
			Instructions: s.cfg.ToolInstructions,
			Tools: []agentsvc.ToolDefinition{{
				Label:        b.Label,
				Endpoint:     b.URL,
				AllowedTools: b.AllowedTools,
			}},
		}
	}
	return agentsvc.AgentDefinition{
		Model:        s.cfg.Model,
		Name:         s.cfg.PlainName,
		Instructions: s.cfg.PlainInstructions,
	}
}

func (s *Session) variants() []Variant {
	if s.cfg.Bridge != nil {
		return []Variant{VariantPlain, VariantTools}
	}
	return []Variant{VariantPlain}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close deletes the session's threads, then its agents. It first waits
// for the run in flight on each thread, if any; Asks still queued see
// ErrSessionClosed. Every deletion is attempted; not-found counts as
// deleted. The first failure is returned after all attempts. Calls
// after the first do nothing.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pairs := make([]*pair, 0, len(s.pairs))
	for _, v := range s.variants() {
		pairs = append(pairs, s.pairs[v])
	}
	s.mu.Unlock()

	// ensure refuses a closed session, so the IDs no longer change.
	for _, p := range pairs {
		p.mu.Lock()
		defer p.mu.Unlock()
	}

	var first error
	remove := func(kind, id string, del func(context.Context, string) error) {
		if id == "" || s.deleted[id] {
			return
		}
		err := del(ctx, id)
		if err != nil && !agentsvc.IsNotFound(err) {
			s.logger.Warn("teardown deletion failed", "kind", kind, "id", id, "error", err)
			if first == nil {
				first = err
			}
			return
		}
		s.deleted[id] = true
		s.logger.Debug("teardown deleted", "kind", kind, "id", id)
	}

	for _, p := range pairs {
		remove("thread", p.threadID, s.svc.DeleteThread)
	}
	for _, p := range pairs {
		remove("agent", p.agentID, s.svc.DeleteAgent)
	}
	return first
}
