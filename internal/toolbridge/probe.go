// Package toolbridge talks to the tool bridge (an MCP server) directly.
// The hosted agent is what actually calls the bridge's tools; this
// package only verifies from our side that the bridge is reachable with
// our credentials and exposes the tools the agent is allowed to use.
package toolbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/credential"
	"github.com/nugget/switchboard/internal/httpkit"
)

// Tool is one tool exposed by the bridge.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Probe opens a short-lived MCP session per call.
type Probe struct {
	label      string
	url        string
	httpClient *http.Client
	client     *mcp.Client
	logger     *slog.Logger
}

// NewProbe creates a probe for the configured bridge. Requests carry a
// bearer token from creds.
func NewProbe(cfg config.ToolBridgeConfig, creds credential.Provider, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	hc := &http.Client{
		Transport: credential.Transport(creds, httpkit.NewTransport()),
	}
	return &Probe{
		label:      cfg.Label,
		url:        cfg.URL,
		httpClient: hc,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "switchboard",
			Version: buildinfo.Version,
		}, nil),
		logger: logger.With("component", "toolbridge", "label", cfg.Label),
	}
}

// Name identifies the bridge for health reporting.
func (p *Probe) Name() string {
	return p.label
}

func (p *Probe) connect(ctx context.Context) (*mcp.ClientSession, error) {
	transport := &mcp.StreamableClientTransport{
		Endpoint:   p.url,
		HTTPClient: p.httpClient,
		MaxRetries: 1,
	}
	session, err := p.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to tool bridge %s: %w", p.label, err)
	}
	return session, nil
}

// ListTools returns every tool the bridge exposes, sorted by name.
func (p *Probe) ListTools(ctx context.Context) ([]Tool, error) {
	session, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var tools []Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		tools = append(tools, Tool{Name: t.Name, Description: t.Description})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	p.logger.Debug("listed bridge tools", "count", len(tools))
	return tools, nil
}

// CheckAllowed returns the names in allowed that the bridge does not
// expose. An agent restricted to a missing tool would fail at run time.
// Reporting them is left to the caller.
func (p *Probe) CheckAllowed(ctx context.Context, allowed []string) ([]string, error) {
	if len(allowed) == 0 {
		return nil, nil
	}
	tools, err := p.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	have := make([]string, len(tools))
	for i, t := range tools {
		have[i] = t.Name
	}

	var missing []string
	for _, name := range allowed {
		if !slices.Contains(have, name) {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Ping opens a session and sends an MCP ping.
func (p *Probe) Ping(ctx context.Context) error {
	session, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping tool bridge %s: %w", p.label, err)
	}
	return nil
}
