package toolbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/credential"
)

// bridgeServer runs an MCP server over streamable HTTP and records the
// Authorization headers it sees.
type bridgeServer struct {
	*httptest.Server
	mu    sync.Mutex
	auths []string
}

func (b *bridgeServer) authorizations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auths...)
}

func newBridgeServer(t *testing.T, toolNames ...string) *bridgeServer {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "enphase", Version: "test"}, nil)
	for _, name := range toolNames {
		server.AddTool(&mcp.Tool{
			Name:        name,
			Description: "test tool " + name,
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
		})
	}
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)

	b := &bridgeServer{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.auths = append(b.auths, r.Header.Get("Authorization"))
		b.mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func newTestProbe(url string) *Probe {
	return NewProbe(config.ToolBridgeConfig{Label: "EnphaseMcp", URL: url}, credential.Static("bridge-token"), nil)
}

func TestListTools(t *testing.T) {
	srv := newBridgeServer(t, "list_csv_files", "daily_production")
	p := newTestProbe(srv.URL)

	tools, err := p.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "daily_production" || tools[1].Name != "list_csv_files" {
		t.Errorf("ListTools() = %+v, want both tools sorted", tools)
	}
	if tools[0].Description != "test tool daily_production" {
		t.Errorf("Description = %q", tools[0].Description)
	}

	auths := srv.authorizations()
	if len(auths) == 0 {
		t.Fatal("bridge saw no requests")
	}
	for _, a := range auths {
		if a != "Bearer bridge-token" {
			t.Errorf("Authorization = %q, want bearer token on every request", a)
		}
	}
}

func TestCheckAllowed(t *testing.T) {
	srv := newBridgeServer(t, "list_csv_files", "daily_production")
	p := newTestProbe(srv.URL)

	tests := []struct {
		name    string
		allowed []string
		want    []string
	}{
		{"empty list allows all", nil, nil},
		{"all present", []string{"list_csv_files"}, nil},
		{"one missing", []string{"list_csv_files", "delete_everything"}, []string{"delete_everything"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.CheckAllowed(context.Background(), tt.allowed)
			if err != nil {
				t.Fatalf("CheckAllowed() error = %v", err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("CheckAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	srv := newBridgeServer(t, "list_csv_files")
	if err := newTestProbe(srv.URL).Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestPing_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestProbe(srv.URL).Ping(context.Background())
	if err == nil {
		t.Fatal("Ping() error = nil, want connect failure")
	}
	if !strings.Contains(err.Error(), "EnphaseMcp") {
		t.Errorf("error %q does not name the bridge", err)
	}
}
