package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
)

// clearUmask sets the process umask to 0 so permission assertions are
// deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

// writeTestConfig writes a config whose data dir lives in a temp dir.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "data_dir: " + filepath.Join(dir, "data") + "\nlog_level: error\n" + extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// chatServer is a fake chat-completions endpoint that records the
// message count of each request.
type chatServer struct {
	mu     sync.Mutex
	counts []int
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.counts = append(s.counts, len(req.Messages))
	s.mu.Unlock()

	last := req.Messages[len(req.Messages)-1].Content
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []any{map[string]any{
			"message": map[string]any{"role": "assistant", "content": "echo: " + last},
		}},
	})
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"help"}, {"--help"}} {
		var out, errb bytes.Buffer
		if err := run(context.Background(), &out, &errb, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: switchboard") {
			t.Errorf("run(%v) output = %q, want usage", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"unknown flag", []string{"--nope"}, "unknown flag"},
		{"ask without args", []string{"ask"}, "usage: switchboard ask"},
		{"steps without id", []string{"steps"}, "usage: switchboard steps"},
		{"runs bad limit", []string{"runs", "zero"}, "usage: switchboard runs"},
		{"usage bad window", []string{"usage", "forever"}, "usage: switchboard usage"},
		{"missing config", []string{"--config", "/nonexistent/config.yaml", "runs"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errb bytes.Buffer
			err := run(context.Background(), &out, &errb, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out, errb bytes.Buffer
	if err := run(context.Background(), &out, &errb, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &errb, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "sb")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}

	// The written example must load.
	if _, _, err := loadConfig(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("example config does not load: %v", err)
	}

	// A second run leaves edits alone.
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit() error = %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if string(data) != "log_level: debug\n" {
		t.Errorf("config.yaml overwritten: %q", data)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("second run output = %q", buf.String())
	}
}

func TestRun_AskRoutesToModel(t *testing.T) {
	chat := &chatServer{}
	srv := httptest.NewServer(chat)
	defer srv.Close()

	cfgPath := writeTestConfig(t, "models:\n  endpoint: "+srv.URL+"\n  flavor: openai\n  deployment: test-model\n  api_key: k\n")

	ask := func(args ...string) string {
		t.Helper()
		var out, errb bytes.Buffer
		full := append([]string{"--config", cfgPath, "ask"}, args...)
		if err := run(context.Background(), &out, &errb, full); err != nil {
			t.Fatalf("run(%v) error = %v (stderr %q)", full, err, errb.String())
		}
		return strings.TrimSpace(out.String())
	}

	if got := ask("goldfish", "hello"); got != "echo: hello" {
		t.Errorf("goldfish reply = %q", got)
	}
	if got := ask("MODEL", "first"); got != "echo: first" {
		t.Errorf("model reply = %q", got)
	}
	// History persists in the data dir across invocations.
	ask("model", "second")

	chat.mu.Lock()
	counts := append([]int(nil), chat.counts...)
	chat.mu.Unlock()
	// goldfish: system+user; model: system+user; model again: system+2 history+user.
	want := []int{2, 2, 4}
	if len(counts) != len(want) {
		t.Fatalf("requests = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("request %d carried %d messages, want %d", i, counts[i], want[i])
		}
	}
	// Every answered prompt lands in the usage ledger.
	var out, errb bytes.Buffer
	if err := run(context.Background(), &out, &errb, []string{"--config", cfgPath, "-o", "json", "usage", "1h"}); err != nil {
		t.Fatal(err)
	}
	var summary struct {
		Total struct {
			Requests int `json:"requests"`
		} `json:"total"`
		ByProvider map[string]struct {
			Requests int `json:"requests"`
		} `json:"by_provider"`
	}
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("usage output %q: %v", out.String(), err)
	}
	if summary.Total.Requests != 3 || summary.ByProvider["model"].Requests != 2 || summary.ByProvider["goldfish"].Requests != 1 {
		t.Errorf("usage = %+v", summary)
	}
}

func TestRun_AskHelpAndDisabled(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	var out, errb bytes.Buffer
	if err := run(context.Background(), &out, &errb, []string{"--config", cfgPath, "ask", "hello"}); err != nil {
		t.Fatal(err)
	}
	help := out.String()
	if !strings.Contains(help, "Choose your AI") || !strings.Contains(help, "not configured") {
		t.Errorf("help reply = %q", help)
	}

	out.Reset()
	if err := run(context.Background(), &out, &errb, []string{"--config", cfgPath, "ask", "agent", "hi"}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.HasPrefix(got, "Error: ") || !strings.Contains(got, "agents") {
		t.Errorf("disabled agent reply = %q", got)
	}
}

func TestRun_RunsEmptyJournal(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	var out, errb bytes.Buffer
	if err := run(context.Background(), &out, &errb, []string{"--config", cfgPath, "runs"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "RUN") {
		t.Errorf("runs output = %q, want table header", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &errb, []string{"--config", cfgPath, "-o", "json", "runs"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "[]" {
		t.Errorf("json runs output = %q, want []", got)
	}
}

func TestRun_ToolsAndStepsNeedConfig(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	var out, errb bytes.Buffer
	err := run(context.Background(), &out, &errb, []string{"--config", cfgPath, "tools"})
	if err == nil || !strings.Contains(err.Error(), "tool_bridge") {
		t.Errorf("tools error = %v, want missing tool_bridge", err)
	}
	err = run(context.Background(), &out, &errb, []string{"--config", cfgPath, "steps", "run_1"})
	if err == nil || !strings.Contains(err.Error(), "agents") {
		t.Errorf("steps error = %v, want missing agents", err)
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct{ in, want string }{
		{"one\ntwo", "one"},
		{"  padded  ", "padded"},
		{strings.Repeat("x", 100), strings.Repeat("x", 77) + "..."},
	}
	for _, tt := range tests {
		if got := firstLine(tt.in); got != tt.want {
			t.Errorf("firstLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
