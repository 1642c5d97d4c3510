package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/credential"
)

func newTestSession(svc *fakeService, withBridge bool) *Session {
	cfg := SessionConfig{
		Model:             "gpt-4o",
		PlainName:         "plain",
		PlainInstructions: "be helpful",
		ToolName:          "tools",
		ToolInstructions:  "use tools",
		PollInterval:      time.Millisecond,
		TransportRetries:  1,
	}
	if withBridge {
		cfg.Bridge = &Bridge{
			Label:           "github",
			URL:             "https://bridge.example.com/mcp",
			RequireApproval: "always",
			Credentials:     credential.Static("bridge-token"),
		}
	}
	return NewSession(svc, cfg)
}

func TestAsk_HelloWorld(t *testing.T) {
	svc := &fakeService{
		polls: []agentsvc.Run{
			status(agentsvc.StatusInProgress),
			needsApproval(mcpCall("call_1", "search")),
			status(agentsvc.StatusInProgress),
			status(agentsvc.StatusCompleted),
		},
		messages: []agentsvc.Message{reply(agentsvc.TextItem{Text: "Hello "}, agentsvc.TextItem{Text: "world"})},
	}
	s := newTestSession(svc, true)

	got, err := s.Ask(context.Background(), VariantTools, "say hello")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got != "Hello world" {
		t.Errorf("Ask() = %q, want %q", got, "Hello world")
	}

	st := svc.stats()
	if st.listCalls != 1 {
		t.Errorf("extractor calls = %d, want 1", st.listCalls)
	}
	if len(st.appended) != 1 || st.appended[0] != "say hello" {
		t.Errorf("appended = %v", st.appended)
	}
	if len(st.runResources) != 1 || st.runResources[0] == nil {
		t.Fatalf("run resources = %+v, want bridge binding", st.runResources)
	}
	b := st.runResources[0].Bridges[0]
	if b.Label != "github" || b.Headers["Authorization"] != "Bearer bridge-token" || b.RequireApproval != "always" {
		t.Errorf("bridge binding = %+v", b)
	}
}

func TestAsk_FailedRunSkipsExtractor(t *testing.T) {
	svc := &fakeService{
		polls: []agentsvc.Run{
			status(agentsvc.StatusInProgress),
			failed(agentsvc.StatusFailed, "quota exceeded"),
		},
		messages: []agentsvc.Message{reply(agentsvc.TextItem{Text: "stale"})},
	}
	s := newTestSession(svc, false)

	_, err := s.Ask(context.Background(), VariantPlain, "hi")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("Ask() error = %v, want quota exceeded", err)
	}
	if n := svc.stats().listCalls; n != 0 {
		t.Errorf("extractor calls = %d, want 0", n)
	}
}

func TestAsk_PlainRunHasNoToolResources(t *testing.T) {
	svc := &fakeService{
		polls:    []agentsvc.Run{status(agentsvc.StatusCompleted)},
		messages: []agentsvc.Message{reply(agentsvc.TextItem{Text: "ok"})},
	}
	s := newTestSession(svc, true)
	if _, err := s.Ask(context.Background(), VariantPlain, "hi"); err != nil {
		t.Fatal(err)
	}
	if res := svc.stats().runResources[0]; res != nil {
		t.Errorf("plain run resources = %+v, want nil", res)
	}
}

func TestAsk_ToolsWithoutBridge(t *testing.T) {
	s := newTestSession(&fakeService{}, false)
	_, err := s.Ask(context.Background(), VariantTools, "hi")
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("Ask() error = %v, want ErrConfigurationMissing", err)
	}
}

func TestAsk_SubmissionErrors(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
	}{
		{"append rejected", &fakeService{appendErr: errors.New("HTTP 400")}},
		{"run rejected", &fakeService{runErr: errors.New("HTTP 409 run active")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(tt.svc, false)
			if _, err := s.Ask(context.Background(), VariantPlain, "hi"); !errors.Is(err, ErrSubmissionFailed) {
				t.Errorf("Ask() error = %v, want ErrSubmissionFailed", err)
			}
		})
	}
}

func TestAsk_EmptyThread(t *testing.T) {
	svc := &fakeService{polls: []agentsvc.Run{status(agentsvc.StatusCompleted)}}
	s := newTestSession(svc, false)
	if _, err := s.Ask(context.Background(), VariantPlain, "hi"); !errors.Is(err, ErrEmptyThread) {
		t.Errorf("Ask() error = %v, want ErrEmptyThread", err)
	}
}

func TestAsk_ConcurrentFirstUseCreatesOnce(t *testing.T) {
	svc := &fakeService{
		createDelay: 5 * time.Millisecond,
		polls:       []agentsvc.Run{status(agentsvc.StatusCompleted)},
		messages:    []agentsvc.Message{reply(agentsvc.TextItem{Text: "ok"})},
	}
	s := newTestSession(svc, true)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := VariantPlain
			if i%2 == 1 {
				v = VariantTools
			}
			if _, err := s.Ask(context.Background(), v, "hi"); err != nil {
				t.Errorf("Ask() error = %v", err)
			}
		}()
	}
	wg.Wait()

	st := svc.stats()
	if st.agentsCreated != 2 || st.threadsCreated != 2 {
		t.Errorf("created %d agents and %d threads, want 2 and 2", st.agentsCreated, st.threadsCreated)
	}
}

func TestAsk_InitRetriedAfterFailure(t *testing.T) {
	svc := &fakeService{
		createErr: errors.New("HTTP 503"),
		polls:     []agentsvc.Run{status(agentsvc.StatusCompleted)},
		messages:  []agentsvc.Message{reply(agentsvc.TextItem{Text: "ok"})},
	}
	s := newTestSession(svc, false)

	if _, err := s.Ask(context.Background(), VariantPlain, "hi"); err == nil {
		t.Fatal("Ask() error = nil, want create failure")
	}

	svc.mu.Lock()
	svc.createErr = nil
	svc.mu.Unlock()

	if got, err := s.Ask(context.Background(), VariantPlain, "hi"); err != nil || got != "ok" {
		t.Fatalf("Ask() = %q, %v after recovery", got, err)
	}
	if s.Thread(VariantPlain) == "" {
		t.Error("Thread() empty after successful Ask")
	}
}

func TestClose_DeletesThreadsThenAgents(t *testing.T) {
	svc := &fakeService{
		polls:    []agentsvc.Run{status(agentsvc.StatusCompleted)},
		messages: []agentsvc.Message{reply(agentsvc.TextItem{Text: "ok"})},
	}
	s := newTestSession(svc, true)
	if _, err := s.Ask(context.Background(), VariantPlain, "hi"); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	want := []string{"thread_1", "thread_2", "asst_1", "asst_2"}
	if got := svc.stats().deletes; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("deletes = %v, want %v", got, want)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if n := len(svc.stats().deletes); n != 4 {
		t.Errorf("deletes after second Close = %d, want 4", n)
	}

	if _, err := s.Ask(context.Background(), VariantPlain, "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Ask() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestClose_AttemptsEveryDeletion(t *testing.T) {
	boom := errors.New("HTTP 500")
	svc := &fakeService{
		polls:    []agentsvc.Run{status(agentsvc.StatusCompleted)},
		messages: []agentsvc.Message{reply(agentsvc.TextItem{Text: "ok"})},
		deleteErrs: map[string]error{
			"thread_1": boom,
			"thread_2": errNotFound,
			"asst_1":   errors.New("HTTP 502"),
		},
	}
	s := newTestSession(svc, true)
	if _, err := s.Ask(context.Background(), VariantPlain, "hi"); err != nil {
		t.Fatal(err)
	}

	err := s.Close(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Close() error = %v, want first failure %v", err, boom)
	}
	if n := len(svc.stats().deletes); n != 4 {
		t.Errorf("deletion attempts = %d, want 4", n)
	}
}

func TestClose_NeverUsed(t *testing.T) {
	svc := &fakeService{}
	s := newTestSession(svc, true)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(svc.stats().deletes); n != 0 {
		t.Errorf("deletes = %d, want 0", n)
	}
}

func TestClose_WaitsForRunInFlight(t *testing.T) {
	svc := &fakeService{polls: []agentsvc.Run{status(agentsvc.StatusInProgress)}}
	s := newTestSession(svc, false)
	s.poller.Timeout = 300 * time.Millisecond

	askErr := make(chan error, 1)
	go func() {
		_, err := s.Ask(context.Background(), VariantPlain, "long job")
		askErr <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for svc.stats().getCalls == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never started polling")
		}
		time.Sleep(time.Millisecond)
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- s.Close(context.Background()) }()

	select {
	case err := <-closeErr:
		t.Fatalf("Close() returned %v while a run was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}
	if got := svc.stats().deletes; len(got) != 0 {
		t.Fatalf("deleted %v while a run was in flight", got)
	}

	if err := <-askErr; !errors.Is(err, ErrTimeout) {
		t.Errorf("Ask() error = %v, want ErrTimeout", err)
	}
	if err := <-closeErr; err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.deletes) != 2 {
		t.Fatalf("deletes = %v, want thread and agent", svc.deletes)
	}
	for i, n := range svc.getsAtDelete {
		if n != svc.getCalls {
			t.Errorf("delete of %s saw %d polls, final %d: polling continued after teardown", svc.deletes[i], n, svc.getCalls)
		}
	}
}
