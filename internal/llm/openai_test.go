package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/switchboard/internal/config"
)

const completionBody = `{
	"id": "chatcmpl-1",
	"model": "gpt-4o-2024-08-06",
	"created": 1700000000,
	"choices": [{"message": {"role": "assistant", "content": "Paris."}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 2}
}`

func TestOpenAIClient_Azure(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ModelsConfig{
		Endpoint:   srv.URL + "/",
		Flavor:     FlavorAzure,
		Deployment: "gpt-4o",
		APIKey:     "secret",
		APIVersion: "2024-10-21",
	}, srv.Client(), nil)

	resp, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "You are a helpful assistant model."},
		{Role: "user", Content: "Capital of France?"},
	}, Options{MaxOutputTokens: 4096, Temperature: 1, TopP: 1})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Message.Content != "Paris." || resp.InputTokens != 12 || resp.OutputTokens != 2 {
		t.Errorf("response = %+v", resp)
	}
	if gotPath != "/openai/deployments/gpt-4o/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "api-version=2024-10-21" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotKey != "secret" {
		t.Errorf("api-key = %q", gotKey)
	}
	if _, ok := gotBody["model"]; ok {
		t.Error("azure request should not carry a model field")
	}
	if gotBody["max_tokens"] != float64(4096) {
		t.Errorf("max_tokens = %v", gotBody["max_tokens"])
	}
}

func TestOpenAIClient_OpenAIFlavor(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"bare host", ""},
		{"v1 suffix", "/v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotAuth, gotModel string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				var body struct {
					Model string `json:"model"`
				}
				json.NewDecoder(r.Body).Decode(&body)
				gotModel = body.Model
				w.Write([]byte(completionBody))
			}))
			defer srv.Close()

			c := NewOpenAIClient(config.ModelsConfig{
				Endpoint:   srv.URL + tt.endpoint,
				Flavor:     FlavorOpenAI,
				Deployment: "phi-3.5-mini",
				APIKey:     "local",
			}, srv.Client(), nil)

			if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{}); err != nil {
				t.Fatalf("Chat() error = %v", err)
			}
			if gotPath != "/v1/chat/completions" {
				t.Errorf("path = %q", gotPath)
			}
			if gotAuth != "Bearer local" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if gotModel != "phi-3.5-mini" {
				t.Errorf("model = %q", gotModel)
			}
		})
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		is      error
	}{
		{"http error", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, "HTTP 429", nil},
		{"no choices", http.StatusOK, `{"choices":[]}`, "", ErrEmptyCompletion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOpenAIClient(config.ModelsConfig{Endpoint: srv.URL, Deployment: "gpt-4o"}, srv.Client(), nil)
			_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{})
			if err == nil {
				t.Fatal("Chat() error = nil")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/models" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ModelsConfig{Endpoint: srv.URL, Flavor: FlavorAzure, Deployment: "gpt-4o", APIVersion: "2024-10-21"}, srv.Client(), nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
