package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/httpkit"
)

// Flavors of OpenAI-compatible endpoints.
const (
	// FlavorAzure addresses a named deployment and authenticates with
	// an api-key header.
	FlavorAzure = "azure"
	// FlavorOpenAI is the plain /v1 API, also spoken by local model
	// runtimes. The key, if any, is sent as a bearer token.
	FlavorOpenAI = "openai"
)

// ErrEmptyCompletion is returned when the server answers without choices.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	endpoint   string
	flavor     string
	deployment string
	apiKey     string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client from the models config section.
func NewOpenAIClient(cfg config.ModelsConfig, hc *http.Client, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		// Completions can take a while before the first header.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		hc = httpkit.NewClient(httpkit.WithBase(t), httpkit.WithTimeout(0))
	}
	flavor := cfg.Flavor
	if flavor == "" {
		flavor = FlavorAzure
	}
	return &OpenAIClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		flavor:     flavor,
		deployment: cfg.Deployment,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		httpClient: hc,
		logger:     logger.With("provider", flavor, "deployment", cfg.Deployment),
	}
}

type openaiRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (*ChatResponse, error) {
	req := openaiRequest{
		Messages:    messages,
		MaxTokens:   opts.MaxOutputTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	}
	if c.flavor == FlavorOpenAI {
		req.Model = c.deployment
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending chat completion", "messages", len(messages), "max_tokens", opts.MaxOutputTokens)
	c.logger.Log(ctx, config.LevelTrace, "chat completion request", "body", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completion: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	c.logger.Debug("chat completion done",
		"model", out.Model,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return &ChatResponse{
		Model:        out.Model,
		CreatedAt:    time.Unix(out.Created, 0),
		Message:      out.Choices[0].Message,
		FinishReason: out.Choices[0].FinishReason,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// Ping lists models to check reachability and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("models"), nil)
	if err != nil {
		return err
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// url builds the request URL for an API path such as "chat/completions".
func (c *OpenAIClient) url(path string) string {
	if c.flavor == FlavorAzure {
		base := c.endpoint + "/openai/"
		if path == "chat/completions" {
			base += "deployments/" + url.PathEscape(c.deployment) + "/"
		}
		u := base + path
		if c.apiVersion != "" {
			u += "?api-version=" + url.QueryEscape(c.apiVersion)
		}
		return u
	}
	if strings.HasSuffix(c.endpoint, "/v1") {
		return c.endpoint + "/" + path
	}
	return c.endpoint + "/v1/" + path
}

func (c *OpenAIClient) authorize(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	if c.flavor == FlavorAzure {
		req.Header.Set("api-key", c.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
