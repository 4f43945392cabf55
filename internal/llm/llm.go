// Package llm is the default model invoker, backed by a messages-style HTTP
// API with client-side rate limiting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/config"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	messagesPath   = "/v1/messages"
	apiVersion     = "2023-06-01"

	defaultMaxOutputTokens = 4096
)

// Client calls the messages API and implements agent.Invoker.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a Client from configuration. A zero rate limit disables
// client-side throttling.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("llm api key not set")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Client{
		apiKey:  cfg.APIKey.Value(),
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout.Duration()},
		limiter: limiter,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
	Error   *apiError      `json:"error,omitempty"`
}

// Invoke implements agent.Invoker.
func (c *Client) Invoke(ctx context.Context, stage task.Stage, bundle *assemble.Bundle, cfg agent.StageConfig) (*agent.Invocation, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	req := messagesRequest{
		Model:       cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
		System:      systemPrompt(stage),
		Messages:    []message{{Role: "user", Content: renderBundle(bundle)}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, agent.Fatalf("llm: marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, agent.Fatalf("llm: build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agent.Recoverablef("llm: http: %v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, agent.Recoverablef("llm: read response: %v", err)
	}

	var mr messagesResponse
	if err := json.Unmarshal(respBody, &mr); err != nil {
		return nil, agent.Recoverablef("llm: decode response: %v", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if mr.Error != nil {
			msg = mr.Error.Type + ": " + mr.Error.Message
		}
		return nil, classifyStatus(httpResp.StatusCode, msg)
	}

	inv := &agent.Invocation{
		Usage: agent.TokenUsage{
			PromptTokens:     mr.Usage.InputTokens,
			CompletionTokens: mr.Usage.OutputTokens,
		},
	}
	for _, block := range mr.Content {
		if block.Type == "text" {
			inv.RawOutput += block.Text
		}
	}
	return inv, nil
}

// classifyStatus maps an API status onto the stage error taxonomy.
func classifyStatus(code int, msg string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return agent.Fatalf("llm: authentication failed (%d): %s", code, msg)
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		return agent.Fatalf("llm: rejected request (%d): %s", code, msg)
	case code == http.StatusTooManyRequests:
		return agent.Recoverablef("llm: rate limited: %s", msg)
	default:
		return agent.Recoverablef("llm: status %d: %s", code, msg)
	}
}
