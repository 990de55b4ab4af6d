// Package openaicompat implements domain.Adapter against any OpenAI-compatible
// chat-completions REST endpoint, on top of the HTTP Execution Core.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
	"github.com/fairyhunter13/fleet-dispatch/internal/httpexec"
)

func init() {
	// Offline BPE loader avoids a network fetch for encoding tables, which
	// would otherwise happen on first use inside containers with no egress.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Client is a concrete domain.Adapter over an OpenAI-compatible backend: any
// server exposing POST {BaseURL}/chat/completions and GET {BaseURL}/models
// with the OpenAI request/response shape.
type Client struct {
	core    *httpexec.Core
	baseURL string

	mu    sync.RWMutex
	token string
	model string

	usage *TokenUsageCapability
}

// New constructs a Client bound to one backend base URL and default model.
func New(core *httpexec.Core, baseURL, token, defaultModel string) *Client {
	return &Client{
		core:    core,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		model:   defaultModel,
		usage:   NewTokenUsageCapability(),
	}
}

// GetAPIToken implements domain.Adapter.
func (c *Client) GetAPIToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetAPIToken implements domain.Adapter.
func (c *Client) SetAPIToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// GetUsingModel implements domain.Adapter.
func (c *Client) GetUsingModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// GetModelList implements domain.Adapter.
func (c *Client) GetModelList(ctx context.Context) ([]domain.ModelInfo, error) {
	result := c.core.Do(ctx, http.MethodGet, c.baseURL+"/models", c.authHeaders(), nil, false)
	if !result.Success {
		return nil, fmt.Errorf("list models: %s", result.Err.Error())
	}
	raw, err := json.Marshal(result.Data["data"])
	if err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	var models []domain.ModelInfo
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return models, nil
}

// CreateChatCompletion implements domain.Adapter. It never returns a Go
// error for ordinary upstream failures — those arrive as a failed APIResult
// — only for request construction problems (e.g. empty Messages).
func (c *Client) CreateChatCompletion(ctx context.Context, req domain.ChatRequest) (domain.APIResult, error) {
	if len(req.Messages) == 0 {
		return domain.APIResult{}, fmt.Errorf("chat request has no messages")
	}

	model := req.Model
	if model == "" {
		model = c.GetUsingModel()
	}

	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.APIResult{}, fmt.Errorf("encode chat request: %w", err)
	}

	result := c.core.Do(ctx, http.MethodPost, c.baseURL+"/chat/completions", c.authHeaders(), payload, req.IsHealthCheck)
	if result.Success {
		c.recordUsage(model, req, result)
	}
	return result, nil
}

func (c *Client) authHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if tok := c.GetAPIToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (c *Client) recordUsage(model string, req domain.ChatRequest, result domain.APIResult) {
	usage, _ := result.Data["usage"].(map[string]any)
	if usage == nil {
		usage = estimateUsage(req, result)
	}
	c.usage.RecordUsage(context.Background(), model, usage)
}

// estimateUsage falls back to a tiktoken cl100k_base estimate when the
// backend omits a usage block, mirroring what providers without exact
// accounting require of their callers.
func estimateUsage(req domain.ChatRequest, result domain.APIResult) map[string]any {
	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Content)
	}
	completion := extractFirstContent(result.Data)

	promptTokens := countTokens(prompt.String())
	completionTokens := countTokens(completion)
	return map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
	}
}

func extractFirstContent(data map[string]any) string {
	choices, _ := data["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	first, _ := choices[0].(map[string]any)
	message, _ := first["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content
}

func countTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// Usage exposes the adapter's UsageCapability to the Backend Client that
// owns this adapter.
func (c *Client) Usage() *TokenUsageCapability { return c.usage }
