// Package llm provides chat clients for the model providers agents can
// be configured with. Both speak plain HTTP; no provider SDKs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNoAPIKey is returned when a provider client is used without credentials.
var ErrNoAPIKey = errors.New("llm: api key not set")

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a chat completion call.
type ChatRequest struct {
	Model    string // empty → client default
	System   string
	Messages []Message
}

// ChatResponse is the output of a chat completion call.
type ChatResponse struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client defines the interface for communicating with an LLM provider.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

const (
	defaultOpenAIURL    = "https://api.openai.com/v1"
	defaultAnthropicURL = "https://api.anthropic.com/v1"
	anthropicVersion    = "2023-06-01"
	defaultMaxTokens    = 1024
)

// --- OpenAI chat completions client ---

// OpenAIClient implements Client against the OpenAI Chat Completions
// API. Compatible with any provider exposing the same endpoint shape.
type OpenAIClient struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates an OpenAI client. An empty apiURL uses the
// hosted endpoint; model is the default used when requests omit one.
func NewOpenAIClient(apiURL, apiKey, model string) *OpenAIClient {
	if apiURL == "" {
		apiURL = defaultOpenAIURL
	}
	return &OpenAIClient{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type openAIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	body, err := json.Marshal(openAIRequest{Model: model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	respBody, err := post(ctx, c.httpClient, c.apiURL+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	})
	if err != nil {
		return nil, err
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("llm: response has no choices")
	}

	slog.Debug("llm: chat response",
		slog.String("provider", "openai"),
		slog.String("model", model),
		slog.Int("total_tokens", apiResp.Usage.TotalTokens),
	)
	return &ChatResponse{Content: apiResp.Choices[0].Message.Content, Usage: apiResp.Usage}, nil
}

// --- Anthropic messages client ---

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(apiURL, apiKey, model string) *AnthropicClient {
	if apiURL == "" {
		apiURL = defaultAnthropicURL
	}
	return &AnthropicClient{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a messages request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    req.System,
		Messages:  req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	respBody, err := post(ctx, c.httpClient, c.apiURL+"/messages", body, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	usage := TokenUsage{
		PromptTokens:     apiResp.Usage.InputTokens,
		CompletionTokens: apiResp.Usage.OutputTokens,
		TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
	}

	slog.Debug("llm: chat response",
		slog.String("provider", "anthropic"),
		slog.String("model", model),
		slog.Int("total_tokens", usage.TotalTokens),
	)
	return &ChatResponse{Content: text, Usage: usage}, nil
}

// post issues a JSON POST and returns the response body, treating any
// non-200 status as an error.
func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: api returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
