// Package llm provides a minimal client for OpenAI-compatible chat
// completion endpoints (LM Studio, vLLM, OpenAI). It exists to serve
// tool selection prompts, not to be a general SDK.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

// Defaults match a local LM Studio instance.
const (
	DefaultBaseURL     = "http://localhost:1234/v1"
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 30 * time.Second
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the API root, including the /v1 suffix.
	BaseURL string

	// Model is the model identifier. Empty lets the server pick its
	// loaded model (LM Studio behavior).
	Model string

	// Temperature for sampling. Zero uses DefaultTemperature.
	Temperature float64

	// MaxTokens bounds the completion length. Zero uses DefaultMaxTokens.
	MaxTokens int

	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	config Config
	client *http.Client
}

// NewClient creates a client, applying defaults for unset fields.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatComplete sends the messages and returns the first choice's
// content.
func (c *Client) ChatComplete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request: %w", metamcp.ErrLLMInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", metamcp.ErrLLMInference, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: completion request failed: %w", metamcp.ErrLLMInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: completion endpoint returned status %d: %s",
			metamcp.ErrLLMInference, resp.StatusCode, string(msg))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %w", metamcp.ErrLLMInference, err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("%w: %s", metamcp.ErrLLMInference, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: response contained no choices", metamcp.ErrLLMInference)
	}
	return chatResp.Choices[0].Message.Content, nil
}

// Complete sends a single user prompt, with an optional system prompt,
// and returns the completion text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: userPrompt})
	return c.ChatComplete(ctx, messages)
}

// Available reports whether the endpoint answers its /models listing.
// Used to skip the LLM strategy early when no local model is running.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
