// Package generator produces grounded answers with citations by calling an
// Ollama-compatible chat API. The prompt contract and the citation-marker
// parser are deliberately kept in this package: the [P<i>] markers the prompt
// demands are what Answer parses back out.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Message represents a single turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client provides a minimal chat interface compatible with Ollama's REST API.
type Client interface {
	Generate(ctx context.Context, messages []Message, opts map[string]any) (string, error)
}

type client struct {
	host   string
	model  string
	client *http.Client
}

// NewClient constructs a Client backed by Ollama's /api/chat endpoint.
// Deadlines come from the caller's context; generation is capped at
// generateTimeout and expansion at expandTimeout by the Generator.
func NewClient(host, model string) Client {
	return &client{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
	Done    bool    `json:"done"`
}

func (c *client) Generate(ctx context.Context, messages []Message, opts map[string]any) (string, error) {
	if c.host == "" {
		return "", fmt.Errorf("chat host must be configured")
	}
	if c.model == "" {
		return "", fmt.Errorf("chat model must be configured")
	}

	payload := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  opts,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return "", fmt.Errorf("chat API error: %s", string(data))
		}
		return "", fmt.Errorf("chat API returned status %s", resp.Status)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if parsed.Error != "" {
		return "", fmt.Errorf("chat error: %s", parsed.Error)
	}

	return parsed.Message.Content, nil
}
