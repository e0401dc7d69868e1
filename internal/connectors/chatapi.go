package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// ChatAPI — коннектор к любому OpenAI-совместимому endpoint
// (/v1/chat/completions). Используется как вторичная модель эскалации:
// более тяжелая и дорогая, поэтому получает только слабые вердикты.
type ChatAPI struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func NewChatAPI(cfg infra.EscalationConfig) *ChatAPI {
	return &ChatAPI{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ChatAPI) Name() string { return c.model }

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ollamaMessage `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message ollamaMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatAPI) Complete(ctx context.Context, system, user string) ([]byte, error) {
	reqBody, err := json.Marshal(chatCompletionRequest{
		Model: c.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("chatapi: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("chatapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chatapi: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("chatapi: status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chatapi: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("chatapi: decode response envelope: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chatapi: empty choices in response")
	}
	return []byte(completion.Choices[0].Message.Content), nil
}
