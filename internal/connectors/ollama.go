package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/dns-sentinel/internal/infra"
)

// Ollama — коннектор к локальному Ollama-серверу через /api/chat.
// format=json заставляет модель отдавать синтаксически валидный JSON,
// соответствие нашей схеме это не гарантирует — её проверяет движок.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllama(cfg infra.ModelConfig) *Ollama {
	return &Ollama{
		baseURL: cfg.BaseURL,
		model:   cfg.Name,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (o *Ollama) Name() string { return o.model }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

func (o *Ollama) Complete(ctx context.Context, system, user string) ([]byte, error) {
	reqBody, err := json.Marshal(ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// 429/503 с Retry-After транслируем в ThrottleError,
		// чтобы ретраи выше ждали столько, сколько просит сервер
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return nil, &ThrottleError{
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
				Cause:      fmt.Errorf("ollama: status %d", resp.StatusCode),
			}
		}
		return nil, fmt.Errorf("ollama: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var chat ollamaChatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("ollama: decode response envelope: %w", err)
	}
	return []byte(chat.Message.Content), nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
