package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

// WebhookSink отправляет отчет одним JSON-документом на настроенный URL.
// Получатель сам решает, что с ним делать (SIEM, чат-бот, архив).
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Emit(ctx context.Context, report *domain.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("webhook: marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
