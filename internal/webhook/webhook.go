package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"harvest/internal/metrics"
)

// Event names delivered to crawl webhooks.
const (
	EventCrawlStarted   = "crawl.started"
	EventCrawlPage      = "crawl.page"
	EventCrawlCompleted = "crawl.completed"
	EventCrawlFailed    = "crawl.failed"
)

// Payload is the body POSTed to the subscriber.
type Payload struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sender delivers crawl lifecycle events. Deliveries are best-effort:
// a failed POST is logged and counted, never retried inline on the
// worker's critical path.
type Sender struct {
	client *http.Client
	logger *slog.Logger
}

func NewSender(timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send POSTs one event to the subscriber URL. A nil error means the
// endpoint acknowledged with a 2xx.
func (s *Sender) Send(ctx context.Context, url string, headers map[string]string, payload Payload) error {
	if url == "" {
		return nil
	}
	payload.Timestamp = time.Now().UTC()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordWebhook(payload.Type, false)
		s.logger.Warn("webhook_delivery_failed", "url", url, "event", payload.Type, "error", err)
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	metrics.RecordWebhook(payload.Type, ok)
	if !ok {
		s.logger.Warn("webhook_delivery_rejected", "url", url, "event", payload.Type, "status", resp.StatusCode)
	}
	return nil
}

// SendAsync fires the delivery on its own goroutine with a detached
// timeout so job completion never blocks on a slow subscriber.
func (s *Sender) SendAsync(url string, headers map[string]string, payload Payload) {
	if url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
		defer cancel()
		_ = s.Send(ctx, url, headers, payload)
	}()
}
