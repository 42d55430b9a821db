package worker

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"harvest/internal/crawl"
	"harvest/internal/webhook"
)

func TestNotifyCrawlFailedDelivers(t *testing.T) {
	got := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		got <- p
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := &Worker{webhooks: webhook.NewSender(2*time.Second, logger), logger: logger}

	w.notifyCrawlFailed(&crawl.StoredCrawl{Webhook: srv.URL}, "crawl-1", "crawl was cancelled")

	select {
	case p := <-got:
		if p.Type != webhook.EventCrawlFailed {
			t.Fatalf("event %q, want %q", p.Type, webhook.EventCrawlFailed)
		}
		if p.ID != "crawl-1" || p.Error != "crawl was cancelled" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crawl failure webhook was not delivered")
	}
}

func TestNotifyCrawlFailedWithoutRecord(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := &Worker{webhooks: webhook.NewSender(time.Second, logger), logger: logger}

	// No crawl record means no webhook target; must be a no-op.
	w.notifyCrawlFailed(nil, "crawl-1", "whatever")
}
