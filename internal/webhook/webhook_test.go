package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testSender() *Sender {
	return NewSender(2*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendDeliversPayload(t *testing.T) {
	var received Payload
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Signature")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testSender().Send(context.Background(), srv.URL,
		map[string]string{"X-Signature": "abc"},
		Payload{Type: EventCrawlCompleted, ID: "crawl-1", Success: true})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if received.Type != EventCrawlCompleted || received.ID != "crawl-1" || !received.Success {
		t.Fatalf("payload = %+v", received)
	}
	if received.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
	if gotHeader != "abc" {
		t.Fatalf("custom header not forwarded, got %q", gotHeader)
	}
}

func TestSendNonTwoHundredIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// A subscriber rejecting the event must not fail the worker.
	if err := testSender().Send(context.Background(), srv.URL, nil, Payload{Type: EventCrawlPage}); err != nil {
		t.Fatalf("rejected delivery should return nil, got %v", err)
	}
}

func TestSendEmptyURLNoop(t *testing.T) {
	if err := testSender().Send(context.Background(), "", nil, Payload{Type: EventCrawlStarted}); err != nil {
		t.Fatalf("empty url must be a no-op, got %v", err)
	}
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // deliberately closed

	if err := testSender().Send(context.Background(), srv.URL, nil, Payload{Type: EventCrawlFailed}); err == nil {
		t.Fatal("expected transport error for closed endpoint")
	}
}
