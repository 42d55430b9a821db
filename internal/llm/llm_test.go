package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"harvest/internal/config"
)

func TestParseJSONObject(t *testing.T) {
	fields, err := parseJSONObject(`{"name": "Acme"}`)
	if err != nil || fields["name"] != "Acme" {
		t.Fatalf("whole-string parse: %v %v", fields, err)
	}

	fields, err = parseJSONObject("Here you go:\n```json\n{\"price\": 10}\n```")
	if err != nil || fields["price"] != float64(10) {
		t.Fatalf("embedded object parse: %v %v", fields, err)
	}

	if _, err = parseJSONObject("no json here"); err == nil {
		t.Fatal("expected error when no object is present")
	}
}

func chatStub(t *testing.T, content string, tokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
			},
			"usage": map[string]any{"total_tokens": tokens},
		})
	}))
}

func stubClient(srvURL string) *Client {
	return NewClient(config.LLMConfig{APIKey: "test-key", BaseURL: srvURL, Model: "test-model"})
}

func TestExtract(t *testing.T) {
	srv := chatStub(t, `{"company": "Acme", "founded": 1999}`, 42)
	defer srv.Close()

	fields, err := stubClient(srv.URL).Extract(context.Background(), "# Acme\nFounded in 1999.", nil, "find the company")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if fields["company"] != "Acme" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestExtractWithTokens(t *testing.T) {
	srv := chatStub(t, `{"a": 1}`, 77)
	defer srv.Close()

	_, tokens, err := stubClient(srv.URL).ExtractWithTokens(context.Background(), "content", nil, "")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if tokens != 77 {
		t.Fatalf("tokens = %d", tokens)
	}
}

func TestAnalyzeSchema(t *testing.T) {
	srv := chatStub(t, `{"isMultiEntity": true, "multiEntityKeys": ["products"], "reasoning": "list of items"}`, 10)
	defer srv.Close()

	analysis, err := stubClient(srv.URL).AnalyzeSchema(context.Background(),
		map[string]any{"properties": map[string]any{"products": map[string]any{"type": "array"}}}, "")
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if !analysis.IsMultiEntity || len(analysis.MultiEntityKeys) != 1 || analysis.MultiEntityKeys[0] != "products" {
		t.Fatalf("analysis = %+v", analysis)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(config.LLMConfig{})
	if c.Configured() {
		t.Fatal("empty config must not be configured")
	}
	if _, err := c.Extract(context.Background(), "x", nil, ""); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
