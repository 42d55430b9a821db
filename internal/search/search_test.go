package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"harvest/internal/config"
)

func TestMapTBS(t *testing.T) {
	cases := map[string]string{
		"qdr:d":   "day",
		"qdr:w":   "week",
		"qdr:m":   "month",
		"qdr:y":   "year",
		"unknown": "",
	}
	for in, want := range cases {
		if got := mapTBS(in); got != want {
			t.Fatalf("mapTBS(%q) = %q, want %q", in, got, want)
		}
	}
}

func searxngStub(t *testing.T, capture *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			params := make(map[string]string)
			for k := range r.URL.Query() {
				params[k] = r.URL.Query().Get(k)
			}
			*capture = params
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{"title": "First", "url": "https://a.example/1", "content": "one", "category": "general"},
				map[string]any{"title": "Second", "url": "https://a.example/2", "content": "two", "category": "general"},
				map[string]any{"title": "Story", "url": "https://n.example/1", "content": "news", "category": "news"},
				map[string]any{"title": "Pic", "url": "https://i.example/1.png", "content": "", "category": "images"},
				map[string]any{"title": "Broken", "url": "not a url", "content": "", "category": "general"},
			},
		})
	}))
}

func stubProvider(t *testing.T, srvURL string) *SearxngProvider {
	t.Helper()
	p, err := NewSearxngProvider(config.SearchConfig{
		Searxng: config.SearxngConfig{BaseURL: srvURL, DefaultLimit: 5},
	})
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}
	return p
}

func TestSearxngSearch(t *testing.T) {
	var params map[string]string
	srv := searxngStub(t, &params)
	defer srv.Close()

	results, err := stubProvider(t, srv.URL).Search(context.Background(), &Request{
		Query:   "golang",
		Sources: []string{"web", "news", "images"},
		TBS:     "qdr:w",
		Country: "DE",
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if params["q"] != "golang" || params["format"] != "json" {
		t.Fatalf("query params = %v", params)
	}
	if params["categories"] != "general,news,images" {
		t.Fatalf("categories = %q", params["categories"])
	}
	if params["time_range"] != "week" || params["language"] != "de" {
		t.Fatalf("time_range=%q language=%q", params["time_range"], params["language"])
	}

	if len(results.Web) != 3 || len(results.News) != 1 || len(results.Images) != 1 {
		t.Fatalf("groups: web=%d news=%d images=%d", len(results.Web), len(results.News), len(results.Images))
	}
	if results.Web[0].Title != "First" || results.Web[0].Description != "one" {
		t.Fatalf("web[0] = %+v", results.Web[0])
	}
}

func TestSearxngIgnoreInvalidURL(t *testing.T) {
	srv := searxngStub(t, nil)
	defer srv.Close()

	results, err := stubProvider(t, srv.URL).Search(context.Background(), &Request{
		Query:            "golang",
		IgnoreInvalidURL: true,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	for _, hit := range results.Web {
		if hit.Title == "Broken" {
			t.Fatal("invalid URL should have been filtered")
		}
	}
}

func TestSearxngLimit(t *testing.T) {
	srv := searxngStub(t, nil)
	defer srv.Close()

	results, err := stubProvider(t, srv.URL).Search(context.Background(), &Request{Query: "golang", Limit: 1})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results.Web) != 1 {
		t.Fatalf("limit not applied, web=%d", len(results.Web))
	}
}

func TestSearxngEmptyQuery(t *testing.T) {
	srv := searxngStub(t, nil)
	defer srv.Close()

	if _, err := stubProvider(t, srv.URL).Search(context.Background(), &Request{Query: "  "}); err == nil {
		t.Fatal("expected error for empty query")
	}
}
