package http

import (
	"testing"

	"harvest/internal/model"
)

func TestValidateScrapeURL(t *testing.T) {
	cases := []struct {
		url  string
		code string
	}{
		{"https://example.com/page", ""},
		{"http://example.com", ""},
		{"", model.CodeBadRequest},
		{"   ", model.CodeBadRequest},
		{"ftp://example.com/file", model.CodeBadRequest},
		{"not a url at all", model.CodeBadRequest},
		{"http://localhost:8080/admin", model.CodeURLBlocked},
		{"https://printer.local", model.CodeURLBlocked},
		{"https://db.prod.internal/status", model.CodeURLBlocked},
		{"http://127.0.0.1/", model.CodeURLBlocked},
		{"http://10.0.0.5/", model.CodeURLBlocked},
		{"http://192.168.1.1/", model.CodeURLBlocked},
		{"http://169.254.169.254/latest/meta-data", model.CodeURLBlocked},
		{"http://0.0.0.0/", model.CodeURLBlocked},
		{"http://8.8.8.8/", ""},
	}
	for _, tc := range cases {
		terr := validateScrapeURL(tc.url)
		if tc.code == "" {
			if terr != nil {
				t.Fatalf("validateScrapeURL(%q) = %v, want nil", tc.url, terr)
			}
			continue
		}
		if terr == nil || terr.Code != tc.code {
			t.Fatalf("validateScrapeURL(%q) = %v, want code %s", tc.url, terr, tc.code)
		}
	}
}

func TestModeFromPath(t *testing.T) {
	cases := map[string]string{
		"/v2/scrape":            "scrape",
		"/v2/batch/scrape":      "scrape",
		"/v2/crawl":             "crawl",
		"/v2/crawl/abc123":      "crawl",
		"/v2/map":               "map",
		"/v2/search":            "search",
		"/v2/extract":           "extract",
		"/v2/extract/abc123":    "extract",
		"/v2/concurrency-check": "status",
		"/v2/team/credit-usage": "status",
		"/healthz":              "status",
	}
	for path, want := range cases {
		if got := modeFromPath(path); got != want {
			t.Fatalf("modeFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
