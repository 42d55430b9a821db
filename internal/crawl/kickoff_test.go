package crawl

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleRobots = `User-agent: *
Disallow: /private/
Disallow: /search?

User-agent: harvestbot
Disallow: /
`

func TestRobotsAllows(t *testing.T) {
	cases := []struct {
		url   string
		agent string
		want  bool
	}{
		{"https://example.com/public/page", "somebot", true},
		{"https://example.com/private/page", "somebot", false},
		{"https://example.com/search?q=x", "somebot", false},
		{"https://example.com/anything", "harvestbot", false},
	}
	for _, tc := range cases {
		if got := RobotsAllows(sampleRobots, tc.url, tc.agent); got != tc.want {
			t.Fatalf("RobotsAllows(%q, %q) = %v, want %v", tc.url, tc.agent, got, tc.want)
		}
	}
}

func TestRobotsAllowsEmptyBody(t *testing.T) {
	if !RobotsAllows("", "https://example.com/private/page", "somebot") {
		t.Fatal("empty robots body must allow everything")
	}
}

func testKickoff(t *testing.T) *Kickoff {
	t.Helper()
	return NewKickoff("harvestbot/1.0", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, sampleRobots)
	}))
	defer srv.Close()

	body := testKickoff(t).FetchRobots(context.Background(), srv.URL+"/some/page")
	if body != sampleRobots {
		t.Fatalf("unexpected robots body: %q", body)
	}
}

func TestFetchRobotsMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if body := testKickoff(t).FetchRobots(context.Background(), srv.URL); body != "" {
		t.Fatalf("expected empty body on 404, got %q", body)
	}
}

func TestExpandSeedsSitemap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			io.WriteString(w, `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>`+srv.URL+`/sitemap-pages.xml</loc></sitemap>
</sitemapindex>`)
		case "/sitemap-pages.xml":
			io.WriteString(w, `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>`+srv.URL+`/a</loc></url>
  <url><loc>`+srv.URL+`/b</loc></url>
</urlset>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	seeds := testKickoff(t).ExpandSeeds(context.Background(), srv.URL, CrawlerOptions{Sitemap: "include"})
	if len(seeds) != 3 {
		t.Fatalf("expected origin + 2 sitemap urls, got %v", seeds)
	}
	if seeds[0] != srv.URL {
		t.Fatalf("origin must come first, got %q", seeds[0])
	}
}

func TestExpandSeedsSkip(t *testing.T) {
	seeds := testKickoff(t).ExpandSeeds(context.Background(), "https://example.com", CrawlerOptions{Sitemap: "skip"})
	if len(seeds) != 1 || seeds[0] != "https://example.com" {
		t.Fatalf("skip mode must seed only the origin, got %v", seeds)
	}
}

func TestExpandSeedsOnlyFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	seeds := testKickoff(t).ExpandSeeds(context.Background(), srv.URL, CrawlerOptions{Sitemap: "only"})
	if len(seeds) != 1 || seeds[0] != srv.URL {
		t.Fatalf("only mode with no sitemap must fall back to the origin, got %v", seeds)
	}
}
