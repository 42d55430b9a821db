package crawl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"harvest/internal/model"
)

func mapperWith(scrape LinkScrapeFunc) *Mapper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMapper(NewKickoff("harvestbot/1.0", logger), scrape, logger)
}

func TestMapDedupesAndScopes(t *testing.T) {
	scrape := func(ctx context.Context, rawURL string, opts model.ScrapeOptions) (*model.Document, error) {
		return &model.Document{Links: []string{
			"https://example.com/a",
			"https://www.example.com/a/", // same page, different spelling
			"https://example.com/b",
			"https://other.org/x", // off-site
		}}, nil
	}

	got, err := mapperWith(scrape).Map(context.Background(), "https://example.com", MapOptions{IgnoreSitemap: true})
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	want := []string{"https://example.com", "https://example.com/a", "https://example.com/b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slot %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMapSearchFilterAndLimit(t *testing.T) {
	scrape := func(ctx context.Context, rawURL string, opts model.ScrapeOptions) (*model.Document, error) {
		return &model.Document{Links: []string{
			"https://example.com/blog/one",
			"https://example.com/blog/two",
			"https://example.com/docs/three",
		}}, nil
	}

	got, err := mapperWith(scrape).Map(context.Background(), "https://example.com", MapOptions{
		IgnoreSitemap: true, Search: "blog", Limit: 1,
	})
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if len(got) != 1 || got[0] != "https://example.com/blog/one" {
		t.Fatalf("got %v", got)
	}
}

func TestMapOriginScrapeFailureIsNotFatal(t *testing.T) {
	scrape := func(ctx context.Context, rawURL string, opts model.ScrapeOptions) (*model.Document, error) {
		return nil, errors.New("engines exhausted")
	}

	got, err := mapperWith(scrape).Map(context.Background(), "https://example.com", MapOptions{IgnoreSitemap: true})
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if len(got) != 1 || got[0] != "https://example.com" {
		t.Fatalf("origin should survive a failed page scrape, got %v", got)
	}
}
