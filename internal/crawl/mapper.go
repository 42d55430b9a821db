package crawl

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"harvest/internal/model"
)

// LinkScrapeFunc fetches one page and returns its document; the mapper
// only needs the links out of it.
type LinkScrapeFunc func(ctx context.Context, rawURL string, opts model.ScrapeOptions) (*model.Document, error)

// Mapper produces the link map of a site: sitemap URLs merged with the
// origin page's outbound links, canonicalized and deduplicated.
type Mapper struct {
	kickoff *Kickoff
	scrape  LinkScrapeFunc
	logger  *slog.Logger
}

func NewMapper(kickoff *Kickoff, scrape LinkScrapeFunc, logger *slog.Logger) *Mapper {
	return &Mapper{kickoff: kickoff, scrape: scrape, logger: logger}
}

// MapOptions controls one map operation.
type MapOptions struct {
	Search            string
	Limit             int
	IncludeSubdomains bool
	IgnoreSitemap     bool
	SitemapOnly       bool
}

// Map discovers a site's URLs up to the limit. Order is stable: the
// origin first, then sitemap entries, then page links.
func (m *Mapper) Map(ctx context.Context, originURL string, opts MapOptions) ([]string, error) {
	canonical, err := CanonicalURL(originURL, false)
	if err != nil {
		return nil, err
	}
	origin, err := url.Parse(canonical)
	if err != nil {
		return nil, err
	}

	var candidates []string
	candidates = append(candidates, canonical)

	if !opts.IgnoreSitemap {
		sitemapMode := "include"
		if opts.SitemapOnly {
			sitemapMode = "only"
		}
		candidates = append(candidates, m.kickoff.ExpandSeeds(ctx, canonical, CrawlerOptions{Sitemap: sitemapMode})...)
	}

	if !opts.SitemapOnly {
		doc, err := m.scrape(ctx, canonical, model.ScrapeOptions{Formats: []interface{}{"links"}})
		if err != nil {
			m.logger.Debug("map_origin_scrape_failed", "url", canonical, "error", err)
		} else {
			candidates = append(candidates, doc.Links...)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, candidate := range candidates {
		c, err := CanonicalURL(candidate, false)
		if err != nil {
			continue
		}
		u, err := url.Parse(c)
		if err != nil || !SameSite(origin, u, opts.IncludeSubdomains) {
			continue
		}
		if opts.Search != "" && !strings.Contains(strings.ToLower(c), strings.ToLower(opts.Search)) {
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}
