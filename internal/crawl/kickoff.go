package crawl

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

const (
	sitemapFetchTimeout = 15 * time.Second
	maxSitemapDepth     = 3
)

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Kickoff expands a crawl's seed URL into the first wave of candidate
// URLs. The origin itself is always a candidate; the site's sitemaps
// contribute more unless the crawl opted out. Robots.txt is fetched
// once here and stored on the crawl record for workers to consult.
type Kickoff struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

func NewKickoff(userAgent string, logger *slog.Logger) *Kickoff {
	return &Kickoff{
		client:    &http.Client{Timeout: sitemapFetchTimeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// FetchRobots retrieves the origin's robots.txt. Failure is not fatal
// to the crawl; an empty string means no robots policy applies.
func (k *Kickoff) FetchRobots(ctx context.Context, originURL string) string {
	origin, err := url.Parse(originURL)
	if err != nil {
		return ""
	}
	robotsURL := origin.Scheme + "://" + origin.Host + "/robots.txt"

	body, status, err := k.fetch(ctx, robotsURL)
	if err != nil || status != http.StatusOK {
		k.logger.Debug("robots_txt_unavailable", "url", robotsURL, "status", status)
		return ""
	}
	return string(body)
}

// RobotsAllows checks a URL against a stored robots.txt body. A crawl
// with no stored robots, or one whose team bypasses robots, permits
// everything.
func RobotsAllows(robotsBody, rawURL, userAgent string) bool {
	if robotsBody == "" {
		return true
	}
	robots, err := robotstxt.FromString(robotsBody)
	if err != nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return robots.TestAgent(path, userAgent)
}

// ExpandSeeds produces the kickoff candidate list. In "only" mode the
// origin page is excluded and the sitemap is the sole source; in
// "skip" mode only the origin is seeded.
func (k *Kickoff) ExpandSeeds(ctx context.Context, originURL string, opts CrawlerOptions) []string {
	var candidates []string
	if opts.Sitemap != "only" {
		candidates = append(candidates, originURL)
	}
	if opts.Sitemap == "skip" {
		return candidates
	}

	origin, err := url.Parse(originURL)
	if err != nil {
		return candidates
	}
	sitemapURL := origin.Scheme + "://" + origin.Host + "/sitemap.xml"

	found := k.collectFromSitemap(ctx, sitemapURL, 0)
	if len(found) == 0 && opts.Sitemap == "only" {
		// No sitemap to honor; fall back to the origin so the crawl
		// still produces something.
		candidates = append(candidates, originURL)
	}
	k.logger.Info("kickoff_sitemap", "origin", originURL, "urls", len(found))
	return append(candidates, found...)
}

// collectFromSitemap parses one sitemap document, recursing into
// sitemap indexes up to a fixed depth.
func (k *Kickoff) collectFromSitemap(ctx context.Context, sitemapURL string, depth int) []string {
	if depth > maxSitemapDepth {
		return nil
	}
	body, status, err := k.fetch(ctx, sitemapURL)
	if err != nil || status != http.StatusOK {
		return nil
	}

	var urls []string
	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		for _, entry := range set.URLs {
			loc := strings.TrimSpace(entry.Loc)
			if loc != "" {
				urls = append(urls, loc)
			}
		}
		return urls
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil {
		for _, child := range index.Sitemaps {
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			urls = append(urls, k.collectFromSitemap(ctx, loc, depth+1)...)
		}
	}
	return urls
}

func (k *Kickoff) fetch(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", k.userAgent)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, resp.StatusCode, nil
}
