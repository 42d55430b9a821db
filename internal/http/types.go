package http

import (
	"time"

	"harvest/internal/model"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// ScrapeRequest is the body of POST /v2/scrape.
type ScrapeRequest struct {
	URL string `json:"url"`
	model.ScrapeOptions
}

// ScrapeResponse wraps a single scraped document.
type ScrapeResponse struct {
	Success  bool           `json:"success"`
	Data     model.Document `json:"data"`
	ScrapeID string         `json:"scrape_id,omitempty"`
}

// BatchScrapeRequest is the body of POST /v2/batch/scrape.
type BatchScrapeRequest struct {
	URLs []string `json:"urls"`
	model.ScrapeOptions
	IgnoreInvalidURLs bool `json:"ignoreInvalidURLs,omitempty"`
}

// BatchScrapeResponse returns the crawl-style id used to poll results.
type BatchScrapeResponse struct {
	Success     bool     `json:"success"`
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	InvalidURLs []string `json:"invalidURLs,omitempty"`
}

// WebhookSpec configures crawl event delivery.
type WebhookSpec struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// CrawlRequest is the body of POST /v2/crawl.
type CrawlRequest struct {
	URL                string              `json:"url"`
	IncludePaths       []string            `json:"includePaths,omitempty"`
	ExcludePaths       []string            `json:"excludePaths,omitempty"`
	Limit              *int                `json:"limit,omitempty"`
	MaxDiscoveryDepth  *int                `json:"maxDiscoveryDepth,omitempty"`
	AllowSubdomains    bool                `json:"allowSubdomains,omitempty"`
	AllowExternalLinks bool                `json:"allowExternalLinks,omitempty"`
	IgnoreQueryParams  bool                `json:"ignoreQueryParameters,omitempty"`
	RegexOnFullURL     bool                `json:"regexOnFullURL,omitempty"`
	IgnoreRobots       bool                `json:"ignoreRobotsTxt,omitempty"`
	Sitemap            string              `json:"sitemap,omitempty"`
	Delay              int                 `json:"delay,omitempty"`
	MaxConcurrency     *int                `json:"maxConcurrency,omitempty"`
	Webhook            *WebhookSpec        `json:"webhook,omitempty"`
	ScrapeOptions      model.ScrapeOptions `json:"scrapeOptions"`
	ZeroDataRetention  bool                `json:"zeroDataRetention,omitempty"`
}

// CrawlResponse acknowledges an accepted crawl.
type CrawlResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}

// CrawlStatusResponse is the body of GET /v2/crawl/:id.
type CrawlStatusResponse struct {
	Success   bool             `json:"success"`
	Status    string           `json:"status"`
	Total     int64            `json:"total"`
	Completed int64            `json:"completed"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Next      string           `json:"next,omitempty"`
	Data      []model.Document `json:"data"`
}

// CrawlErrorEntry is one failed child job in GET /v2/crawl/:id/errors.
type CrawlErrorEntry struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Code      string     `json:"code,omitempty"`
	Error     string     `json:"error"`
}

// CrawlErrorsResponse lists failures and robots-blocked URLs.
type CrawlErrorsResponse struct {
	Errors        []CrawlErrorEntry `json:"errors"`
	RobotsBlocked []string          `json:"robotsBlocked"`
}

// MapRequest is the body of POST /v2/map.
type MapRequest struct {
	URL               string `json:"url"`
	Search            string `json:"search,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	IncludeSubdomains bool   `json:"includeSubdomains,omitempty"`
	IgnoreSitemap     bool   `json:"ignoreSitemap,omitempty"`
	SitemapOnly       bool   `json:"sitemapOnly,omitempty"`
}

// MapResponse lists discovered links.
type MapResponse struct {
	Success bool     `json:"success"`
	Links   []string `json:"links"`
}

// SearchRequest is the body of POST /v2/search.
type SearchRequest struct {
	Query             string               `json:"query"`
	Sources           []string             `json:"sources,omitempty"`
	Limit             int                  `json:"limit,omitempty"`
	Country           string               `json:"country,omitempty"`
	Location          string               `json:"location,omitempty"`
	TBS               string               `json:"tbs,omitempty"`
	Timeout           int                  `json:"timeout,omitempty"`
	IgnoreInvalidURLs bool                 `json:"ignoreInvalidURLs,omitempty"`
	ScrapeOptions     *model.ScrapeOptions `json:"scrapeOptions,omitempty"`
}

// SearchResultItem is one hit, with the scraped document attached when
// scraping was requested and succeeded.
type SearchResultItem struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Markdown    string          `json:"markdown,omitempty"`
	HTML        string          `json:"html,omitempty"`
	Links       []string        `json:"links,omitempty"`
	Metadata    *model.Metadata `json:"metadata,omitempty"`
}

// SearchResponse groups results by source type.
type SearchResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Web    []SearchResultItem `json:"web,omitempty"`
		News   []SearchResultItem `json:"news,omitempty"`
		Images []SearchResultItem `json:"images,omitempty"`
	} `json:"data"`
}

// ExtractRequest is the body of POST /v2/extract.
type ExtractRequest struct {
	URLs               []string             `json:"urls"`
	Prompt             string               `json:"prompt,omitempty"`
	Schema             map[string]any       `json:"schema,omitempty"`
	AllowExternalLinks bool                 `json:"allowExternalLinks,omitempty"`
	ScrapeOptions      *model.ScrapeOptions `json:"scrapeOptions,omitempty"`
	Timeout            int                  `json:"timeout,omitempty"`
}

// ExtractResponse acknowledges an accepted extract job.
type ExtractResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// ExtractStatusResponse is the body of GET /v2/extract/:id.
type ExtractStatusResponse struct {
	Success   bool           `json:"success"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	Sources   []string       `json:"sources,omitempty"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// ConcurrencyCheckResponse reports a team's live concurrency.
type ConcurrencyCheckResponse struct {
	Success        bool  `json:"success"`
	Concurrency    int   `json:"concurrency"`
	MaxConcurrency int   `json:"maxConcurrency"`
	QueuedJobs     int64 `json:"queuedJobs"`
}
