package model

import "time"

// Metadata carries page-level metadata extracted by the engines plus
// accounting fields filled in by the pipeline.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Language      string `json:"language,omitempty"`
	Keywords      string `json:"keywords,omitempty"`
	Robots        string `json:"robots,omitempty"`
	OgTitle       string `json:"ogTitle,omitempty"`
	OgDescription string `json:"ogDescription,omitempty"`
	OgURL         string `json:"ogUrl,omitempty"`
	OgImage       string `json:"ogImage,omitempty"`
	OgSiteName    string `json:"ogSiteName,omitempty"`
	SourceURL     string `json:"sourceURL,omitempty"`
	StatusCode    int    `json:"statusCode"`
	ProxyUsed     string `json:"proxyUsed,omitempty"`
	NumPages      int    `json:"numPages,omitempty"`
	CreditsUsed   int    `json:"creditsUsed,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
}

// LinkMetadata captures additional information about an outbound link
// discovered during scraping.
type LinkMetadata struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
	Rel  string `json:"rel,omitempty"`
}

// Document is the return value of a scrape: the shape produced by the
// engine pipeline and consumed by crawl/search/extract and clients.
type Document struct {
	Markdown     string                 `json:"markdown,omitempty"`
	HTML         string                 `json:"html,omitempty"`
	RawHTML      string                 `json:"rawHtml,omitempty"`
	Links        []string               `json:"links,omitempty"`
	LinkMetadata []LinkMetadata         `json:"linkMetadata,omitempty"`
	Screenshot   string                 `json:"screenshot,omitempty"`
	JSON         map[string]interface{} `json:"json,omitempty"`
	Metadata     Metadata               `json:"metadata"`
}

// ScrapeOptions is the per-URL option set carried in job payloads.
type ScrapeOptions struct {
	Formats      []interface{}     `json:"formats,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	TimeoutMs    int               `json:"timeout,omitempty"`
	WaitForMs    int               `json:"waitFor,omitempty"`
	Mobile       bool              `json:"mobile,omitempty"`
	Proxy        string            `json:"proxy,omitempty"`
	UseBrowser   *bool             `json:"useBrowser,omitempty"`
	JSONPrompt   string            `json:"jsonPrompt,omitempty"`
	JSONSchema   map[string]any    `json:"jsonSchema,omitempty"`
	FullPageShot bool              `json:"fullPageScreenshot,omitempty"`
}

// InternalOptions are orchestrator-level knobs that ride along with a
// job but are never exposed to clients.
type InternalOptions struct {
	TeamID             string `json:"teamId"`
	ZeroDataRetention  bool   `json:"zeroDataRetention,omitempty"`
	DiscoveryDepth     int    `json:"discoveryDepth,omitempty"`
	SkipBilling        bool   `json:"skipBilling,omitempty"`
	BypassRobots       bool   `json:"bypassRobots,omitempty"`
	DisableConcurrency bool   `json:"disableConcurrencyRegister,omitempty"`
}

// Job payload modes. The payload schema is fixed: the queue is not a
// general-purpose task queue.
const (
	JobModeScrape  = "scrape"
	JobModeKickoff = "kickoff"
)

// JobData is the opaque JSON payload stored in queue_scrape.data.
type JobData struct {
	Mode     string          `json:"mode"`
	URL      string          `json:"url,omitempty"`
	CrawlID  string          `json:"crawlId,omitempty"`
	Scrape   ScrapeOptions   `json:"scrapeOptions"`
	Internal InternalOptions `json:"internalOptions"`
}

// ACUC (auth credit-usage chunk) is the per-team identity resolved on
// every request: credits, limits, and flags. Authoritative counters
// live in the billing store; this is a short-TTL cached view.
type ACUC struct {
	TeamID              string         `json:"teamId"`
	SubID               string         `json:"subId,omitempty"`
	PriceCredits        int64          `json:"priceCredits"`
	CreditsUsed         int64          `json:"creditsUsed"`
	AdjustedCreditsUsed int64          `json:"adjustedCreditsUsed"`
	RemainingCredits    int64          `json:"remainingCredits"`
	Concurrency         int            `json:"concurrency"`
	RateLimits          map[string]int `json:"rateLimits,omitempty"`
	IsAdmin             bool           `json:"isAdmin,omitempty"`
	ZeroDataRetention   bool           `json:"zeroDataRetention,omitempty"`
	RobotsBypass        bool           `json:"robotsBypass,omitempty"`
	CrawlTTLHours       int            `json:"crawlTtlHours,omitempty"`
	FetchedAt           time.Time      `json:"-"`
}

// RateLimit returns the per-minute limit for a mode, falling back to
// the provided default when the team has no override.
func (a *ACUC) RateLimit(mode string, fallback int) int {
	if a == nil {
		return fallback
	}
	if v, ok := a.RateLimits[mode]; ok && v > 0 {
		return v
	}
	return fallback
}
