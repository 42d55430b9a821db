package engine

import (
	"context"
	"time"

	"harvest/internal/model"
)

// Request is the per-engine scrape input.
type Request struct {
	URL        string
	Headers    map[string]string
	UserAgent  string
	Timeout    time.Duration
	WaitFor    time.Duration
	Mobile     bool
	Screenshot bool
	FullPage   bool
}

// Result is the raw output of a single engine attempt. Markdown may be
// empty; the pipeline derives it from HTML when the engine did not.
type Result struct {
	HTML         string
	Markdown     string
	StatusCode   int
	Links        []string
	LinkMetadata []model.LinkMetadata
	Metadata     map[string]any
	Screenshot   []byte
	NumPages     int
	// PageError is a content-level error reported by the engine (e.g.
	// an interstitial or challenge page), distinct from transport
	// failures which surface as Go errors.
	PageError string
}

// Features describe what an engine can do; the fallback list is
// filtered on them.
type Features struct {
	Mobile     bool
	Stealth    bool
	Screenshot bool
	PDF        bool
}

// Engine scrapes one URL. Implementations must honor ctx cancellation;
// the pipeline bounds each call with a per-engine timeout.
type Engine interface {
	ID() string
	Features() Features
	Scrape(ctx context.Context, req Request) (*Result, error)
}

// Attempt records one engine run for the returned logs array.
type Attempt struct {
	Engine     string `json:"engine"`
	Reason     string `json:"reason"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Accepted   bool   `json:"accepted"`
}

// Outcome is the result of running the full fallback pipeline for a
// URL.
type Outcome struct {
	Success  bool
	Document *model.Document
	Error    *model.TransportableError
	Logs     []Attempt
}
