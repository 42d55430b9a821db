package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"harvest/internal/config"
)

// Request represents a provider-agnostic search request.
type Request struct {
	Query            string
	Sources          []string
	Limit            int
	Country          string
	Location         string
	TBS              string
	Timeout          time.Duration
	IgnoreInvalidURL bool
}

// Result represents a single search hit from a provider.
type Result struct {
	Title       string
	Description string
	URL         string
}

// Results groups provider results per logical source.
type Results struct {
	Web    []Result
	News   []Result
	Images []Result
}

// Provider defines the contract for pluggable search providers.
// Implementations map a provider-agnostic Request into provider
// API calls and normalize hits back into the shared Results shape.
type Provider interface {
	Search(ctx context.Context, req *Request) (*Results, error)
	Name() string
}

// NewProviderFromConfig constructs a search Provider based on
// configuration. Only a SearxNG-backed provider exists today, but the
// interface is intentionally narrow so additional providers can be
// added without touching callers.
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if !cfg.Search.Enabled {
		return nil, fmt.Errorf("search disabled in configuration")
	}
	return NewSearxngProvider(cfg.Search)
}

// SearxngProvider implements Provider using a SearxNG instance with
// the JSON API enabled.
type SearxngProvider struct {
	baseURL      string
	client       *http.Client
	defaultLimit int
}

// NewSearxngProvider creates a new SearxngProvider from SearchConfig.
func NewSearxngProvider(cfg config.SearchConfig) (*SearxngProvider, error) {
	base := strings.TrimRight(cfg.Searxng.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("searxng.baseURL is required when search is enabled")
	}

	timeoutMs := cfg.Searxng.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = cfg.TimeoutMs
	}
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	defaultLimit := cfg.Searxng.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 5
	}

	return &SearxngProvider{
		baseURL:      base,
		client:       &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		defaultLimit: defaultLimit,
	}, nil
}

func (p *SearxngProvider) Name() string { return "searxng" }

// searxngResponse models only the subset of the SearxNG JSON response
// needed here.
type searxngResponse struct {
	Results []struct {
		Title    string `json:"title"`
		URL      string `json:"url"`
		Content  string `json:"content"`
		Category string `json:"category"`
	} `json:"results"`
}

// Search executes a query against the configured SearxNG instance.
func (p *SearxngProvider) Search(ctx context.Context, req *Request) (*Results, error) {
	if req == nil {
		return nil, fmt.Errorf("nil search request")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("empty search query")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = p.defaultLimit
	}

	values := url.Values{}
	values.Set("q", req.Query)
	values.Set("format", "json")
	values.Set("limit", strconv.Itoa(limit))

	var categories []string
	for _, s := range req.Sources {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "images":
			categories = append(categories, "images")
		case "news":
			categories = append(categories, "news")
		case "web", "":
			categories = append(categories, "general")
		}
	}
	if len(categories) == 0 {
		categories = []string{"general"}
	}
	values.Set("categories", strings.Join(categories, ","))
	if req.Country != "" {
		values.Set("language", strings.ToLower(req.Country))
	}
	if req.TBS != "" {
		values.Set("time_range", mapTBS(req.TBS))
	}

	endpoint := p.baseURL + "/search?" + values.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("searxng request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode searxng response: %w", err)
	}

	out := &Results{}
	for _, r := range parsed.Results {
		if req.IgnoreInvalidURL {
			if _, err := url.ParseRequestURI(r.URL); err != nil {
				continue
			}
		}
		hit := Result{Title: r.Title, Description: r.Content, URL: r.URL}
		switch r.Category {
		case "images":
			if len(out.Images) < limit {
				out.Images = append(out.Images, hit)
			}
		case "news":
			if len(out.News) < limit {
				out.News = append(out.News, hit)
			}
		default:
			if len(out.Web) < limit {
				out.Web = append(out.Web, hit)
			}
		}
	}
	return out, nil
}

// mapTBS translates Google-style tbs values into SearxNG time ranges.
func mapTBS(tbs string) string {
	switch tbs {
	case "qdr:d":
		return "day"
	case "qdr:w":
		return "week"
	case "qdr:m":
		return "month"
	case "qdr:y":
		return "year"
	}
	return ""
}
