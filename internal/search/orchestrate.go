package search

import (
	"context"
	"log/slog"

	"harvest/internal/metrics"
	"harvest/internal/model"
)

// ScrapeFunc turns one result URL into a Document. The orchestrator is
// wired with either the queued executor path or, for preview-token
// requests, the direct in-process scrape path.
type ScrapeFunc func(ctx context.Context, url string, opts model.ScrapeOptions) (*model.Document, error)

// ScrapedResult is one search hit with its scraped document attached.
// Document is nil when the hit was not scraped or its scrape failed.
type ScrapedResult struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Document    *model.Document `json:"-"`
	ScrapeError string          `json:"-"`
}

// Orchestrator runs search queries and fans scrapes out over the
// results with a bounded worker pool, reassembling documents in the
// original result order.
type Orchestrator struct {
	provider    Provider
	scrape      ScrapeFunc
	maxParallel int
	logger      *slog.Logger
}

func NewOrchestrator(provider Provider, scrape ScrapeFunc, maxParallel int, logger *slog.Logger) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = 5
	}
	return &Orchestrator{provider: provider, scrape: scrape, maxParallel: maxParallel, logger: logger}
}

// Search runs the query without scraping.
func (o *Orchestrator) Search(ctx context.Context, req *Request) (*Results, error) {
	results, err := o.provider.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.RecordSearch(o.provider.Name(), false)
	return results, nil
}

// SearchAndScrape runs the query and scrapes every non-image hit.
// Image hits are passed through untouched. Failed scrapes keep their
// slot with the error recorded so callers can preserve ordering.
func (o *Orchestrator) SearchAndScrape(ctx context.Context, req *Request, opts model.ScrapeOptions) (web, news, images []ScrapedResult, err error) {
	results, err := o.provider.Search(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}
	metrics.RecordSearch(o.provider.Name(), true)

	web = o.scrapeGroup(ctx, results.Web, opts)
	news = o.scrapeGroup(ctx, results.News, opts)
	for _, hit := range results.Images {
		images = append(images, ScrapedResult{Title: hit.Title, Description: hit.Description, URL: hit.URL})
	}
	return web, news, images, nil
}

// scrapeGroup scrapes one result group concurrently. Output index i
// always corresponds to input hit i regardless of completion order.
func (o *Orchestrator) scrapeGroup(ctx context.Context, hits []Result, opts model.ScrapeOptions) []ScrapedResult {
	if len(hits) == 0 {
		return nil
	}
	out := make([]ScrapedResult, len(hits))
	sem := make(chan struct{}, o.maxParallel)
	done := make(chan struct{})

	for i, hit := range hits {
		out[i] = ScrapedResult{Title: hit.Title, Description: hit.Description, URL: hit.URL}
		go func(i int, url string) {
			sem <- struct{}{}
			defer func() {
				<-sem
				done <- struct{}{}
			}()

			doc, err := o.scrape(ctx, url, opts)
			if err != nil {
				o.logger.Debug("search_result_scrape_failed", "url", url, "error", err)
				out[i].ScrapeError = err.Error()
				return
			}
			out[i].Document = doc
		}(i, hit.URL)
	}
	for range hits {
		<-done
	}
	return out
}
