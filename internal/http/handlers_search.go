package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvest/internal/model"
	"harvest/internal/search"
)

// searchHandler runs a search query and optionally scrapes every
// non-image hit. Requests carrying the preview token bypass the queue
// and billing entirely; everything else rides the normal scrape path.
func (s *Server) searchHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	if s.provider == nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "search is disabled on this deployment",
		})
	}

	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "invalid JSON body",
		})
	}
	if req.Query == "" {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "query is required",
		})
	}

	limit := req.Limit
	if limit <= 0 || limit > s.cfg.Search.MaxResults {
		limit = s.cfg.Search.MaxResults
	}
	if err := s.admission.CheckCredits(acuc, int64(limit)); err != nil {
		return transportableError(c, err)
	}

	preview := s.cfg.Search.PreviewToken != "" && c.Get("X-Preview-Token") == s.cfg.Search.PreviewToken
	orchestrator := search.NewOrchestrator(s.provider, s.searchScrapeFunc(acuc, preview),
		s.cfg.Search.MaxConcurrentScrapes, s.logger)

	searchReq := &search.Request{
		Query:            req.Query,
		Sources:          req.Sources,
		Limit:            limit,
		Country:          req.Country,
		Location:         req.Location,
		TBS:              req.TBS,
		IgnoreInvalidURL: req.IgnoreInvalidURLs,
	}

	resp := SearchResponse{Success: true}
	if req.ScrapeOptions == nil || len(req.ScrapeOptions.Formats) == 0 {
		results, err := orchestrator.Search(c.Context(), searchReq)
		if err != nil {
			return transportableError(c, err)
		}
		resp.Data.Web = plainResults(results.Web)
		resp.Data.News = plainResults(results.News)
		resp.Data.Images = plainResults(results.Images)
	} else {
		web, news, images, err := orchestrator.SearchAndScrape(c.Context(), searchReq, *req.ScrapeOptions)
		if err != nil {
			return transportableError(c, err)
		}
		resp.Data.Web = scrapedResults(web)
		resp.Data.News = scrapedResults(news)
		resp.Data.Images = scrapedResults(images)

		// Per-scrape billing happens on the worker; image hits bill a
		// flat rate here since they are never scraped.
		if !preview && len(images) > 0 {
			if err := s.billing.Charge(c.Context(), acuc.TeamID, int64(len(images)), "search-images"); err != nil {
				s.logger.Warn("billing_failed", "team_id", acuc.TeamID, "error", err)
			}
		}
	}
	return c.JSON(resp)
}

// searchScrapeFunc picks the scrape path for search result
// enrichment: queued for billed traffic, direct pipeline for previews.
func (s *Server) searchScrapeFunc(acuc *model.ACUC, preview bool) search.ScrapeFunc {
	if preview {
		return func(ctx context.Context, url string, opts model.ScrapeOptions) (*model.Document, error) {
			outcome := s.pipeline.ScrapeURL(ctx, uuid.NewString(), url, opts, model.InternalOptions{
				TeamID: acuc.TeamID, SkipBilling: true, DisableConcurrency: true,
			})
			if !outcome.Success {
				return nil, outcome.Error
			}
			return outcome.Document, nil
		}
	}

	ceiling := s.admission.Ceiling(acuc, acuc)
	timeout := time.Duration(s.cfg.Worker.SyncJobWaitTimeoutMs) * time.Millisecond
	return func(ctx context.Context, url string, opts model.ScrapeOptions) (*model.Document, error) {
		data := model.JobData{
			Mode:   model.JobModeScrape,
			URL:    url,
			Scrape: opts,
			Internal: model.InternalOptions{
				TeamID:            acuc.TeamID,
				ZeroDataRetention: acuc.ZeroDataRetention,
				BypassRobots:      acuc.RobotsBypass,
			},
		}
		return s.submitter.ExecuteSync(ctx, uuid.New(), data, ceiling, timeout)
	}
}

func plainResults(hits []search.Result) []SearchResultItem {
	items := make([]SearchResultItem, 0, len(hits))
	for _, hit := range hits {
		items = append(items, SearchResultItem{Title: hit.Title, Description: hit.Description, URL: hit.URL})
	}
	return items
}

func scrapedResults(hits []search.ScrapedResult) []SearchResultItem {
	items := make([]SearchResultItem, 0, len(hits))
	for _, hit := range hits {
		item := SearchResultItem{Title: hit.Title, Description: hit.Description, URL: hit.URL}
		if hit.Document != nil {
			item.Markdown = hit.Document.Markdown
			item.HTML = hit.Document.HTML
			item.Links = hit.Document.Links
			meta := hit.Document.Metadata
			item.Metadata = &meta
		}
		items = append(items, item)
	}
	return items
}
