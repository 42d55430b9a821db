package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvest/internal/crawl"
	"harvest/internal/model"
)

// scrapeHandler runs a synchronous scrape: enqueue, wait for the
// terminal notification, return the document.
func (s *Server) scrapeHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	var req ScrapeRequest
	if err := c.BodyParser(&req); err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "invalid JSON body",
		})
	}
	if terr := validateScrapeURL(req.URL); terr != nil {
		return transportableError(c, terr)
	}
	if err := s.admission.CheckCredits(acuc, 1); err != nil {
		return transportableError(c, err)
	}

	jobID := uuid.New()
	data := model.JobData{
		Mode:   model.JobModeScrape,
		URL:    req.URL,
		Scrape: req.ScrapeOptions,
		Internal: model.InternalOptions{
			TeamID:            acuc.TeamID,
			ZeroDataRetention: acuc.ZeroDataRetention,
			BypassRobots:      acuc.RobotsBypass,
		},
	}

	waitTimeout := time.Duration(s.cfg.Worker.SyncJobWaitTimeoutMs) * time.Millisecond
	if req.TimeoutMs > 0 {
		waitTimeout = time.Duration(req.TimeoutMs)*time.Millisecond + 5*time.Second
	}

	doc, err := s.submitter.ExecuteSync(c.Context(), jobID, data, s.admission.Ceiling(acuc, acuc), waitTimeout)
	if err != nil {
		return transportableError(c, err)
	}
	return c.JSON(ScrapeResponse{Success: true, Data: *doc, ScrapeID: jobID.String()})
}

// batchScrapeHandler accepts a list of URLs and runs them as an
// asynchronous crawl with discovery disabled; results are polled
// through the crawl status endpoint.
func (s *Server) batchScrapeHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	var req BatchScrapeRequest
	if err := c.BodyParser(&req); err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "invalid JSON body",
		})
	}
	if len(req.URLs) == 0 {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "urls is required",
		})
	}

	var valid []string
	var invalid []string
	for _, u := range req.URLs {
		if terr := validateScrapeURL(u); terr != nil {
			if !req.IgnoreInvalidURLs {
				return transportableError(c, terr)
			}
			invalid = append(invalid, u)
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "no valid urls in request",
		})
	}
	if err := s.admission.CheckCredits(acuc, int64(len(valid))); err != nil {
		return transportableError(c, err)
	}

	crawlID := uuid.NewString()
	zeroDepth := 0
	stored := &crawl.StoredCrawl{
		OriginURL: valid[0],
		CrawlerOptions: crawl.CrawlerOptions{
			Limit:             len(valid),
			MaxDiscoveryDepth: &zeroDepth,
			Sitemap:           "skip",
		},
		ScrapeOptions:     req.ScrapeOptions,
		InternalOptions:   model.InternalOptions{TeamID: acuc.TeamID, BypassRobots: acuc.RobotsBypass},
		TeamID:            acuc.TeamID,
		CreatedAt:         time.Now().UTC(),
		ZeroDataRetention: acuc.ZeroDataRetention,
	}
	ttl := s.crawls.TTLFor(stored, acuc.CrawlTTLHours)
	if err := s.crawls.Save(c.Context(), crawlID, stored, ttl); err != nil {
		return transportableError(c, err)
	}

	ceiling := s.admission.Ceiling(acuc, acuc)
	for _, u := range valid {
		canonical, err := crawl.CanonicalURL(u, false)
		if err != nil {
			continue
		}
		admitted, err := s.crawls.TryAdmitURL(c.Context(), crawlID, canonical, len(valid))
		if err != nil || !admitted {
			continue
		}

		jobID := uuid.New()
		data := model.JobData{
			Mode:    model.JobModeScrape,
			URL:     canonical,
			CrawlID: crawlID,
			Scrape:  req.ScrapeOptions,
			Internal: model.InternalOptions{
				TeamID:            acuc.TeamID,
				ZeroDataRetention: acuc.ZeroDataRetention,
				BypassRobots:      acuc.RobotsBypass,
			},
		}
		if _, err := s.submitter.Submit(c.Context(), jobID, data, ceiling); err != nil {
			s.logger.Error("batch_enqueue_failed", "crawl_id", crawlID, "url", canonical, "error", err)
			continue
		}
		if err := s.crawls.AddJob(c.Context(), crawlID, jobID.String()); err != nil {
			s.logger.Error("batch_job_add_failed", "crawl_id", crawlID, "job_id", jobID, "error", err)
		}
	}

	return c.JSON(BatchScrapeResponse{
		Success:     true,
		ID:          crawlID,
		URL:         c.BaseURL() + "/v2/crawl/" + crawlID,
		InvalidURLs: invalid,
	})
}

// mapHandler discovers a site's URLs without scraping them.
func (s *Server) mapHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	var req MapRequest
	if err := c.BodyParser(&req); err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "invalid JSON body",
		})
	}
	if terr := validateScrapeURL(req.URL); terr != nil {
		return transportableError(c, terr)
	}
	if err := s.admission.CheckCredits(acuc, 1); err != nil {
		return transportableError(c, err)
	}

	limit := req.Limit
	if limit <= 0 || limit > s.cfg.Crawler.HardPageLimit {
		limit = s.cfg.Crawler.HardPageLimit
	}

	links, err := s.mapper.Map(c.Context(), req.URL, crawl.MapOptions{
		Search:            req.Search,
		Limit:             limit,
		IncludeSubdomains: req.IncludeSubdomains,
		IgnoreSitemap:     req.IgnoreSitemap,
		SitemapOnly:       req.SitemapOnly,
	})
	if err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: err.Error(),
		})
	}

	if err := s.billing.Charge(c.Context(), acuc.TeamID, 1, "map"); err != nil {
		s.logger.Warn("billing_failed", "team_id", acuc.TeamID, "error", err)
	}
	return c.JSON(MapResponse{Success: true, Links: links})
}
