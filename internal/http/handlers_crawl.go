package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvest/internal/crawl"
	"harvest/internal/model"
	"harvest/internal/nuq"
	"harvest/internal/webhook"
)

// crawlHandler accepts a crawl, persists its record, and enqueues the
// kickoff job that seeds the frontier.
func (s *Server) crawlHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	var req CrawlRequest
	if err := c.BodyParser(&req); err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "invalid JSON body",
		})
	}
	if terr := validateScrapeURL(req.URL); terr != nil {
		return transportableError(c, terr)
	}
	// Regex patterns are compiled once here so a bad pattern is a 400,
	// not a per-link failure inside the workers.
	if _, err := crawl.CompilePathFilters(req.IncludePaths, req.ExcludePaths, req.RegexOnFullURL); err != nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: err.Error(),
		})
	}
	if req.ZeroDataRetention && s.cfg.Auth.Enabled && !acuc.ZeroDataRetention {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeForbidden, Message: "team is not enrolled in zero data retention",
		})
	}

	limit := s.cfg.Crawler.MaxPagesDefault
	if req.Limit != nil && *req.Limit > 0 {
		limit = *req.Limit
	}
	if limit > s.cfg.Crawler.HardPageLimit {
		limit = s.cfg.Crawler.HardPageLimit
	}
	if err := s.admission.CheckCredits(acuc, int64(limit)); err != nil {
		return transportableError(c, err)
	}

	crawlID := uuid.NewString()
	stored := &crawl.StoredCrawl{
		OriginURL: req.URL,
		CrawlerOptions: crawl.CrawlerOptions{
			IncludePaths:       req.IncludePaths,
			ExcludePaths:       req.ExcludePaths,
			Limit:              limit,
			MaxDiscoveryDepth:  req.MaxDiscoveryDepth,
			AllowSubdomains:    req.AllowSubdomains,
			AllowExternalLinks: req.AllowExternalLinks,
			IgnoreQueryParams:  req.IgnoreQueryParams,
			RegexOnFullURL:     req.RegexOnFullURL,
			IgnoreRobots:       req.IgnoreRobots,
			Sitemap:            req.Sitemap,
			DelayMs:            req.Delay,
		},
		ScrapeOptions: req.ScrapeOptions,
		InternalOptions: model.InternalOptions{
			TeamID:       acuc.TeamID,
			BypassRobots: acuc.RobotsBypass,
		},
		TeamID:            acuc.TeamID,
		CreatedAt:         time.Now().UTC(),
		MaxConcurrency:    req.MaxConcurrency,
		ZeroDataRetention: req.ZeroDataRetention || acuc.ZeroDataRetention,
	}
	if req.Webhook != nil {
		stored.Webhook = req.Webhook.URL
		stored.WebhookHeaders = req.Webhook.Headers
	}

	ttl := s.crawls.TTLFor(stored, acuc.CrawlTTLHours)
	if err := s.crawls.Save(c.Context(), crawlID, stored, ttl); err != nil {
		return transportableError(c, err)
	}

	kickoffID := uuid.New()
	data := model.JobData{
		Mode:    model.JobModeKickoff,
		URL:     req.URL,
		CrawlID: crawlID,
		Scrape:  req.ScrapeOptions,
		Internal: model.InternalOptions{
			TeamID:             acuc.TeamID,
			ZeroDataRetention:  stored.ZeroDataRetention,
			BypassRobots:       acuc.RobotsBypass,
			DisableConcurrency: true,
		},
	}
	if _, err := s.submitter.Submit(c.Context(), kickoffID, data, 0); err != nil {
		return transportableError(c, err)
	}

	s.webhooks.SendAsync(stored.Webhook, stored.WebhookHeaders, webhook.Payload{
		Type: webhook.EventCrawlStarted, ID: crawlID, Success: true,
	})
	return c.JSON(CrawlResponse{
		Success: true,
		ID:      crawlID,
		URL:     c.BaseURL() + "/v2/crawl/" + crawlID,
	})
}

// crawlStatusHandler returns crawl progress and a page of completed
// documents in completion order.
func (s *Server) crawlStatusHandler(c *fiber.Ctx) error {
	crawlID := c.Params("id")
	stored, err := s.crawls.Get(c.Context(), crawlID)
	if err != nil {
		if errors.Is(err, crawl.ErrCrawlNotFound) {
			return transportableError(c, &model.TransportableError{
				Code: model.CodeJobNotFound, Message: "crawl not found",
			})
		}
		return transportableError(c, err)
	}
	if terr := s.requireCrawlOwner(c, stored); terr != nil {
		return transportableError(c, terr)
	}

	total, done, err := s.crawls.Counts(c.Context(), crawlID)
	if err != nil {
		return transportableError(c, err)
	}

	status := "scraping"
	switch {
	case stored.Cancelled:
		status = "cancelled"
	case total > 0 && done >= total:
		status = "completed"
	}

	skip, _ := strconv.ParseInt(c.Query("skip", "0"), 10, 64)
	pageSize, _ := strconv.ParseInt(c.Query("limit", "100"), 10, 64)
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	ids, err := s.crawls.DoneJobIDsOrdered(c.Context(), crawlID, skip, skip+pageSize-1)
	if err != nil {
		return transportableError(c, err)
	}

	var jobIDs []uuid.UUID
	for _, raw := range ids {
		if id, err := uuid.Parse(raw); err == nil {
			jobIDs = append(jobIDs, id)
		}
	}
	jobs, err := s.queue.GetJobsWithStatuses(c.Context(), jobIDs, []string{nuq.StatusCompleted})
	if err != nil {
		return transportableError(c, err)
	}

	docs := make([]model.Document, 0, len(jobs))
	for _, job := range jobs {
		if !job.ReturnValue.Valid {
			continue
		}
		var doc model.Document
		if err := json.Unmarshal(job.ReturnValue.RawMessage, &doc); err != nil {
			s.logger.Warn("crawl_doc_decode_failed", "job_id", job.ID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}

	resp := CrawlStatusResponse{
		Success:   true,
		Status:    status,
		Total:     total,
		Completed: done,
		ExpiresAt: stored.CreatedAt.Add(s.crawls.TTLFor(stored, acucFrom(c).CrawlTTLHours)),
		Data:      docs,
	}
	if skip+int64(len(ids)) < done {
		resp.Next = fmt.Sprintf("%s/v2/crawl/%s?skip=%d&limit=%d", c.BaseURL(), crawlID, skip+pageSize, pageSize)
	}
	return c.JSON(resp)
}

// crawlCancelHandler flags the crawl cancelled; in-flight children
// observe the flag and fail out.
func (s *Server) crawlCancelHandler(c *fiber.Ctx) error {
	crawlID := c.Params("id")
	stored, err := s.crawls.Get(c.Context(), crawlID)
	if err != nil {
		if errors.Is(err, crawl.ErrCrawlNotFound) {
			return transportableError(c, &model.TransportableError{
				Code: model.CodeJobNotFound, Message: "crawl not found",
			})
		}
		return transportableError(c, err)
	}
	if terr := s.requireCrawlOwner(c, stored); terr != nil {
		return transportableError(c, terr)
	}

	if err := s.crawls.Cancel(c.Context(), crawlID); err != nil {
		return transportableError(c, err)
	}
	s.logger.Info("crawl_cancelled", "crawl_id", crawlID)
	return c.JSON(fiber.Map{"success": true, "status": "cancelled"})
}

// crawlErrorsHandler lists failed children with their structured
// failure reasons, plus the robots-blocked URL set.
func (s *Server) crawlErrorsHandler(c *fiber.Ctx) error {
	crawlID := c.Params("id")
	stored, err := s.crawls.Get(c.Context(), crawlID)
	if err != nil {
		if errors.Is(err, crawl.ErrCrawlNotFound) {
			return transportableError(c, &model.TransportableError{
				Code: model.CodeJobNotFound, Message: "crawl not found",
			})
		}
		return transportableError(c, err)
	}
	if terr := s.requireCrawlOwner(c, stored); terr != nil {
		return transportableError(c, terr)
	}

	rawIDs, err := s.crawls.JobIDs(c.Context(), crawlID)
	if err != nil {
		return transportableError(c, err)
	}
	var jobIDs []uuid.UUID
	for _, raw := range rawIDs {
		if id, err := uuid.Parse(raw); err == nil {
			jobIDs = append(jobIDs, id)
		}
	}

	failed, err := s.queue.GetJobsWithStatuses(c.Context(), jobIDs, []string{nuq.StatusFailed})
	if err != nil {
		return transportableError(c, err)
	}

	entries := make([]CrawlErrorEntry, 0, len(failed))
	for _, job := range failed {
		var data model.JobData
		_ = json.Unmarshal(job.Data, &data)

		reason := ""
		if job.FailedReason != nil {
			reason = *job.FailedReason
		}
		terr := model.ParseTransportable(reason)
		entries = append(entries, CrawlErrorEntry{
			ID:        job.ID.String(),
			URL:       data.URL,
			Timestamp: job.FinishedAt,
			Code:      terr.Code,
			Error:     terr.Message,
		})
	}

	blocked, err := s.crawls.RobotsBlocked(c.Context(), crawlID)
	if err != nil {
		return transportableError(c, err)
	}
	if blocked == nil {
		blocked = []string{}
	}
	return c.JSON(CrawlErrorsResponse{Errors: entries, RobotsBlocked: blocked})
}

// requireCrawlOwner prevents cross-team reads of crawl state.
func (s *Server) requireCrawlOwner(c *fiber.Ctx, stored *crawl.StoredCrawl) *model.TransportableError {
	acuc := acucFrom(c)
	if acuc == nil {
		return &model.TransportableError{Code: model.CodeForbidden, Message: "identity missing"}
	}
	if acuc.IsAdmin || stored.TeamID == acuc.TeamID {
		return nil
	}
	return &model.TransportableError{Code: model.CodeForbidden, Message: "crawl belongs to another team"}
}
