package worker

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"harvest/internal/crawl"
	"harvest/internal/model"
	"harvest/internal/nuq"
	"harvest/internal/webhook"
)

// runKickoffJob seeds a crawl: fetch robots, expand the origin through
// the sitemap, and admit the first wave of child scrape jobs.
func (w *Worker) runKickoffJob(ctx context.Context, job *nuq.Job, data model.JobData) {
	stored, err := w.crawls.Get(ctx, data.CrawlID)
	if err != nil {
		w.failJob(ctx, job.ID, data, &model.TransportableError{
			Code: model.CodeJobExpired, Message: "crawl record expired or missing",
		})
		return
	}
	if stored.Cancelled {
		w.failKickoff(ctx, job.ID, data, stored, &model.TransportableError{
			Code: model.CodeJobExpired, Message: "crawl was cancelled",
		})
		return
	}

	if stored.Robots == "" && w.cfg.Robots.Respect && !stored.CrawlerOptions.IgnoreRobots {
		stored.Robots = w.kickoff.FetchRobots(ctx, stored.OriginURL)
		if stored.Robots != "" {
			if err := w.crawls.Save(ctx, data.CrawlID, stored, 0); err != nil {
				w.logger.Warn("crawl_save_failed", "crawl_id", data.CrawlID, "error", err)
			}
		}
	}

	candidates := w.kickoff.ExpandSeeds(ctx, stored.OriginURL, stored.CrawlerOptions)

	admitted := 0
	for _, candidate := range candidates {
		if w.admitChildURL(ctx, data.CrawlID, stored, data, candidate, 0) {
			admitted++
		}
	}
	w.logger.Info("crawl_kickoff", "crawl_id", data.CrawlID, "candidates", len(candidates), "admitted", admitted)

	if _, err := w.queue.Finish(ctx, job.ID, w.nonce, []byte(`{"kickoff":true}`)); err != nil {
		w.logger.Error("finish_failed", "job_id", job.ID, "error", err)
		return
	}
	w.releaseConcurrency(ctx, job.ID, data)

	if admitted == 0 {
		// Nothing to crawl; close out immediately.
		w.maybeFinishCrawl(ctx, data.CrawlID, stored)
	}
}

// failKickoff fails the kickoff job and reports the crawl itself as
// failed. A crawl whose kickoff never ran has no children to reach a
// terminal state through, so this is the only notification the
// subscriber gets.
func (w *Worker) failKickoff(ctx context.Context, jobID uuid.UUID, data model.JobData, stored *crawl.StoredCrawl, terr *model.TransportableError) {
	w.failJob(ctx, jobID, data, terr)
	w.notifyCrawlFailed(stored, data.CrawlID, terr.Message)
}

func (w *Worker) notifyCrawlFailed(stored *crawl.StoredCrawl, crawlID, message string) {
	if stored == nil {
		return
	}
	w.webhooks.SendAsync(stored.Webhook, stored.WebhookHeaders, webhook.Payload{
		Type: webhook.EventCrawlFailed, ID: crawlID, Error: message,
	})
}

// recordCrawlChild runs crawl bookkeeping after a child scrape job
// reaches a terminal state: record completion, fire the page webhook,
// admit newly discovered links, and run the completion election.
func (w *Worker) recordCrawlChild(ctx context.Context, jobID uuid.UUID, data model.JobData, stored *crawl.StoredCrawl, doc *model.Document) {
	if err := w.crawls.MarkJobDone(ctx, data.CrawlID, jobID.String()); err != nil {
		w.logger.Error("crawl_job_done_failed", "crawl_id", data.CrawlID, "job_id", jobID, "error", err)
	}

	if doc != nil {
		w.webhooks.SendAsync(stored.Webhook, stored.WebhookHeaders, webhook.Payload{
			Type: webhook.EventCrawlPage, ID: data.CrawlID, Success: true, Data: doc,
		})
		w.discoverLinks(ctx, data, stored, doc)
	}

	w.maybeFinishCrawl(ctx, data.CrawlID, stored)
}

// discoverLinks admits a completed page's outbound links as new child
// jobs, subject to depth, scope, filter, and robots policy.
func (w *Worker) discoverLinks(ctx context.Context, data model.JobData, stored *crawl.StoredCrawl, doc *model.Document) {
	depth := data.Internal.DiscoveryDepth
	if maxDepth := stored.CrawlerOptions.MaxDiscoveryDepth; maxDepth != nil && depth >= *maxDepth {
		return
	}
	for _, link := range doc.Links {
		w.admitChildURL(ctx, data.CrawlID, stored, data, link, depth+1)
	}
}

// admitChildURL runs one URL through the full admission chain and
// enqueues a child scrape job when it passes. Returns whether the URL
// was admitted.
func (w *Worker) admitChildURL(ctx context.Context, crawlID string, stored *crawl.StoredCrawl, parent model.JobData, rawURL string, depth int) bool {
	canonical, err := crawl.CanonicalURL(rawURL, stored.CrawlerOptions.IgnoreQueryParams)
	if err != nil {
		return false
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return false
	}

	if !stored.CrawlerOptions.AllowExternalLinks {
		origin, err := url.Parse(stored.OriginURL)
		if err != nil || !crawl.SameSite(origin, u, stored.CrawlerOptions.AllowSubdomains) {
			return false
		}
	}

	filters, err := crawl.CompilePathFilters(
		stored.CrawlerOptions.IncludePaths,
		stored.CrawlerOptions.ExcludePaths,
		stored.CrawlerOptions.RegexOnFullURL,
	)
	if err != nil || !filters.Allows(u) {
		return false
	}

	if w.cfg.Robots.Respect && !stored.CrawlerOptions.IgnoreRobots && !stored.InternalOptions.BypassRobots {
		if !crawl.RobotsAllows(stored.Robots, canonical, w.cfg.Scraper.UserAgent) {
			_ = w.crawls.AddRobotsBlocked(ctx, crawlID, canonical)
			return false
		}
	}

	limit := stored.CrawlerOptions.Limit
	if limit <= 0 || limit > w.cfg.Crawler.HardPageLimit {
		limit = w.cfg.Crawler.HardPageLimit
	}
	admitted, err := w.crawls.TryAdmitURL(ctx, crawlID, canonical, limit)
	if err != nil {
		w.logger.Error("crawl_admit_failed", "crawl_id", crawlID, "url", canonical, "error", err)
		return false
	}
	if !admitted {
		return false
	}

	childID := uuid.New()
	child := model.JobData{
		Mode:    model.JobModeScrape,
		URL:     canonical,
		CrawlID: crawlID,
		Scrape:  stored.ScrapeOptions,
		Internal: model.InternalOptions{
			TeamID:             stored.TeamID,
			ZeroDataRetention:  stored.ZeroDataRetention,
			DiscoveryDepth:     depth,
			SkipBilling:        parent.Internal.SkipBilling,
			BypassRobots:       stored.InternalOptions.BypassRobots,
			DisableConcurrency: parent.Internal.DisableConcurrency,
		},
	}

	ceiling := w.childCeiling(ctx, stored)
	if _, err := w.submitter.Submit(ctx, childID, child, ceiling); err != nil {
		w.logger.Error("child_enqueue_failed", "crawl_id", crawlID, "url", canonical, "error", err)
		return false
	}
	if err := w.crawls.AddJob(ctx, crawlID, childID.String()); err != nil {
		w.logger.Error("crawl_job_add_failed", "crawl_id", crawlID, "job_id", childID, "error", err)
	}
	return true
}

// childCeiling bounds a crawl's in-flight children: the crawl-level
// maxConcurrency override when present, otherwise the team ceiling
// shared with the promoter.
func (w *Worker) childCeiling(ctx context.Context, stored *crawl.StoredCrawl) int {
	if stored.MaxConcurrency != nil && *stored.MaxConcurrency > 0 {
		return *stored.MaxConcurrency
	}
	if w.ceiling == nil {
		return 0
	}
	return w.ceiling(ctx, stored.TeamID)
}

// maybeFinishCrawl runs the completion election when every admitted
// job is done. The SETNX winner fires the terminal webhook.
func (w *Worker) maybeFinishCrawl(ctx context.Context, crawlID string, stored *crawl.StoredCrawl) {
	jobs, done, err := w.crawls.Counts(ctx, crawlID)
	if err != nil {
		w.logger.Error("crawl_counts_failed", "crawl_id", crawlID, "error", err)
		return
	}
	if jobs == 0 || done < jobs {
		return
	}

	won, err := w.crawls.TryFinish(ctx, crawlID)
	if err != nil {
		w.logger.Error("crawl_finish_election_failed", "crawl_id", crawlID, "error", err)
		return
	}
	if !won {
		return
	}

	w.logger.Info("crawl_completed", "crawl_id", crawlID, "pages", done)
	w.webhooks.SendAsync(stored.Webhook, stored.WebhookHeaders, webhook.Payload{
		Type: webhook.EventCrawlCompleted, ID: crawlID, Success: true,
	})
}
