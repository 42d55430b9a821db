package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"harvest/internal/admission"
	"harvest/internal/billing"
	"harvest/internal/config"
	"harvest/internal/crawl"
	"harvest/internal/engine"
	"harvest/internal/model"
	"harvest/internal/nuq"
	"harvest/internal/webhook"
)

// Worker claims jobs from the queue and processes them. Each worker
// holds a nonce that fences its lock operations: a job reaped and
// reclaimed elsewhere rejects this worker's renew/finish/fail calls.
type Worker struct {
	nonce     string
	queue     *nuq.Queue
	pipeline  *engine.Pipeline
	crawls    *crawl.Store
	kickoff   *crawl.Kickoff
	admission *admission.Controller
	billing   *billing.Store
	webhooks  *webhook.Sender
	submitter *Submitter
	ceiling   admission.CeilingFunc
	cfg       *config.Config
	logger    *slog.Logger
}

func New(queue *nuq.Queue, pipeline *engine.Pipeline, crawls *crawl.Store, kickoff *crawl.Kickoff, ctrl *admission.Controller, bill *billing.Store, webhooks *webhook.Sender, submitter *Submitter, ceiling admission.CeilingFunc, cfg *config.Config, logger *slog.Logger) *Worker {
	nonce := uuid.NewString()
	return &Worker{
		nonce:     nonce,
		queue:     queue,
		pipeline:  pipeline,
		crawls:    crawls,
		kickoff:   kickoff,
		admission: ctrl,
		billing:   bill,
		webhooks:  webhooks,
		submitter: submitter,
		ceiling:   ceiling,
		cfg:       cfg,
		logger:    logger.With("worker", nonce[:8]),
	}
}

// Run is the worker loop: claim, process, repeat. It returns when ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) {
	poll := time.Duration(w.cfg.Worker.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Claim(ctx, w.nonce)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("claim_failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}

		w.process(ctx, job)
	}
}

// process runs one claimed job under a background lock-renewal loop.
// Losing the lock cancels the job context so a reclaimed job is not
// processed twice to completion.
func (w *Worker) process(ctx context.Context, job *nuq.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(w.queue.RenewInterval())
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				ok, err := w.queue.RenewLock(jobCtx, job.ID, w.nonce)
				if err != nil {
					if jobCtx.Err() == nil {
						w.logger.Error("lock_renew_failed", "job_id", job.ID, "error", err)
					}
					continue
				}
				if !ok {
					w.logger.Warn("lock_lost", "job_id", job.ID)
					cancel()
					return
				}
			}
		}
	}()

	var data model.JobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		w.failJob(ctx, job.ID, data, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "malformed job payload",
		})
		cancel()
		<-renewDone
		return
	}

	started := time.Now()
	switch data.Mode {
	case model.JobModeKickoff:
		w.runKickoffJob(jobCtx, job, data)
	default:
		w.runScrapeJob(jobCtx, job, data)
	}
	w.logger.Info("job_processed", "job_id", job.ID, "mode", data.Mode,
		"crawl_id", data.CrawlID, "duration_ms", time.Since(started).Milliseconds())

	cancel()
	<-renewDone
}

// runScrapeJob scrapes one URL and records the document or error.
func (w *Worker) runScrapeJob(ctx context.Context, job *nuq.Job, data model.JobData) {
	var stored *crawl.StoredCrawl
	if data.CrawlID != "" {
		var err error
		stored, err = w.crawls.Get(ctx, data.CrawlID)
		if err != nil {
			w.failJob(ctx, job.ID, data, &model.TransportableError{
				Code: model.CodeJobExpired, Message: "crawl record expired or missing",
			})
			return
		}
		if stored.Cancelled {
			w.failJob(ctx, job.ID, data, &model.TransportableError{
				Code: model.CodeJobExpired, Message: "crawl was cancelled",
			})
			return
		}
		if w.robotsBlocks(stored, data) {
			_ = w.crawls.AddRobotsBlocked(ctx, data.CrawlID, data.URL)
			w.failJob(ctx, job.ID, data, &model.TransportableError{
				Code: model.CodeURLBlocked, Message: "URL disallowed by robots.txt",
			})
			return
		}
		if stored.CrawlerOptions.DelayMs > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(stored.CrawlerOptions.DelayMs) * time.Millisecond):
			}
		}
	}

	outcome := w.pipeline.ScrapeURL(ctx, job.ID.String(), data.URL, data.Scrape, data.Internal)
	if !outcome.Success {
		w.failJob(ctx, job.ID, data, outcome.Error)
		if data.CrawlID != "" && stored != nil {
			w.recordCrawlChild(ctx, job.ID, data, stored, nil)
		}
		return
	}
	doc := outcome.Document

	if !data.Internal.SkipBilling {
		credits := billing.CalculateCreditsToBeBilled(billing.ChargeSpec{
			NumPages: doc.Metadata.NumPages,
			Stealth:  data.Scrape.Proxy == "stealth",
			JSONUsed: engine.WantsFormat(data.Scrape.Formats, "json") || data.Scrape.JSONSchema != nil,
			ZDR:      data.Internal.ZeroDataRetention,
		})
		doc.Metadata.CreditsUsed = int(credits)
		if err := w.billing.Charge(ctx, data.Internal.TeamID, credits, "scrape"); err != nil {
			w.logger.Warn("billing_failed", "job_id", job.ID, "team_id", data.Internal.TeamID, "error", err)
		}
	}

	returnValue, err := json.Marshal(doc)
	if err != nil {
		w.failJob(ctx, job.ID, data, model.NewTransportable(model.CodeInternal, err))
		return
	}
	ok, err := w.queue.Finish(ctx, job.ID, w.nonce, returnValue)
	if err != nil {
		w.logger.Error("finish_failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// Lock was lost; whoever holds it now owns the result.
		return
	}
	w.releaseConcurrency(ctx, job.ID, data)

	if data.Internal.ZeroDataRetention {
		w.scheduleZDRRemoval(job.ID)
	}
	if data.CrawlID != "" && stored != nil {
		w.recordCrawlChild(ctx, job.ID, data, stored, doc)
	}
}

// failJob marks the job failed with a transportable reason and drops
// it from the team's active register.
func (w *Worker) failJob(ctx context.Context, id uuid.UUID, data model.JobData, terr *model.TransportableError) {
	if terr == nil {
		terr = &model.TransportableError{Code: model.CodeInternal, Message: "unknown failure"}
	}
	ok, err := w.queue.Fail(ctx, id, w.nonce, terr.Serialize())
	if err != nil {
		w.logger.Error("fail_failed", "job_id", id, "error", err)
		return
	}
	if ok {
		w.releaseConcurrency(ctx, id, data)
	}
}

func (w *Worker) releaseConcurrency(ctx context.Context, id uuid.UUID, data model.JobData) {
	if data.Internal.DisableConcurrency || data.Internal.TeamID == "" {
		return
	}
	if err := w.admission.UnregisterActiveJob(ctx, data.Internal.TeamID, id.String()); err != nil {
		w.logger.Warn("active_register_remove_failed", "job_id", id, "error", err)
	}
}

// scheduleZDRRemoval deletes a zero-data-retention job row shortly
// after completion. The delay gives the synchronous waiter a window to
// read the result before it is purged.
func (w *Worker) scheduleZDRRemoval(id uuid.UUID) {
	go func() {
		time.Sleep(30 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := w.queue.Remove(ctx, id); err != nil {
			w.logger.Warn("zdr_removal_failed", "job_id", id, "error", err)
		}
	}()
}

func (w *Worker) robotsBlocks(stored *crawl.StoredCrawl, data model.JobData) bool {
	if !w.cfg.Robots.Respect || data.Internal.BypassRobots || stored.CrawlerOptions.IgnoreRobots {
		return false
	}
	return !crawl.RobotsAllows(stored.Robots, data.URL, w.cfg.Scraper.UserAgent)
}
