package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"harvest/internal/admission"
	"harvest/internal/billing"
	"harvest/internal/config"
	"harvest/internal/crawl"
	"harvest/internal/engine"
	"harvest/internal/extract"
	server "harvest/internal/http"
	"harvest/internal/llm"
	"harvest/internal/migrate"
	"harvest/internal/model"
	"harvest/internal/nuq"
	"harvest/internal/search"
	"harvest/internal/webhook"
	"harvest/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	rootCtx := context.Background()

	pool, err := pgxpool.New(rootCtx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(redisOpts)

	lease := time.Duration(cfg.Nuq.LeaseSeconds) * time.Second
	queue := nuq.New(rootCtx, pool, cfg.Database.ListenDSN, lease, logger)

	ctrl := admission.NewController(rdb, cfg, logger)
	bill := billing.NewStore(pool, cfg.Auth.Enabled, cfg.Billing.Enabled, logger)
	crawls := crawl.NewStore(rdb, time.Duration(cfg.Crawler.TTLHours)*time.Hour)
	kickoff := crawl.NewKickoff(cfg.Scraper.UserAgent, logger)
	webhooks := webhook.NewSender(time.Duration(cfg.Webhook.TimeoutMs)*time.Millisecond, logger)
	llmClient := llm.NewClient(cfg.LLM)

	scrapeTimeout := time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond
	engines := []engine.Engine{engine.NewFetchEngine(scrapeTimeout)}
	if cfg.Browser.Enabled {
		engines = append(engines,
			engine.NewBrowserEngine(cfg.Browser.ControlURL, false, scrapeTimeout),
			engine.NewBrowserEngine(cfg.Browser.ControlURL, true, scrapeTimeout),
		)
	}
	var extractor engine.Extractor
	if llmClient.Configured() {
		extractor = llmClient
	}
	pipeline := engine.NewPipeline(engines, extractor, cfg.Scraper.UserAgent, scrapeTimeout, logger)

	submitter := worker.NewSubmitter(queue, ctrl, logger)

	// Ceiling resolution shared by the promoter, workers, and the API.
	ceiling := func(ctx context.Context, teamID string) int {
		acuc, err := bill.TeamACUC(ctx, teamID)
		if err != nil {
			logger.Warn("team_acuc_lookup_failed", "team_id", teamID, "error", err)
			return 0
		}
		return ctrl.Ceiling(acuc, acuc)
	}

	mapper := crawl.NewMapper(kickoff, func(ctx context.Context, rawURL string, opts model.ScrapeOptions) (*model.Document, error) {
		outcome := pipeline.ScrapeURL(ctx, "map", rawURL, opts, model.InternalOptions{SkipBilling: true, DisableConcurrency: true})
		if !outcome.Success {
			return nil, outcome.Error
		}
		return outcome.Document, nil
	}, logger)

	extracts := extract.NewStore(rdb, time.Duration(cfg.Extract.RecordTTLHours)*time.Hour)
	extractOrch := extract.NewOrchestrator(
		extracts,
		llmClient,
		func(ctx context.Context, url string, limit int) ([]string, error) {
			return mapper.Map(ctx, url, crawl.MapOptions{Limit: limit})
		},
		func(ctx context.Context, url string, opts model.ScrapeOptions) (*model.Document, error) {
			outcome := pipeline.ScrapeURL(ctx, "extract", url, opts, model.InternalOptions{SkipBilling: true, DisableConcurrency: true})
			if !outcome.Success {
				return nil, outcome.Error
			}
			return outcome.Document, nil
		},
		bill.Charge,
		cfg.Extract,
		cfg.LLM.CostLimitTokens,
		logger,
	)

	var provider search.Provider
	if cfg.Search.Enabled {
		provider, err = search.NewProviderFromConfig(cfg)
		if err != nil {
			log.Fatalf("search provider setup failed: %v", err)
		}
	}

	runWorkers := *role == "worker" || *role == "all"
	runAPI := *role == "api" || *role == "all"
	if !runWorkers && !runAPI {
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	queue.StartReaper(rootCtx, time.Duration(cfg.Nuq.ReaperIntervalSeconds)*time.Second)
	ctrl.StartPromoter(rootCtx, ceiling, submitter.Promote)

	if runWorkers {
		for i := 0; i < cfg.Worker.Concurrency; i++ {
			w := worker.New(queue, pipeline, crawls, kickoff, ctrl, bill, webhooks, submitter, ceiling, cfg, logger)
			go w.Run(rootCtx)
		}
		logger.Info("workers_started", "count", cfg.Worker.Concurrency)
	}

	if runAPI {
		s := server.NewServer(cfg, server.Deps{
			Pool:           pool,
			Redis:          rdb,
			Queue:          queue,
			Admission:      ctrl,
			Billing:        bill,
			Crawls:         crawls,
			Kickoff:        kickoff,
			Mapper:         mapper,
			Pipeline:       pipeline,
			Submitter:      submitter,
			SearchProvider: provider,
			Extracts:       extracts,
			Extractor:      extractOrch,
			Webhooks:       webhooks,
		}, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	}
	select {}
}
