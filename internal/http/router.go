package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"harvest/internal/admission"
	"harvest/internal/billing"
	"harvest/internal/config"
	"harvest/internal/crawl"
	"harvest/internal/engine"
	"harvest/internal/extract"
	"harvest/internal/metrics"
	"harvest/internal/nuq"
	"harvest/internal/search"
	"harvest/internal/webhook"
	"harvest/internal/worker"
)

// Deps collects the subsystems the HTTP surface exposes.
type Deps struct {
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Queue     *nuq.Queue
	Admission *admission.Controller
	Billing   *billing.Store
	Crawls    *crawl.Store
	Kickoff   *crawl.Kickoff
	Mapper    *crawl.Mapper
	Pipeline  *engine.Pipeline
	Submitter *worker.Submitter
	// SearchProvider is nil when search is disabled in configuration.
	SearchProvider search.Provider
	Extracts       *extract.Store
	Extractor      *extract.Orchestrator
	Webhooks       *webhook.Sender
}

type Server struct {
	app       *fiber.App
	cfg       *config.Config
	logger    *slog.Logger
	pool      *pgxpool.Pool
	rdb       *redis.Client
	queue     *nuq.Queue
	admission *admission.Controller
	billing   *billing.Store
	crawls    *crawl.Store
	kickoff   *crawl.Kickoff
	mapper    *crawl.Mapper
	pipeline  *engine.Pipeline
	submitter *worker.Submitter
	provider  search.Provider
	extracts  *extract.Store
	extractor *extract.Orchestrator
	webhooks  *webhook.Sender
	acucs     *acucCache
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:    16 << 20,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	})

	s := &Server{
		app:       app,
		cfg:       cfg,
		logger:    logger,
		pool:      deps.Pool,
		rdb:       deps.Redis,
		queue:     deps.Queue,
		admission: deps.Admission,
		billing:   deps.Billing,
		crawls:    deps.Crawls,
		kickoff:   deps.Kickoff,
		mapper:    deps.Mapper,
		pipeline:  deps.Pipeline,
		submitter: deps.Submitter,
		provider:  deps.SearchProvider,
		extracts:  deps.Extracts,
		extractor: deps.Extractor,
		webhooks:  deps.Webhooks,
		acucs:     newACUCCache(),
	}

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		metrics.RecordRequest(c.Method(), c.Route().Path, status, latency.Milliseconds())
		logger.Info("request",
			"request_id", reqID,
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"latency_ms", latency.Milliseconds(),
		)
		return err
	})

	app.Get("/healthz", s.healthzHandler)
	app.Get("/metrics", s.metricsHandler)

	authMw := s.authMiddleware()
	rateMw := s.rateLimitMiddleware()

	v2 := app.Group("/v2", authMw, rateMw)
	v2.Post("/scrape", s.scrapeHandler)
	v2.Post("/batch/scrape", s.batchScrapeHandler)
	v2.Post("/map", s.mapHandler)
	v2.Post("/crawl", s.crawlHandler)
	v2.Get("/crawl/:id", s.crawlStatusHandler)
	v2.Delete("/crawl/:id", s.crawlCancelHandler)
	v2.Get("/crawl/:id/errors", s.crawlErrorsHandler)
	v2.Post("/search", s.searchHandler)
	v2.Post("/extract", s.extractHandler)
	v2.Get("/extract/:id", s.extractStatusHandler)
	v2.Get("/concurrency-check", s.concurrencyCheckHandler)
	v2.Get("/team/credit-usage", s.creditUsageHandler)

	admin := app.Group("/admin", authMw, adminOnlyMiddleware)
	admin.Get("/metrics", s.metricsHandler)
	admin.Get("/queues", s.adminQueuesHandler)

	return s
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

func (s *Server) healthzHandler(c *fiber.Ctx) error {
	// Shallow health: process is up
	if c.Query("deep") != "true" {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.pool.Ping(ctx); err != nil {
		dbStatus = "error"
	}
	redisStatus := "ok"
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		redisStatus = "error"
	}
	browserStatus := "disabled"
	if s.cfg.Browser.Enabled {
		browserStatus = "enabled"
	}

	status := "ok"
	if dbStatus != "ok" || redisStatus != "ok" {
		status = "error"
	}
	return c.JSON(fiber.Map{
		"status":  status,
		"db":      dbStatus,
		"redis":   redisStatus,
		"browser": browserStatus,
	})
}

// metricsHandler refreshes the queue-depth gauges from their
// authoritative stores and renders the Prometheus text exposition.
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if counts, err := s.queue.StatusCounts(ctx); err == nil {
		metrics.SetQueueJobCounts(counts)
	} else {
		s.logger.Warn("queue_status_counts_failed", "error", err)
	}
	if sizes, err := s.admission.QueueCounts(ctx); err == nil {
		metrics.SetConcurrencyQueueSizes(sizes)
	} else {
		s.logger.Warn("concurrency_queue_counts_failed", "error", err)
	}

	c.Type("txt")
	return c.SendString(metrics.Export())
}

func (s *Server) adminQueuesHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	queueCounts, err := s.queue.StatusCounts(ctx)
	if err != nil {
		return transportableError(c, err)
	}
	deferred, err := s.admission.QueueCounts(ctx)
	if err != nil {
		return transportableError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"queue":    queueCounts,
		"deferred": deferred,
	})
}
