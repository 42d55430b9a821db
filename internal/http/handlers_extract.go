package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvest/internal/extract"
	"harvest/internal/model"
)

// extractHandler accepts an extract job and runs it asynchronously;
// clients poll GET /v2/extract/:id for the result.
func (s *Server) extractHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	var req ExtractRequest
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
	if req.Prompt == "" && req.Schema == nil {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeBadRequest, Message: "either prompt or schema is required",
		})
	}
	if err := s.admission.CheckCredits(acuc, int64(len(req.URLs))); err != nil {
		return transportableError(c, err)
	}

	extractID := uuid.NewString()
	scrapeOpts := model.ScrapeOptions{}
	if req.ScrapeOptions != nil {
		scrapeOpts = *req.ScrapeOptions
	}

	job := extract.Request{
		ID:                 extractID,
		TeamID:             acuc.TeamID,
		URLs:               req.URLs,
		Prompt:             req.Prompt,
		Schema:             req.Schema,
		AllowExternalLinks: req.AllowExternalLinks,
		ScrapeOptions:      scrapeOpts,
		TimeoutMs:          req.Timeout,
	}

	// The job outlives the request; give it its own bounded context.
	go func() {
		runTimeout := time.Duration(req.Timeout) * time.Millisecond
		if runTimeout <= 0 {
			runTimeout = 10 * time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		s.extractor.Run(ctx, job)
	}()

	return c.JSON(ExtractResponse{Success: true, ID: extractID})
}

// extractStatusHandler returns the current state of an extract job.
func (s *Server) extractStatusHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	rec, err := s.extracts.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, extract.ErrNotFound) {
			return transportableError(c, &model.TransportableError{
				Code: model.CodeJobExpired, Message: "extract job not found or expired",
			})
		}
		return transportableError(c, err)
	}
	if !acuc.IsAdmin && rec.TeamID != acuc.TeamID {
		return transportableError(c, &model.TransportableError{
			Code: model.CodeForbidden, Message: "extract belongs to another team",
		})
	}

	resp := ExtractStatusResponse{
		Success:   rec.Status != extract.StatusFailed,
		Status:    rec.Status,
		Data:      rec.Data,
		Warning:   rec.Warning,
		Sources:   rec.Sources,
		ExpiresAt: rec.ExpiresAt,
	}
	if rec.Error != "" {
		terr := model.ParseTransportable(rec.Error)
		resp.Error = terr.Message
	}
	return c.JSON(resp)
}

// concurrencyCheckHandler reports the team's live concurrency state.
func (s *Server) concurrencyCheckHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	active, err := s.admission.ActiveConcurrency(c.Context(), acuc.TeamID)
	if err != nil {
		return transportableError(c, err)
	}
	queued, err := s.admission.DeferredCount(c.Context(), acuc.TeamID)
	if err != nil {
		return transportableError(c, err)
	}
	return c.JSON(ConcurrencyCheckResponse{
		Success:        true,
		Concurrency:    active,
		MaxConcurrency: s.admission.Ceiling(acuc, acuc),
		QueuedJobs:     queued,
	})
}

// creditUsageHandler returns the team's credit counters.
func (s *Server) creditUsageHandler(c *fiber.Ctx) error {
	acuc := acucFrom(c)

	usage, err := s.billing.CreditUsage(c.Context(), acuc.TeamID)
	if err != nil {
		return transportableError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": usage})
}
