package http

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"harvest/internal/billing"
	"harvest/internal/model"
)

const acucCacheTTL = 30 * time.Second

// acucCache is the short-TTL identity cache: authoritative counters
// stay in the billing store, handlers get a recent view.
type acucCache struct {
	mu      sync.Mutex
	entries map[string]*model.ACUC
}

func newACUCCache() *acucCache {
	return &acucCache{entries: make(map[string]*model.ACUC)}
}

func (c *acucCache) get(token string) *model.ACUC {
	c.mu.Lock()
	defer c.mu.Unlock()
	acuc, ok := c.entries[token]
	if !ok || time.Since(acuc.FetchedAt) > acucCacheTTL {
		return nil
	}
	return acuc
}

func (c *acucCache) put(token string, acuc *model.ACUC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = acuc
}

// authMiddleware validates the Authorization: Bearer <key> header and
// attaches the resolved ACUC to the context as "acuc".
func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.cfg.Auth.Enabled {
			acuc, err := s.billing.ResolveAPIKey(c.Context(), "")
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
					Success: false, Code: model.CodeInternal, Error: "identity resolution failed",
				})
			}
			c.Locals("acuc", acuc)
			return c.Next()
		}

		rawAuth := c.Get("Authorization")
		if rawAuth == "" || !strings.HasPrefix(rawAuth, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false, Code: "UNAUTHENTICATED", Error: "Missing Authorization Bearer token",
			})
		}
		token := strings.TrimSpace(strings.TrimPrefix(rawAuth, "Bearer "))
		if token == "" || !strings.HasPrefix(token, "harvest_") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false, Code: "UNAUTHENTICATED", Error: "Invalid API key format",
			})
		}

		if acuc := s.acucs.get(token); acuc != nil {
			c.Locals("acuc", acuc)
			return c.Next()
		}

		acuc, err := s.billing.ResolveAPIKey(c.Context(), token)
		if err != nil {
			if errors.Is(err, billing.ErrUnknownAPIKey) {
				return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
					Success: false, Code: "UNAUTHENTICATED", Error: "Invalid or revoked API key",
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false, Code: model.CodeInternal, Error: "API key lookup failed",
			})
		}
		s.acucs.put(token, acuc)
		c.Locals("acuc", acuc)
		return c.Next()
	}
}

// rateLimitMiddleware applies the per-mode fixed-window limit for the
// authenticated team. The mode is derived from the route path.
func (s *Server) rateLimitMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		acuc := acucFrom(c)
		if acuc == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Success: false, Code: "UNAUTHENTICATED", Error: "identity missing from context",
			})
		}
		if c.Method() == fiber.MethodGet {
			return c.Next()
		}

		mode := modeFromPath(c.Path())
		if err := s.admission.CheckRateLimit(c.Context(), acuc, mode); err != nil {
			return transportableError(c, err)
		}
		return c.Next()
	}
}

// adminOnlyMiddleware restricts a group to admin API keys.
func adminOnlyMiddleware(c *fiber.Ctx) error {
	acuc := acucFrom(c)
	if acuc == nil || !acuc.IsAdmin {
		return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
			Success: false, Code: model.CodeForbidden, Error: "admin API key required",
		})
	}
	return c.Next()
}

func acucFrom(c *fiber.Ctx) *model.ACUC {
	acuc, _ := c.Locals("acuc").(*model.ACUC)
	return acuc
}

// modeFromPath maps a /v2 route onto the admission mode name.
func modeFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/v2/")
	for _, mode := range []string{"scrape", "crawl", "map", "search", "extract"} {
		if strings.HasPrefix(trimmed, mode) || strings.HasPrefix(trimmed, "batch/"+mode) {
			return mode
		}
	}
	return "status"
}

// transportableError renders a structured error with its mapped HTTP
// status.
func transportableError(c *fiber.Ctx, err error) error {
	var terr *model.TransportableError
	if !errors.As(err, &terr) {
		terr = model.NewTransportable(model.CodeInternal, err)
	}
	return c.Status(model.HTTPStatus(terr.Code)).JSON(ErrorResponse{
		Success: false, Code: terr.Code, Error: terr.Message,
	})
}
