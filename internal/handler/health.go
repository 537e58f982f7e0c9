package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports whether one backing service is usable.
type HealthCheck func(ctx context.Context) bool

// HealthHandler serves GET /health.
type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Check runs every check. The server stays "ok" while degraded; callers read
// the per-service flags.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	services := fiber.Map{}
	for name, check := range h.checks {
		services[name] = check(c.UserContext())
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"services": services,
	})
}

// Static is a check with a fixed answer, for settings known at startup.
func Static(ok bool) HealthCheck {
	return func(context.Context) bool { return ok }
}
