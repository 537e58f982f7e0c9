package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/danavision/api/internal/auth"
	"github.com/danavision/api/internal/middleware"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	jwtSecret string
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(jwtSecret string) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret}
}

// Verify handles GET /auth/verify, called by the gateway's ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, ok := middleware.BearerToken(c)
	if !ok || h.jwtSecret == "" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	claims, err := auth.ValidateToken(token, h.jwtSecret)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", claims.UserID)
	c.Set("X-User-Email", claims.Email)
	return c.SendStatus(fiber.StatusOK)
}
