package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/danavision/api/internal/auth"
	"github.com/danavision/api/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	jwtSecret string
}

// NewAuthMiddleware creates auth middleware for HMAC-signed tokens
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Authenticate validates the bearer token and stores the user identity
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := BearerToken(c)
		if !ok && c.Get(fiber.HeaderUpgrade) != "" {
			// Browsers cannot set headers on a websocket handshake.
			tokenString = c.Query("token")
			ok = tokenString != ""
		}
		if !ok {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}
		if m.jwtSecret == "" {
			return response.Unauthorized(c, "Authentication not configured")
		}

		claims, err := auth.ValidateToken(tokenString, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(c *fiber.Ctx) (string, bool) {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
