package response

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/danavision/api/internal/model"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeConflict        = "CONFLICT"
	CodeJobNotReady     = "JOB_NOT_READY"
	CodeServiceError    = "SERVICE_ERROR"
	CodeNotConfigured   = "NOT_CONFIGURED"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, CodeConflict, message, nil)
}

// FromError maps domain errors to their HTTP responses.
func FromError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		return NotFound(c, "Job not found")
	case errors.Is(err, model.ErrStoreNotFound):
		return NotFound(c, "Store not found")
	case errors.Is(err, model.ErrItemNotFound):
		return NotFound(c, "Item not found")
	case errors.Is(err, model.ErrForbiddenJobAccess):
		return Forbidden(c, "Job belongs to another user")
	case errors.Is(err, model.ErrJobTerminal):
		return Conflict(c, "Job already finished")
	case errors.Is(err, model.ErrJobNotCompleted):
		return Error(c, fiber.StatusConflict, CodeJobNotReady, "Job not completed yet", nil)
	case errors.Is(err, model.ErrNotConfigured):
		return Error(c, fiber.StatusServiceUnavailable, CodeNotConfigured, err.Error(), nil)
	default:
		return ServiceError(c, err.Error())
	}
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
