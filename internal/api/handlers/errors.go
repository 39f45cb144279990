package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/pkg/logger"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyProcessing), errors.Is(err, errs.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, errs.ErrUnsupportedDocument):
		return fiber.StatusUnsupportedMediaType
	case errors.Is(err, errs.ErrQueueFull):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, query.ErrEmptyQuery):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError logs server-side failures and hides their detail from the
// client; client errors carry the error text.
func respondError(c *fiber.Ctx, err error, msg string) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		logger.Error(msg, zap.String("path", c.Path()), zap.String("kind", errs.Kind(err)), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.Status(status).JSON(fiber.Map{"error": msg, "detail": err.Error()})
}
