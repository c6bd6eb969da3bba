package handler

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/rag-service/internal/port"
)

// statusFor maps a service error to the HTTP status the API reports for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, port.ErrEmbeddingService), errors.Is(err, port.ErrGenerationService):
		return fiber.StatusBadGateway
	case errors.Is(err, port.ErrDimensionMismatch):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, port.ErrJobNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, port.ErrInvalidChunk), errors.Is(err, port.ErrInvalidChunkParams):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func respondError(c fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
