package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/auth"
)

// RegisterDevRoutes wires endpoints only mounted in development.
func RegisterDevRoutes(r fiber.Router, h *auth.Handler) {
	r.Post("/dev/token", h.DevToken)
}
