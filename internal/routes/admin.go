package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/issuance"
)

// RegisterAdminRoutes wires operator endpoints.
func RegisterAdminRoutes(r fiber.Router, h *issuance.Handler, admin fiber.Handler) {
	r.Post("/admin/reconcile", admin, h.Reconcile)
}
