package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/identity"
)

// RegisterIdentityRoutes wires the authorization directory. Writes are
// reserved for admins, who sync users from the surrounding platform.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler, admin fiber.Handler) {
	g := r.Group("/users")
	g.Put("/:userId", admin, h.Upsert)
	g.Get("/:userId", h.Get)
}
