package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/issuance"
)

// RegisterAwardRoutes wires issuance and award lookups. Issuing endpoints
// are limited to teachers and admins and rate limited per issuer.
func RegisterAwardRoutes(r fiber.Router, h *issuance.Handler, issuers, limit fiber.Handler) {
	g := r.Group("/awards")
	g.Post("/issue", issuers, limit, h.Issue)
	g.Post("", issuers, limit, h.CreatePool)
	g.Get("/pool", issuers, h.Pool)
	g.Get("/:awardId", h.Get)
	g.Get("/:awardId/history", h.AwardHistory)
	g.Get("/:awardId/verify", h.Verify)
}
