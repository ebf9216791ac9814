package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/issuance"
	"github.com/classmint/classmint/internal/vault"
)

// RegisterWalletRoutes wires wallet provisioning and per-wallet views.
func RegisterWalletRoutes(r fiber.Router, wallets *vault.Handler, awards *issuance.Handler, admin fiber.Handler) {
	g := r.Group("/wallets")
	g.Post("", admin, wallets.Create)
	g.Get("/:walletId", wallets.Get)
	g.Get("/:walletId/history", awards.WalletHistory)
	g.Get("/:walletId/awards", awards.WalletAwards)
}
