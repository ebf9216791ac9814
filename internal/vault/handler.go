package vault

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/apperr"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	vault *Vault
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(vault *Vault) *Handler {
	return &Handler{vault: vault}
}

type createRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

type walletResponse struct {
	ID              string `json:"id"`
	OwnerUserID     string `json:"owner_user_id"`
	Address         string `json:"address"`
	Kind            string `json:"kind"`
	HasCustodialKey bool   `json:"has_custodial_key"`
	Status          string `json:"status"`
}

func toResponse(w Wallet) walletResponse {
	return walletResponse{
		ID:              w.ID,
		OwnerUserID:     w.OwnerUserID,
		Address:         w.Address,
		Kind:            w.Kind,
		HasCustodialKey: w.HasCustodialKey,
		Status:          w.Status,
	}
}

// Create provisions (or returns) the custodial wallet of a user.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
	}
	wallet, err := h.vault.CreateWallet(c.UserContext(), CreateInput{OwnerUserID: req.UserID, Kind: req.Kind})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(wallet))
}

// Get returns wallet metadata. Key material is never part of the response.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.vault.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(wallet))
}
