package identity

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/apperr"
)

// Handler exposes directory sync endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type upsertRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Upsert handles PUT /users/:userId.
func (h *Handler) Upsert(c *fiber.Ctx) error {
	var req upsertRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
	}
	user, err := h.service.Upsert(c.UserContext(), UpsertInput{ID: c.Params("userId"), DisplayName: req.DisplayName, Role: req.Role})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(user)
}

// Get handles GET /users/:userId.
func (h *Handler) Get(c *fiber.Ctx) error {
	user, err := h.service.Get(c.UserContext(), c.Params("userId"))
	if err != nil {
		return err
	}
	return c.JSON(user)
}
