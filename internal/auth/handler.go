package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/identity"
)

// Handler exposes token endpoints for local environments.
type Handler struct {
	users  *identity.Service
	tokens *Tokens
}

// NewHandler constructs an auth handler.
func NewHandler(users *identity.Service, tokens *Tokens) *Handler {
	return &Handler{users: users, tokens: tokens}
}

type devTokenRequest struct {
	UserID string `json:"user_id"`
}

// DevToken issues an access token for a registered user without credentials.
// Routes only mount it in development environments.
func (h *Handler) DevToken(c *fiber.Ctx) error {
	var req devTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
	}
	user, err := h.users.Get(c.UserContext(), req.UserID)
	if err != nil {
		return err
	}
	token, exp, err := h.tokens.Issue(user)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   exp.UTC(),
		"user_id":      user.ID,
		"role":         user.Role,
	})
}
