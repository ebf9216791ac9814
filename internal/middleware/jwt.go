package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/classmint/classmint/internal/auth"
	"github.com/classmint/classmint/internal/identity"
)

const userIDLocal = "user_id"

// JWTAuth validates bearer access tokens and requires the subject to be a
// registered user. The user id is stored in Locals("user_id").
func JWTAuth(tokens *auth.Tokens, users *identity.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := tokens.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fiber.NewError(http.StatusUnauthorized, "token expired")
		}
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if _, err := users.Get(c.UserContext(), claims.Subject); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "unknown user")
		}
		c.Locals(userIDLocal, claims.Subject)
		return c.Next()
	}
}
