package middleware

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/identity"
)

// RequireRole admits authenticated users holding one of roles. It must run
// after JWTAuth.
func RequireRole(users *identity.Service, roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid, _ := c.Locals(userIDLocal).(string)
		user, err := users.Get(c.UserContext(), uid)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "unknown user")
		}
		for _, role := range roles {
			if user.Role == role {
				return c.Next()
			}
		}
		return fiber.NewError(http.StatusForbidden, "insufficient role")
	}
}
