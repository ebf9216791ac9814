package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/classmint/classmint/internal/auth"
	"github.com/classmint/classmint/internal/config"
	"github.com/classmint/classmint/internal/identity"
	"github.com/classmint/classmint/internal/issuance"
	"github.com/classmint/classmint/internal/middleware"
	"github.com/classmint/classmint/internal/vault"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Eth    *ethclient.Client
	Logger *slog.Logger

	Tokens   *auth.Tokens
	Identity *identity.Service
	Vault    *vault.Vault
	Issuance *issuance.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.Env)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.Env)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	if d.Cfg.IsDev() {
		RegisterDevRoutes(api, auth.NewHandler(d.Identity, d.Tokens))
	}

	protected := api.Group("", middleware.JWTAuth(d.Tokens, d.Identity))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	admin := middleware.RequireRole(d.Identity, identity.RoleAdmin)
	issuers := middleware.RequireRole(d.Identity, identity.RoleTeacher, identity.RoleAdmin)
	issueLimit := middleware.RateLimit(d.Cache, "issue", d.Cfg.IssueRateLimit, time.Minute)

	awards := issuance.NewHandler(d.Issuance)
	RegisterIdentityRoutes(protected, identity.NewHandler(d.Identity), admin)
	RegisterWalletRoutes(protected, vault.NewHandler(d.Vault), awards, admin)
	RegisterAwardRoutes(protected, awards, issuers, issueLimit)
	RegisterAdminRoutes(protected, awards, admin)

	return nil
}
