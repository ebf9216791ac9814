package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/auth"
	"github.com/classmint/classmint/internal/award"
	"github.com/classmint/classmint/internal/chain"
	"github.com/classmint/classmint/internal/config"
	"github.com/classmint/classmint/internal/identity"
	"github.com/classmint/classmint/internal/issuance"
	"github.com/classmint/classmint/internal/ledger"
	"github.com/classmint/classmint/internal/notification"
	"github.com/classmint/classmint/internal/routes"
	"github.com/classmint/classmint/internal/vault"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	issuance *issuance.Service
	logger   *slog.Logger
}

// New builds services over the given connections and wires the HTTP routes.
// db, cache and eth may be nil in development; in-memory stores and the
// simulated gateway stand in for them.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, eth *ethclient.Client, logger *slog.Logger) (*Server, error) {
	keys, err := vault.NewStaticKeyProvider(cfg.MasterKeyID, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("vault keys: %w", err)
	}

	var (
		identityRepo identity.Repository
		vaultRepo    vault.Repository
		ledgerStore  ledger.Ledger
		awardRepo    award.Repository
	)
	if db != nil {
		pgLedger := ledger.NewPostgresLedger(db)
		identityRepo = identity.NewPostgresRepository(db)
		vaultRepo = vault.NewPostgresRepository(db)
		ledgerStore = pgLedger
		awardRepo = award.NewPostgresRepository(db, pgLedger)
	} else {
		identityRepo = identity.NewMemoryRepository()
		vaultRepo = vault.NewMemoryRepository()
		ledgerStore = ledger.NewInMemory()
		awardRepo = award.NewMemoryRepository(ledgerStore)
	}

	identitySvc := identity.NewService(identityRepo, logger)
	wallets := vault.NewVault(vaultRepo, keys, logger)

	notifiers := notification.Fanout{notification.NewLoggerNotifier(logger)}
	if cache != nil {
		notifiers = append(notifiers, notification.NewRedisNotifier(cache, notification.DefaultChannel))
	}

	var gateway chain.Gateway
	if eth != nil {
		var locker chain.Locker
		if cache != nil {
			locker = chain.NewRedisLocker(cache, cfg.Chain.SignerLockTTL)
		}
		gateway = chain.NewContractGateway(eth, vaultSigners(wallets), locker, chain.ContractConfig{
			ChainID:          big.NewInt(cfg.Chain.ChainID),
			Contract:         common.HexToAddress(cfg.Chain.ContractAddress),
			GasMarginPercent: cfg.Chain.GasMarginPercent,
			ConfirmTimeout:   cfg.Chain.ConfirmTimeout,
			PollInterval:     cfg.Chain.PollInterval,
		}, logger)
	}

	issuanceSvc := issuance.NewService(issuance.Deps{
		Identity:  identitySvc,
		Vault:     wallets,
		Awards:    awardRepo,
		Ledger:    ledgerStore,
		Chain:     gateway,
		Simulated: chain.NewSimulatedGateway(logger),
		Notifier:  notifiers,
	}, issuance.Config{
		ContractAddress:     cfg.Chain.ContractAddress,
		Network:             cfg.Chain.Network,
		MinterUserID:        cfg.MinterUserID,
		StrictIssuerBinding: cfg.StrictIssuerBinding,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: errorHandler(logger),
	})

	if err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Eth:      eth,
		Logger:   logger,
		Tokens:   auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		Identity: identitySvc,
		Vault:    wallets,
		Issuance: issuanceSvc,
	}); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, issuance: issuanceSvc, logger: logger}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// RunReconciler settles timed-out and stale transactions every interval until
// ctx is cancelled.
func (s *Server) RunReconciler(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.issuance.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile failed", slog.Any("error", err))
			}
		}
	}
}

func vaultSigners(v *vault.Vault) chain.SignerSource {
	return func(ctx context.Context, walletID string, chainID *big.Int) (chain.Signer, error) {
		signer, err := v.SigningWallet(ctx, walletID, chainID)
		if err != nil {
			return nil, err
		}
		return signer, nil
	}
}

// errorHandler renders every error as {"error":{"kind","reason","fields"}}.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error": fiber.Map{"kind": kindForStatus(fe.Code), "reason": fe.Message},
			})
		}

		kind := apperr.KindOf(err)
		status := apperr.HTTPStatus(kind)
		reason := apperr.ReasonOf(err)
		if status >= fiber.StatusInternalServerError && kind == apperr.KindInternal {
			logger.Error("unhandled error", slog.String("path", c.Path()), slog.Any("error", err))
			reason = "internal error"
		}
		body := fiber.Map{"kind": kind, "reason": reason}
		if fields := apperr.FieldsOf(err); len(fields) > 0 {
			body["fields"] = fields
		}
		return c.Status(status).JSON(fiber.Map{"error": body})
	}
}

func kindForStatus(code int) apperr.Kind {
	switch code {
	case fiber.StatusUnauthorized, fiber.StatusForbidden:
		return apperr.KindUnauthorized
	case fiber.StatusNotFound:
		return apperr.KindNotFound
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return apperr.KindInvalidInput
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	default:
		return apperr.KindInternal
	}
}
