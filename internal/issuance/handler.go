package issuance

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/award"
)

// Handler exposes the issuance API.
type Handler struct {
	service *Service
}

// NewHandler constructs an issuance handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type issueRequest struct {
	RequestID       string          `json:"request_id"`
	RecipientUserID string          `json:"recipient_user_id"`
	AwardID         string          `json:"award_id"`
	Metadata        *award.Metadata `json:"metadata"`
	UseChain        bool            `json:"use_chain"`
	Reassign        bool            `json:"reassign"`
}

type poolRequest struct {
	RequestID string         `json:"request_id"`
	Metadata  award.Metadata `json:"metadata"`
	UseChain  bool           `json:"use_chain"`
}

// Issue handles POST /awards/issue. The issuer is the authenticated user.
func (h *Handler) Issue(c *fiber.Ctx) error {
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
	}
	res, err := h.service.Issue(c.UserContext(), Request{
		RequestID:       requestID(c, req.RequestID),
		IssuerUserID:    issuer(c),
		RecipientUserID: req.RecipientUserID,
		AwardID:         req.AwardID,
		Metadata:        req.Metadata,
		UseChain:        req.UseChain,
		Reassign:        req.Reassign,
	})
	if err != nil {
		return withTxRef(c, res.TxRef, err)
	}
	return c.Status(statusFor(res)).JSON(res)
}

// CreatePool handles POST /awards.
func (h *Handler) CreatePool(c *fiber.Ctx) error {
	var req poolRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
	}
	res, err := h.service.CreatePooledAward(c.UserContext(), PoolRequest{
		RequestID:    requestID(c, req.RequestID),
		IssuerUserID: issuer(c),
		Metadata:     req.Metadata,
		UseChain:     req.UseChain,
	})
	if err != nil {
		return withTxRef(c, res.TxRef, err)
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// Pool handles GET /awards/pool for the authenticated issuer.
func (h *Handler) Pool(c *fiber.Ctx) error {
	awards, err := h.service.Pool(c.UserContext(), issuer(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"awards": awards})
}

// Get handles GET /awards/:awardId.
func (h *Handler) Get(c *fiber.Ctx) error {
	a, err := h.service.Award(c.UserContext(), c.Params("awardId"))
	if err != nil {
		return err
	}
	return c.JSON(a)
}

// AwardHistory handles GET /awards/:awardId/history.
func (h *Handler) AwardHistory(c *fiber.Ctx) error {
	records, err := h.service.AwardHistory(c.UserContext(), c.Params("awardId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"transactions": records})
}

// Verify handles GET /awards/:awardId/verify.
func (h *Handler) Verify(c *fiber.Ctx) error {
	v, err := h.service.Verify(c.UserContext(), c.Params("awardId"))
	if err != nil {
		return err
	}
	return c.JSON(v)
}

// WalletHistory handles GET /wallets/:walletId/history.
func (h *Handler) WalletHistory(c *fiber.Ctx) error {
	records, err := h.service.History(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"transactions": records})
}

// WalletAwards handles GET /wallets/:walletId/awards.
func (h *Handler) WalletAwards(c *fiber.Ctx) error {
	awards, err := h.service.WalletAwards(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"awards": awards})
}

// Reconcile handles POST /admin/reconcile.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	report, err := h.service.Reconcile(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func issuer(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

// requestID prefers the body field and falls back to the Idempotency-Key header.
func requestID(c *fiber.Ctx, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Get("Idempotency-Key")
}

func statusFor(res Result) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// withTxRef renders err with the transaction reference so callers can look
// the transaction up after a timeout.
func withTxRef(c *fiber.Ctx, txRef string, err error) error {
	if txRef == "" {
		return err
	}
	kind := apperr.KindOf(err)
	return c.Status(apperr.HTTPStatus(kind)).JSON(fiber.Map{
		"error": fiber.Map{
			"kind":   kind,
			"reason": apperr.ReasonOf(err),
		},
		"tx_ref": txRef,
	})
}
