package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/award"
	"github.com/classmint/classmint/internal/chain"
	"github.com/classmint/classmint/internal/identity"
	"github.com/classmint/classmint/internal/ledger"
	"github.com/classmint/classmint/internal/notification"
	"github.com/classmint/classmint/internal/validation"
	"github.com/classmint/classmint/internal/vault"
)

const (
	defaultMinterUserID   = "platform-minter"
	defaultNetwork        = "evm"
	defaultPendingGrace   = 5 * time.Minute
	defaultReconcileBatch = 100
)

// awardNamespace seeds deterministic award ids derived from caller request ids.
var awardNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://classmint.dev/awards"))

// ErrInProgress is returned when another call is still working on the same request id.
var ErrInProgress = apperr.New(apperr.KindInProgress, "issuance already in progress; check award history")

// Deps are the collaborators of the issuance service. Chain may be nil, in
// which case every operation goes through Simulated.
type Deps struct {
	Identity  *identity.Service
	Vault     *vault.Vault
	Awards    award.Repository
	Ledger    ledger.Ledger
	Chain     chain.Gateway
	Simulated chain.Gateway
	Notifier  notification.Notifier
}

// Config tunes the issuance service.
type Config struct {
	ContractAddress     string
	Network             string
	MinterUserID        string
	StrictIssuerBinding bool
	// PendingGrace is how long a pending record may sit before Reconcile looks at it.
	PendingGrace   time.Duration
	ReconcileBatch int
}

// Service authorizes and orchestrates award issuance.
type Service struct {
	identity  *identity.Service
	vault     *vault.Vault
	awards    award.Repository
	ledger    ledger.Ledger
	chain     chain.Gateway
	simulated chain.Gateway
	notifier  notification.Notifier
	cfg       Config
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService wires the issuance service.
func NewService(d Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.MinterUserID == "" {
		cfg.MinterUserID = defaultMinterUserID
	}
	if cfg.Network == "" || cfg.Network == award.NetworkSimulated {
		cfg.Network = defaultNetwork
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = defaultPendingGrace
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaultReconcileBatch
	}
	if d.Simulated == nil {
		d.Simulated = chain.NewSimulatedGateway(logger)
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLoggerNotifier(logger)
	}
	return &Service{
		identity:  d.Identity,
		vault:     d.Vault,
		awards:    d.Awards,
		ledger:    d.Ledger,
		chain:     d.Chain,
		simulated: d.Simulated,
		notifier:  d.Notifier,
		cfg:       cfg,
		validate:  validation.New(),
		logger:    logger,
	}
}

// Request asks for an award to be given to a recipient. Either AwardID names a
// pooled award or Metadata describes a fresh one.
type Request struct {
	RequestID       string          `json:"request_id" validate:"max=128"`
	IssuerUserID    string          `json:"issuer_user_id" validate:"required,max=128"`
	RecipientUserID string          `json:"recipient_user_id" validate:"required,max=128,nefield=IssuerUserID"`
	AwardID         string          `json:"award_id" validate:"omitempty,uuid"`
	Metadata        *award.Metadata `json:"metadata" validate:"required_without=AwardID,excluded_with=AwardID"`
	UseChain        bool            `json:"use_chain"`
	Reassign        bool            `json:"reassign"`
}

// PoolRequest creates an unassigned award in the issuer's pool.
type PoolRequest struct {
	RequestID    string         `json:"request_id" validate:"max=128"`
	IssuerUserID string         `json:"issuer_user_id" validate:"required,max=128"`
	Metadata     award.Metadata `json:"metadata"`
	UseChain     bool           `json:"use_chain"`
}

// Result is the outcome of an issuance. TxRef is set whenever a transaction
// exists, including alongside a confirmation timeout.
type Result struct {
	Award       award.Award   `json:"award"`
	TxRef       string        `json:"tx_ref,omitempty"`
	Transaction ledger.Record `json:"transaction"`
	Replayed    bool          `json:"replayed"`
}

// operation is one chain step tied to one ledger request id.
type operation struct {
	requestID string
	award     award.Award
	kind      string
	gateway   chain.Gateway
	signer    vault.Wallet
	from      vault.Wallet
	to        vault.Wallet
	// assign is false for a pool mint, which records the token without an owner.
	assign bool
}

// Issue validates the issuer, resolves the recipient wallet and the award, and
// mints or transfers the token. Ownership only changes once the chain
// operation has confirmed.
func (s *Service) Issue(ctx context.Context, req Request) (Result, error) {
	if err := validation.Struct(s.validate, req); err != nil {
		return Result{}, err
	}
	issuer, err := s.identity.RequireIssuer(ctx, req.IssuerUserID)
	if err != nil {
		return Result{}, err
	}
	if s.cfg.StrictIssuerBinding {
		ok, err := s.identity.CanAssign(ctx, req.RecipientUserID, issuer.ID, req.Reassign)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, identity.ErrIssuerConflict
		}
	}

	recipient, err := s.activeWallet(ctx, req.RecipientUserID, vault.KindUser)
	if err != nil {
		return Result{}, err
	}
	creator, err := s.activeWallet(ctx, issuer.ID, vault.KindUser)
	if err != nil {
		return Result{}, err
	}

	var a award.Award
	if req.AwardID != "" {
		a, err = s.awards.Get(ctx, req.AwardID)
		if err != nil {
			return Result{}, err
		}
		if a.CreatorWalletID != creator.ID && issuer.Role != identity.RoleAdmin {
			return Result{}, apperr.New(apperr.KindUnauthorized, "award belongs to another issuer")
		}
	} else {
		a, err = s.createAward(ctx, awardID(issuer.ID, req.RequestID), creator.ID, *req.Metadata, req.UseChain)
		if err != nil {
			return Result{}, err
		}
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = DeriveRequestID(a.ID, recipient.ID)
	}
	if a.Assigned() {
		return s.replayAssigned(ctx, a, requestID, recipient.ID)
	}

	op, err := s.operationFor(ctx, requestID, a, recipient)
	if err != nil {
		return Result{}, err
	}
	res, err := s.execute(ctx, op)
	if err != nil || res.Replayed {
		return res, err
	}

	if err := s.identity.BindIssuer(ctx, req.RecipientUserID, issuer.ID, req.Reassign); err != nil && !errors.Is(err, identity.ErrIssuerConflict) {
		s.logger.Warn("issuance.bind_issuer failed", slog.String("recipient_user_id", req.RecipientUserID), slog.Any("error", err))
	}
	s.notify(ctx, notification.KindAwardIssued, req.RecipientUserID, res.Award, res.TxRef)
	return res, nil
}

// CreatePooledAward creates an unassigned award owned by nobody. With UseChain
// and a chain gateway the token is minted to the creator's custodial wallet
// right away so a later issuance is a transfer.
func (s *Service) CreatePooledAward(ctx context.Context, req PoolRequest) (Result, error) {
	if err := validation.Struct(s.validate, req); err != nil {
		return Result{}, err
	}
	issuer, err := s.identity.RequireIssuer(ctx, req.IssuerUserID)
	if err != nil {
		return Result{}, err
	}
	creator, err := s.activeWallet(ctx, issuer.ID, vault.KindUser)
	if err != nil {
		return Result{}, err
	}
	a, err := s.createAward(ctx, awardID(issuer.ID, req.RequestID), creator.ID, req.Metadata, req.UseChain)
	if err != nil {
		return Result{}, err
	}
	if a.Simulated() || a.Minted() || a.Assigned() {
		return Result{Award: a}, nil
	}

	gw, err := s.gatewayFor(a)
	if err != nil {
		return Result{}, err
	}
	minter, err := s.minterWallet(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.execute(ctx, operation{
		requestID: "pool:" + a.ID,
		award:     a,
		kind:      ledger.KindMint,
		gateway:   gw,
		signer:    minter,
		from:      minter,
		to:        creator,
	})
}

// CanAssign reports whether issuerUserID may give awards to recipientUserID.
func (s *Service) CanAssign(ctx context.Context, recipientUserID, issuerUserID string, reassign bool) (bool, error) {
	return s.identity.CanAssign(ctx, recipientUserID, issuerUserID, reassign)
}

// History returns every transaction touching a wallet, oldest first.
func (s *Service) History(ctx context.Context, walletID string) ([]ledger.Record, error) {
	return s.ledger.History(ctx, ledger.Filter{WalletID: walletID})
}

// AwardHistory returns every transaction of one award, oldest first.
func (s *Service) AwardHistory(ctx context.Context, awardID string) ([]ledger.Record, error) {
	if _, err := s.awards.Get(ctx, awardID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, ledger.Filter{AwardID: awardID})
}

// Award returns one award.
func (s *Service) Award(ctx context.Context, awardID string) (award.Award, error) {
	return s.awards.Get(ctx, awardID)
}

// WalletAwards lists the awards a wallet owns.
func (s *Service) WalletAwards(ctx context.Context, walletID string) ([]award.Award, error) {
	return s.awards.ListByOwner(ctx, walletID)
}

// Pool lists the unassigned awards created by an issuer.
func (s *Service) Pool(ctx context.Context, issuerUserID string) ([]award.Award, error) {
	wallet, err := s.vault.GetByOwner(ctx, issuerUserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return []award.Award{}, nil
		}
		return nil, err
	}
	return s.awards.ListPool(ctx, wallet.ID)
}

// DeriveRequestID is the request id used when the caller supplies none.
func DeriveRequestID(awardID, walletID string) string {
	return "award:" + awardID + ":to:" + walletID
}

func awardID(issuerID, requestID string) string {
	if requestID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(awardNamespace, []byte(issuerID+"\x00"+requestID)).String()
}

func (s *Service) activeWallet(ctx context.Context, userID, kind string) (vault.Wallet, error) {
	w, err := s.vault.CreateWallet(ctx, vault.CreateInput{OwnerUserID: userID, Kind: kind})
	if err != nil {
		return vault.Wallet{}, err
	}
	if !w.Active() {
		return vault.Wallet{}, vault.ErrWalletInactive
	}
	return w, nil
}

func (s *Service) minterWallet(ctx context.Context) (vault.Wallet, error) {
	return s.activeWallet(ctx, s.cfg.MinterUserID, vault.KindAdmin)
}

func (s *Service) createAward(ctx context.Context, id, creatorWalletID string, meta award.Metadata, useChain bool) (award.Award, error) {
	a := award.Award{
		ID:              id,
		Metadata:        meta,
		CreatorWalletID: creatorWalletID,
		Network:         award.NetworkSimulated,
		CreatedAt:       time.Now().UTC(),
	}
	switch {
	case useChain && s.chain != nil:
		a.Network = s.cfg.Network
		a.ContractAddress = s.cfg.ContractAddress
	case useChain:
		s.logger.Warn("issuance.chain unavailable, using simulated gateway", slog.String("award_id", id))
	}
	a, created, err := s.awards.Create(ctx, a)
	if err != nil {
		return award.Award{}, err
	}
	if !created && a.CreatorWalletID != creatorWalletID {
		return award.Award{}, apperr.New(apperr.KindInvalidInput, "request id was already used for a different award")
	}
	return a, nil
}

func (s *Service) gatewayFor(a award.Award) (chain.Gateway, error) {
	if a.Simulated() {
		return s.simulated, nil
	}
	if s.chain == nil {
		return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("award lives on %s but no chain gateway is configured", a.Network))
	}
	return s.chain, nil
}

// operationFor picks mint or transfer for an unassigned award.
func (s *Service) operationFor(ctx context.Context, requestID string, a award.Award, to vault.Wallet) (operation, error) {
	gw, err := s.gatewayFor(a)
	if err != nil {
		return operation{}, err
	}
	op := operation{requestID: requestID, award: a, gateway: gw, to: to, assign: true}
	if a.Minted() {
		creator, err := s.vault.Get(ctx, a.CreatorWalletID)
		if err != nil {
			return operation{}, err
		}
		op.kind = ledger.KindTransfer
		op.signer = creator
		op.from = creator
		return op, nil
	}
	minter, err := s.minterWallet(ctx)
	if err != nil {
		return operation{}, err
	}
	op.kind = ledger.KindMint
	op.signer = minter
	op.from = minter
	return op, nil
}

// replayAssigned answers an issuance for an award that already has an owner:
// the original outcome when requestID produced it, ErrAlreadyAssigned otherwise.
func (s *Service) replayAssigned(ctx context.Context, a award.Award, requestID, recipientWalletID string) (Result, error) {
	rec, err := s.ledger.Get(ctx, requestID)
	if err == nil && rec.AwardID == a.ID {
		if rec.ToWalletID != recipientWalletID {
			return Result{}, apperr.New(apperr.KindInvalidInput, "request id was already used for a different issuance")
		}
		if rec.Status == ledger.StatusConfirmed && *a.OwnerWalletID == recipientWalletID {
			return Result{Award: a, TxRef: rec.TxRef, Transaction: rec, Replayed: true}, nil
		}
	}
	return Result{Award: a}, award.ErrAlreadyAssigned
}

func (s *Service) execute(ctx context.Context, op operation) (Result, error) {
	rec, created, err := s.ledger.RecordAttempt(ctx, ledger.Attempt{
		RequestID:    op.requestID,
		AwardID:      op.award.ID,
		FromWalletID: op.from.ID,
		ToWalletID:   op.to.ID,
		Kind:         op.kind,
		Simulated:    op.gateway.Mode() == chain.ModeSimulated,
	})
	if err != nil {
		return Result{}, err
	}
	if !created {
		res, proceed, err := s.resume(ctx, op, rec)
		if !proceed {
			return res, err
		}
		rec = res.Transaction
	}

	log := s.logger.With(
		slog.String("request_id", op.requestID),
		slog.String("award_id", op.award.ID),
		slog.String("kind", op.kind),
		slog.String("to_wallet_id", op.to.ID),
		slog.String("mode", op.gateway.Mode()),
		slog.Int("attempt", rec.Attempt),
	)

	if err := s.awards.Reserve(ctx, op.award.ID, op.requestID); err != nil {
		// A reservation conflict fails as award_reserved, which the same
		// request id may resubmit once the holder releases the award.
		if kind := apperr.KindOf(err); kind == apperr.KindAlreadyAssigned || kind == apperr.KindReserved {
			if failed, ferr := s.ledger.MarkFailed(ctx, op.requestID, kind, apperr.ReasonOf(err)); ferr == nil {
				rec = failed
			}
		}
		log.Info("issuance.rejected", slog.Any("error", err))
		return Result{Award: op.award, Transaction: rec}, err
	}

	rcpt, err := s.submit(ctx, op)
	if err != nil {
		return s.handleFailure(ctx, op, rcpt.TxRef, err, log)
	}

	tokenID := op.award.TokenID
	if rcpt.TokenID != nil {
		tokenID = rcpt.TokenID.String()
	}
	settlement := award.Settlement{
		AwardID:   op.award.ID,
		RequestID: op.requestID,
		TokenID:   tokenID,
		TxRef:     rcpt.TxRef,
		GasUsed:   rcpt.GasUsed,
	}
	if op.assign {
		settlement.OwnerWalletID = op.to.ID
	}
	settled, err := s.awards.Settle(context.WithoutCancel(ctx), settlement)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAlreadyAssigned {
			log.Error("issuance.settle lost the award after a confirmed chain operation", slog.String("tx_ref", rcpt.TxRef), slog.Any("error", err))
			_, _ = s.ledger.MarkFailed(context.WithoutCancel(ctx), op.requestID, apperr.KindAlreadyAssigned, apperr.ReasonOf(err))
		} else {
			log.Error("issuance.settle failed; left for reconciliation", slog.String("tx_ref", rcpt.TxRef), slog.Any("error", err))
		}
		return Result{Award: op.award, TxRef: rcpt.TxRef}, err
	}

	rec, err = s.ledger.Get(ctx, op.requestID)
	if err != nil {
		return Result{}, err
	}
	log.Info("issuance.confirmed", slog.String("tx_ref", rcpt.TxRef), slog.String("token_id", tokenID), slog.Uint64("gas_used", rcpt.GasUsed))
	return Result{Award: settled, TxRef: rcpt.TxRef, Transaction: rec}, nil
}

// resume decides what to do with a request id that already has a record.
// proceed is true when a new attempt was opened and the caller should submit.
func (s *Service) resume(ctx context.Context, op operation, rec ledger.Record) (Result, bool, error) {
	if rec.AwardID != op.award.ID || rec.ToWalletID != op.to.ID {
		return Result{}, false, apperr.New(apperr.KindInvalidInput, "request id was already used for a different issuance")
	}
	base := Result{Award: op.award, TxRef: rec.TxRef, Transaction: rec}

	if rec.TimedOut() {
		out, err := s.reconcileRecord(ctx, rec)
		if err != nil {
			return base, false, err
		}
		switch out {
		case outcomeConfirmed:
			return s.replayRecord(ctx, rec.RequestID)
		case outcomeUnresolved:
			return base, false, apperr.New(apperr.KindConfirmationTimeout,
				fmt.Sprintf("transaction %s is still unconfirmed; check award history before retrying", rec.TxRef))
		}
		if rec, err = s.ledger.Get(ctx, rec.RequestID); err != nil {
			return base, false, err
		}
		base.Transaction = rec
	}

	switch {
	case rec.Status == ledger.StatusConfirmed:
		return s.replayRecord(ctx, rec.RequestID)
	case rec.Status == ledger.StatusPending:
		return base, false, ErrInProgress
	case rec.Resubmittable():
		next, err := s.ledger.Retry(ctx, rec.RequestID)
		if err != nil {
			return base, false, err
		}
		return Result{Transaction: next}, true, nil
	default:
		return base, false, apperr.New(rec.ErrorKind, rec.ErrorReason)
	}
}

func (s *Service) replayRecord(ctx context.Context, requestID string) (Result, bool, error) {
	rec, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return Result{}, false, err
	}
	a, err := s.awards.Get(ctx, rec.AwardID)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Award: a, TxRef: rec.TxRef, Transaction: rec, Replayed: true}, false, nil
}

func (s *Service) submit(ctx context.Context, op operation) (chain.Receipt, error) {
	hook := func(hctx context.Context, txRef string) error {
		return s.ledger.MarkSubmitted(context.WithoutCancel(hctx), op.requestID, txRef)
	}
	to := common.HexToAddress(op.to.Address)

	if op.kind == ledger.KindMint {
		uri, err := chain.EncodeTokenURI(op.award.Metadata)
		if err != nil {
			return chain.Receipt{}, err
		}
		return op.gateway.Mint(ctx, chain.MintRequest{
			SignerWalletID: op.signer.ID,
			To:             to,
			TokenURI:       uri,
			OnSubmitted:    hook,
		})
	}

	tokenID, ok := new(big.Int).SetString(op.award.TokenID, 10)
	if !ok {
		return chain.Receipt{}, apperr.New(apperr.KindInternal, fmt.Sprintf("award has malformed token id %q", op.award.TokenID))
	}
	return op.gateway.Transfer(ctx, chain.TransferRequest{
		SignerWalletID: op.signer.ID,
		From:           common.HexToAddress(op.from.Address),
		To:             to,
		TokenID:        tokenID,
		OnSubmitted:    hook,
	})
}

// handleFailure records a failed chain operation. A timed out transaction
// keeps its reservation until reconciliation resolves it.
func (s *Service) handleFailure(ctx context.Context, op operation, txRef string, cause error, log *slog.Logger) (Result, error) {
	bg := context.WithoutCancel(ctx)
	if txRef != "" {
		if err := s.ledger.MarkSubmitted(bg, op.requestID, txRef); err != nil {
			log.Warn("issuance.mark_submitted failed", slog.String("tx_ref", txRef), slog.Any("error", err))
		}
	}
	res := Result{Award: op.award, TxRef: txRef}

	canceled := errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
	switch {
	case canceled && txRef != "":
		log.Warn("issuance.abandoned after submission", slog.String("tx_ref", txRef))
		return res, apperr.Wrap(apperr.KindInProgress, cause, "transaction submitted; check award history")
	case errors.Is(cause, chain.ErrConfirmationTimeout), txRef != "" && !errors.Is(cause, chain.ErrReverted):
		// Submitted with no known outcome: the reservation stays and
		// reconciliation decides once a receipt can be read.
		if !errors.Is(cause, chain.ErrConfirmationTimeout) {
			cause = apperr.Wrap(apperr.KindConfirmationTimeout, cause, "transaction outcome unknown; check award history before retrying")
		}
		rec, err := s.ledger.MarkFailed(bg, op.requestID, apperr.KindConfirmationTimeout, apperr.ReasonOf(cause))
		if err != nil {
			log.Error("issuance.mark_failed failed", slog.Any("error", err))
		}
		res.Transaction = rec
		log.Warn("issuance.timed_out", slog.String("tx_ref", txRef), slog.Any("error", cause))
		return res, cause
	}

	kind := apperr.KindOf(cause)
	if canceled {
		kind = apperr.KindSubmissionRejected
	}
	rec, err := s.ledger.MarkFailed(bg, op.requestID, kind, apperr.ReasonOf(cause))
	if err != nil {
		log.Error("issuance.mark_failed failed", slog.Any("error", err))
	}
	if err := s.awards.Release(bg, op.award.ID, op.requestID); err != nil {
		log.Error("issuance.release failed", slog.Any("error", err))
	}
	res.Transaction = rec
	log.Warn("issuance.failed", slog.String("error_kind", string(kind)), slog.Any("error", cause))
	return res, cause
}

func (s *Service) notify(ctx context.Context, kind, userID string, a award.Award, txRef string) {
	msg := notification.Message{
		Kind:        kind,
		Destination: userID,
		Body:        fmt.Sprintf("You received %q (%d points)", a.Metadata.Name, a.Metadata.Points),
		AwardID:     a.ID,
		TxRef:       txRef,
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("issuance.notify failed", slog.String("award_id", a.ID), slog.Any("error", err))
	}
}
