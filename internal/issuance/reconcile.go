package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/award"
	"github.com/classmint/classmint/internal/chain"
	"github.com/classmint/classmint/internal/ledger"
	"github.com/classmint/classmint/internal/notification"
	"github.com/classmint/classmint/internal/vault"
)

type outcome int

const (
	outcomeUnresolved outcome = iota
	outcomeConfirmed
	outcomeFailed
)

// ReconcileReport summarizes one Reconcile pass.
type ReconcileReport struct {
	Checked    int `json:"checked"`
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

// Reconcile settles ledger records whose outcome the pipeline never observed:
// pending rows older than the grace period and timed out submissions. It reads
// chain state and never resubmits.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	records, err := s.ledger.Unsettled(ctx, time.Now().Add(-s.cfg.PendingGrace), s.cfg.ReconcileBatch)
	if err != nil {
		return report, err
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		out, err := s.reconcileRecord(ctx, rec)
		if err != nil {
			s.logger.Warn("reconcile.record failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
		}
		switch out {
		case outcomeConfirmed:
			report.Confirmed++
		case outcomeFailed:
			report.Failed++
		default:
			report.Unresolved++
		}
	}
	if report.Checked > 0 {
		s.logger.Info("reconcile.pass",
			slog.Int("checked", report.Checked),
			slog.Int("confirmed", report.Confirmed),
			slog.Int("failed", report.Failed),
			slog.Int("unresolved", report.Unresolved))
	}
	return report, nil
}

func (s *Service) reconcileRecord(ctx context.Context, rec ledger.Record) (outcome, error) {
	a, err := s.awards.Get(ctx, rec.AwardID)
	if err != nil {
		return outcomeUnresolved, err
	}
	gw, err := s.gatewayFor(a)
	if err != nil {
		return outcomeUnresolved, err
	}
	to, err := s.vault.Get(ctx, rec.ToWalletID)
	if err != nil {
		return outcomeUnresolved, err
	}

	if rec.TxRef == "" {
		if rec.Kind == ledger.KindTransfer && a.Minted() && s.ownedOnChain(ctx, gw, a.TokenID, to) {
			return s.settleLate(ctx, rec, a, to, a.TokenID, 0)
		}
		return s.closeRecord(ctx, rec, apperr.KindSubmissionRejected, "abandoned before a transaction reference was recorded")
	}

	rcpt, err := gw.Lookup(ctx, rec.TxRef)
	switch {
	case err == nil:
		tokenID := a.TokenID
		if tokenID == "" && rcpt.TokenID != nil {
			tokenID = rcpt.TokenID.String()
		}
		if tokenID == "" {
			s.logger.Warn("reconcile.mined without a token id", slog.String("request_id", rec.RequestID), slog.String("tx_ref", rec.TxRef))
			return outcomeUnresolved, nil
		}
		return s.settleLate(ctx, rec, a, to, tokenID, rcpt.GasUsed)
	case errors.Is(err, chain.ErrReverted):
		return s.closeRecord(ctx, rec, apperr.KindReverted, "transaction reverted on chain")
	case errors.Is(err, chain.ErrReceiptNotFound):
		if a.Simulated() || chain.IsSimulatedRef(rec.TxRef) {
			return s.closeRecord(ctx, rec, apperr.KindSubmissionRejected, "simulated receipt is no longer available")
		}
		if rec.Status == ledger.StatusPending {
			reason := fmt.Sprintf("no receipt after %s", s.cfg.PendingGrace)
			if _, err := s.ledger.MarkFailed(ctx, rec.RequestID, apperr.KindConfirmationTimeout, reason); err != nil {
				return outcomeUnresolved, err
			}
		}
		return outcomeUnresolved, nil
	default:
		return outcomeUnresolved, err
	}
}

// settleLate applies a confirmation that arrived after the caller gave up.
func (s *Service) settleLate(ctx context.Context, rec ledger.Record, a award.Award, to vault.Wallet, tokenID string, gasUsed uint64) (outcome, error) {
	settlement := award.Settlement{
		AwardID:   a.ID,
		RequestID: rec.RequestID,
		TokenID:   tokenID,
		TxRef:     rec.TxRef,
		GasUsed:   gasUsed,
		Late:      rec.Status == ledger.StatusFailed,
	}
	poolMint := rec.Kind == ledger.KindMint && rec.ToWalletID == a.CreatorWalletID
	if !poolMint {
		settlement.OwnerWalletID = to.ID
	}
	settled, err := s.awards.Settle(ctx, settlement)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAlreadyAssigned {
			s.logger.Error("reconcile.confirmed operation lost the award",
				slog.String("request_id", rec.RequestID), slog.String("award_id", a.ID), slog.String("tx_ref", rec.TxRef))
			return s.closeRecord(ctx, rec, apperr.KindAlreadyAssigned, apperr.ReasonOf(err))
		}
		return outcomeUnresolved, err
	}
	s.logger.Info("reconcile.settled",
		slog.String("request_id", rec.RequestID),
		slog.String("award_id", a.ID),
		slog.String("tx_ref", rec.TxRef),
		slog.String("token_id", tokenID))
	if !poolMint {
		s.notify(ctx, notification.KindAwardReconciled, to.OwnerUserID, settled, rec.TxRef)
	}
	return outcomeConfirmed, nil
}

// closeRecord fails the record and frees the award for another request.
func (s *Service) closeRecord(ctx context.Context, rec ledger.Record, kind apperr.Kind, reason string) (outcome, error) {
	var err error
	if rec.Status == ledger.StatusPending {
		_, err = s.ledger.MarkFailed(ctx, rec.RequestID, kind, reason)
	} else {
		_, err = s.ledger.FailLate(ctx, rec.RequestID, kind, reason)
	}
	if err != nil {
		return outcomeUnresolved, err
	}
	if err := s.awards.Release(ctx, rec.AwardID, rec.RequestID); err != nil {
		return outcomeFailed, err
	}
	s.logger.Info("reconcile.failed", slog.String("request_id", rec.RequestID), slog.String("error_kind", string(kind)), slog.String("reason", reason))
	return outcomeFailed, nil
}

func (s *Service) ownedOnChain(ctx context.Context, gw chain.Gateway, tokenID string, w vault.Wallet) bool {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return false
	}
	owner, err := gw.OwnerOf(ctx, id)
	return err == nil && owner == common.HexToAddress(w.Address)
}

// Verification compares an award with the token state on its network.
type Verification struct {
	AwardID       string `json:"award_id"`
	TokenID       string `json:"token_id"`
	ChainOwner    string `json:"chain_owner"`
	ExpectedOwner string `json:"expected_owner"`
	TokenURI      string `json:"token_uri"`
	Consistent    bool   `json:"consistent"`
}

// Verify reads ownerOf and tokenURI for a minted award and reports whether
// they match the stored owner and metadata.
func (s *Service) Verify(ctx context.Context, awardID string) (Verification, error) {
	a, err := s.awards.Get(ctx, awardID)
	if err != nil {
		return Verification{}, err
	}
	if !a.Minted() {
		return Verification{}, apperr.New(apperr.KindNotFound, "award has no token yet")
	}
	gw, err := s.gatewayFor(a)
	if err != nil {
		return Verification{}, err
	}
	tokenID, ok := new(big.Int).SetString(a.TokenID, 10)
	if !ok {
		return Verification{}, apperr.New(apperr.KindInternal, fmt.Sprintf("award has malformed token id %q", a.TokenID))
	}
	owner, err := gw.OwnerOf(ctx, tokenID)
	if err != nil {
		return Verification{}, err
	}
	uri, err := gw.TokenURI(ctx, tokenID)
	if err != nil {
		return Verification{}, err
	}

	expectedWalletID := a.CreatorWalletID
	if a.Assigned() {
		expectedWalletID = *a.OwnerWalletID
	}
	expected, err := s.vault.Get(ctx, expectedWalletID)
	if err != nil {
		return Verification{}, err
	}
	var onChain award.Metadata
	metaMatches := chain.DecodeTokenURI(uri, &onChain) == nil && onChain.Name == a.Metadata.Name && onChain.Points == a.Metadata.Points

	v := Verification{
		AwardID:       a.ID,
		TokenID:       a.TokenID,
		ChainOwner:    owner.Hex(),
		ExpectedOwner: common.HexToAddress(expected.Address).Hex(),
		TokenURI:      uri,
	}
	v.Consistent = v.ChainOwner == v.ExpectedOwner && metaMatches
	return v, nil
}
