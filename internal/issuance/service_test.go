package issuance

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/classmint/classmint/internal/apperr"
	"github.com/classmint/classmint/internal/award"
	"github.com/classmint/classmint/internal/chain"
	"github.com/classmint/classmint/internal/identity"
	"github.com/classmint/classmint/internal/ledger"
	"github.com/classmint/classmint/internal/notification"
)

func TestIssueSimulatedAwardToNewStudent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Issue(ctx, Request{
		IssuerUserID:    "teacher-1",
		RecipientUserID: "student-1",
		Metadata:        mathExcellence(),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	wallet := f.walletOf(t, "student-1")
	if res.Award.OwnerWalletID == nil || *res.Award.OwnerWalletID != wallet.ID {
		t.Fatalf("award should belong to student-1's wallet, got %+v", res.Award)
	}
	if !res.Award.Simulated() || !res.Award.Minted() || res.Award.Metadata.Name != "Math Excellence" || res.Award.Metadata.Points != 200 {
		t.Fatalf("unexpected award: %+v", res.Award)
	}
	if !chain.IsSimulatedRef(res.TxRef) {
		t.Fatalf("expected a simulated tx ref, got %q", res.TxRef)
	}

	history, err := f.svc.AwardHistory(ctx, res.Award.ID)
	if err != nil {
		t.Fatalf("award history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one transaction, got %d", len(history))
	}
	rec := history[0]
	if rec.Kind != ledger.KindMint || rec.Status != ledger.StatusConfirmed || rec.ToWalletID != wallet.ID || !rec.Simulated || rec.TxRef != res.TxRef {
		t.Fatalf("unexpected transaction: %+v", rec)
	}

	walletHistory, _ := f.svc.History(ctx, wallet.ID)
	if len(walletHistory) != 1 {
		t.Fatalf("wallet history should list the mint, got %d", len(walletHistory))
	}
	owned, _ := f.svc.WalletAwards(ctx, wallet.ID)
	if len(owned) != 1 || owned[0].ID != res.Award.ID {
		t.Fatalf("wallet should own the award, got %+v", owned)
	}

	student, err := f.ids.Get(ctx, "student-1")
	if err != nil || student.Role != identity.RoleStudent || student.AssignedIssuerID != "teacher-1" {
		t.Fatalf("recipient should be registered and bound to teacher-1: %+v err=%v", student, err)
	}
	sent := f.notifier.sent()
	if len(sent) != 1 || sent[0].Kind != notification.KindAwardIssued || sent[0].Destination != "student-1" || sent[0].AwardID != res.Award.ID {
		t.Fatalf("unexpected notifications: %+v", sent)
	}
	if mints, _ := f.gateway.counts(); mints != 0 {
		t.Fatalf("simulated issuance must not touch the chain gateway, got %d mints", mints)
	}
}

func TestReissueAssignedAwardFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, Request{IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence()})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = f.svc.Issue(ctx, Request{IssuerUserID: "teacher-1", RecipientUserID: "student-2", AwardID: first.Award.ID})
	if !errors.Is(err, award.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}

	current, _ := f.svc.Award(ctx, first.Award.ID)
	if *current.OwnerWalletID != *first.Award.OwnerWalletID {
		t.Fatal("owner must not change")
	}
	history, _ := f.svc.AwardHistory(ctx, first.Award.ID)
	if len(history) != 1 {
		t.Fatalf("rejected reissue must not reach the ledger, got %d records", len(history))
	}
}

func TestIssueReplaysSameRequestID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := Request{RequestID: "req-1", IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence(), UseChain: true}

	first, err := f.svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if first.Replayed || strings.HasPrefix(first.TxRef, chain.SimulatedTxPrefix) {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second, err := f.svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.TxRef != first.TxRef || second.Award.ID != first.Award.ID {
		t.Fatalf("replay should return the first outcome, got %+v", second)
	}
	if mints, _ := f.gateway.counts(); mints != 1 {
		t.Fatalf("expected a single chain submission, got %d", mints)
	}
	if len(f.notifier.sent()) != 1 {
		t.Fatalf("replay must not notify again")
	}

	other := req
	other.RecipientUserID = "student-2"
	if _, err := f.svc.Issue(ctx, other); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("reusing a request id for another recipient should be rejected, got %v", err)
	}
}

func TestConcurrentIssueOfPooledAwardHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pooled, err := f.svc.CreatePooledAward(ctx, PoolRequest{IssuerUserID: "teacher-1", Metadata: *mathExcellence()})
	if err != nil {
		t.Fatalf("create pooled award: %v", err)
	}
	if pooled.Award.Assigned() {
		t.Fatal("pooled award must start unassigned")
	}

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		refused int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Issue(ctx, Request{
				IssuerUserID:    "teacher-1",
				RecipientUserID: fmt.Sprintf("student-%d", i),
				AwardID:         pooled.Award.ID,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperr.KindOf(err) == apperr.KindAlreadyAssigned, apperr.KindOf(err) == apperr.KindReserved:
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || refused != n-1 {
		t.Fatalf("expected 1 success and %d refusals, got %d and %d", n-1, wins, refused)
	}
	history, _ := f.svc.AwardHistory(ctx, pooled.Award.ID)
	confirmed := 0
	for _, rec := range history {
		if rec.Status == ledger.StatusConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Fatalf("expected exactly one confirmed record, got %d", confirmed)
	}
	if pool, _ := f.svc.Pool(ctx, "teacher-1"); len(pool) != 0 {
		t.Fatalf("issued award must leave the pool, got %d", len(pool))
	}
}

func TestSimulatedAndChainIssuanceAreEquivalent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sim, err := f.svc.Issue(ctx, Request{IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence()})
	if err != nil {
		t.Fatalf("simulated issue: %v", err)
	}
	onChain, err := f.svc.Issue(ctx, Request{IssuerUserID: "teacher-1", RecipientUserID: "student-2", Metadata: mathExcellence(), UseChain: true})
	if err != nil {
		t.Fatalf("chain issue: %v", err)
	}

	if !reflect.DeepEqual(sim.Award.Metadata, onChain.Award.Metadata) {
		t.Fatalf("metadata differs: %+v vs %+v", sim.Award.Metadata, onChain.Award.Metadata)
	}
	if !sim.Award.Assigned() || !onChain.Award.Assigned() {
		t.Fatal("both awards should be assigned")
	}
	if !chain.IsSimulatedRef(sim.TxRef) || chain.IsSimulatedRef(onChain.TxRef) || !strings.HasPrefix(onChain.TxRef, "0x") {
		t.Fatalf("tx refs should differ only in shape: %q vs %q", sim.TxRef, onChain.TxRef)
	}
	if onChain.Award.Network != "anvil" || onChain.Award.ContractAddress == "" {
		t.Fatalf("chain award should carry network and contract: %+v", onChain.Award)
	}
	if onChain.Transaction.GasUsed == 0 {
		t.Fatalf("chain transaction should record gas used: %+v", onChain.Transaction)
	}
}

func TestIssueFallsBackToSimulatedWithoutChain(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.chain = nil

	res, err := f.svc.Issue(context.Background(), Request{IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence(), UseChain: true})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !res.Award.Simulated() || !chain.IsSimulatedRef(res.TxRef) {
		t.Fatalf("expected simulated fallback, got %+v", res)
	}
}

func TestIssueRequiresIssuingRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, issuer := range []string{"student-9", "nobody"} {
		_, err := f.svc.Issue(ctx, Request{IssuerUserID: issuer, RecipientUserID: "student-1", Metadata: mathExcellence()})
		if apperr.KindOf(err) != apperr.KindUnauthorized {
			t.Fatalf("%s: expected unauthorized, got %v", issuer, err)
		}
	}
	if _, err := f.vault.GetByOwner(ctx, "student-1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("no wallet should be created for a refused issuance, got %v", err)
	}
}

func TestIssueValidatesRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := map[string]Request{
		"no award":          {IssuerUserID: "teacher-1", RecipientUserID: "student-1"},
		"self award":        {IssuerUserID: "teacher-1", RecipientUserID: "teacher-1", Metadata: mathExcellence()},
		"award and meta":    {IssuerUserID: "teacher-1", RecipientUserID: "student-1", AwardID: "5f0c1d7e-3f5b-4c55-9a49-0d3c0c1e2a10", Metadata: mathExcellence()},
		"bad award id":      {IssuerUserID: "teacher-1", RecipientUserID: "student-1", AwardID: "award-1"},
		"nameless metadata": {IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: &award.Metadata{Points: 5}},
	}
	for name, req := range cases {
		if _, err := f.svc.Issue(ctx, req); apperr.KindOf(err) != apperr.KindInvalidInput {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestStrictIssuerBinding(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StrictIssuerBinding = true })
	ctx := context.Background()

	if _, err := f.svc.Issue(ctx, Request{IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence()}); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	ok, err := f.svc.CanAssign(ctx, "student-1", "teacher-2", false)
	if err != nil || ok {
		t.Fatalf("teacher-2 should not be allowed, ok=%v err=%v", ok, err)
	}

	_, err = f.svc.Issue(ctx, Request{IssuerUserID: "teacher-2", RecipientUserID: "student-1", Metadata: mathExcellence()})
	if !errors.Is(err, identity.ErrIssuerConflict) {
		t.Fatalf("expected issuer conflict, got %v", err)
	}

	if _, err := f.svc.Issue(ctx, Request{IssuerUserID: "teacher-2", RecipientUserID: "student-1", Metadata: mathExcellence(), Reassign: true}); err != nil {
		t.Fatalf("reassigning issue: %v", err)
	}
	student, _ := f.ids.Get(ctx, "student-1")
	if student.AssignedIssuerID != "teacher-2" {
		t.Fatalf("expected binding to move to teacher-2, got %q", student.AssignedIssuerID)
	}
}

func TestPooledChainAwardIsMintedToCreatorThenTransferred(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pooled, err := f.svc.CreatePooledAward(ctx, PoolRequest{RequestID: "pool-1", IssuerUserID: "teacher-1", Metadata: *mathExcellence(), UseChain: true})
	if err != nil {
		t.Fatalf("create pooled award: %v", err)
	}
	if !pooled.Award.Minted() || pooled.Award.Assigned() {
		t.Fatalf("pooled chain award should be minted and unassigned: %+v", pooled.Award)
	}
	check, err := f.svc.Verify(ctx, pooled.Award.ID)
	if err != nil || !check.Consistent {
		t.Fatalf("pooled token should sit in the creator wallet: %+v err=%v", check, err)
	}

	again, err := f.svc.CreatePooledAward(ctx, PoolRequest{RequestID: "pool-1", IssuerUserID: "teacher-1", Metadata: *mathExcellence(), UseChain: true})
	if err != nil || again.Award.ID != pooled.Award.ID {
		t.Fatalf("pool creation should be idempotent: %+v err=%v", again, err)
	}

	res, err := f.svc.Issue(ctx, Request{IssuerUserID: "teacher-1", RecipientUserID: "student-1", AwardID: pooled.Award.ID})
	if err != nil {
		t.Fatalf("issue pooled award: %v", err)
	}
	if res.Transaction.Kind != ledger.KindTransfer || res.Award.TokenID != pooled.Award.TokenID {
		t.Fatalf("expected a transfer of the pooled token: %+v", res)
	}
	mints, transfers := f.gateway.counts()
	if mints != 1 || transfers != 1 {
		t.Fatalf("expected 1 mint and 1 transfer, got %d and %d", mints, transfers)
	}
	check, err = f.svc.Verify(ctx, pooled.Award.ID)
	if err != nil || !check.Consistent || check.ChainOwner != check.ExpectedOwner {
		t.Fatalf("chain owner should match the recipient wallet: %+v err=%v", check, err)
	}
}

func TestPooledAwardOfAnotherIssuerIsRefused(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pooled, err := f.svc.CreatePooledAward(ctx, PoolRequest{IssuerUserID: "teacher-1", Metadata: *mathExcellence()})
	if err != nil {
		t.Fatalf("create pooled award: %v", err)
	}
	_, err = f.svc.Issue(ctx, Request{IssuerUserID: "teacher-2", RecipientUserID: "student-1", AwardID: pooled.Award.ID})
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.Issue(ctx, Request{IssuerUserID: "principal", RecipientUserID: "student-1", AwardID: pooled.Award.ID}); err != nil {
		t.Fatalf("admin may issue any pooled award: %v", err)
	}
}

func TestRetryAfterSubmissionRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := Request{RequestID: "req-retry", IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence(), UseChain: true}

	f.gateway.setFailure(fmt.Errorf("%w: nonce too low", chain.ErrSubmissionRejected))
	res, err := f.svc.Issue(ctx, req)
	if apperr.KindOf(err) != apperr.KindSubmissionRejected || !apperr.Retryable(err) {
		t.Fatalf("expected a retryable submission failure, got %v", err)
	}
	current, _ := f.svc.Award(ctx, res.Award.ID)
	if current.Assigned() {
		t.Fatal("failed issuance must leave the award unassigned")
	}

	f.gateway.setFailure(nil)
	res, err = f.svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Award.Assigned() || res.Transaction.Attempt != 2 {
		t.Fatalf("retry should confirm a second attempt: %+v", res)
	}
	history, _ := f.svc.AwardHistory(ctx, res.Award.ID)
	if len(history) != 2 || history[0].Status != ledger.StatusFailed || history[1].Status != ledger.StatusConfirmed {
		t.Fatalf("history should keep the failed attempt: %+v", history)
	}
}

func TestRetryAfterReservationReleased(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pooled, err := f.svc.CreatePooledAward(ctx, PoolRequest{IssuerUserID: "teacher-1", Metadata: *mathExcellence()})
	if err != nil {
		t.Fatalf("create pooled award: %v", err)
	}
	if err := f.awards.Reserve(ctx, pooled.Award.ID, "req-holder"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	req := Request{RequestID: "req-waiting", IssuerUserID: "teacher-1", RecipientUserID: "student-2", AwardID: pooled.Award.ID}
	_, err = f.svc.Issue(ctx, req)
	if !errors.Is(err, award.ErrReserved) || !apperr.Retryable(err) {
		t.Fatalf("expected a retryable reservation conflict, got %v", err)
	}
	if _, err := f.svc.Issue(ctx, req); apperr.KindOf(err) != apperr.KindReserved {
		t.Fatalf("retry while the award is still held should be refused again, got %v", err)
	}

	if err := f.awards.Release(ctx, pooled.Award.ID, "req-holder"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err := f.svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("retry after release: %v", err)
	}
	if !res.Award.Assigned() || *res.Award.OwnerWalletID != f.walletOf(t, "student-2").ID {
		t.Fatalf("award should go to student-2: %+v", res.Award)
	}
	if res.Transaction.Status != ledger.StatusConfirmed || res.Transaction.Attempt != 3 {
		t.Fatalf("expected the third attempt to confirm, got %+v", res.Transaction)
	}
}

func TestMinedMintWithUnreadableResultIsNotResubmitted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := Request{RequestID: "req-unreadable", IssuerUserID: "teacher-1", RecipientUserID: "student-1", Metadata: mathExcellence(), UseChain: true}

	f.gateway.setMinedError(errors.New("mint receipt carries no Transfer event"))
	res, err := f.svc.Issue(ctx, req)
	if apperr.KindOf(err) != apperr.KindConfirmationTimeout || res.TxRef == "" {
		t.Fatalf("expected an unresolved outcome with a tx ref, got %+v err=%v", res, err)
	}
	rec, err := f.ledger.Get(ctx, req.RequestID)
	if err != nil || !rec.TimedOut() || rec.Resubmittable() {
		t.Fatalf("attempt should wait for reconciliation: %+v err=%v", rec, err)
	}
	f.gateway.setMinedError(nil)

	again, err := f.svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.Replayed || !again.Award.Assigned() || again.TxRef != res.TxRef {
		t.Fatalf("retry should settle the mined transaction: %+v", again)
	}
	if mints, _ := f.gateway.counts(); mints != 1 {
		t.Fatalf("retry must not mint again, got %d mints", mints)
	}
}

func TestNotOwnerIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pooled, err := f.svc.CreatePooledAward(ctx, PoolRequest{IssuerUserID: "teacher-1", Metadata: *mathExcellence(), UseChain: true})
	if err != nil {
		t.Fatalf("create pooled award: %v", err)
	}
	f.gateway.mu.Lock()
	for k := range f.gateway.owners {
		f.gateway.owners[k] = common.HexToAddress("0x000000000000000000000000000000000000dead")
	}
	f.gateway.mu.Unlock()

	req := Request{RequestID: "req-moved", IssuerUserID: "teacher-1", RecipientUserID: "student-1", AwardID: pooled.Award.ID}
	if _, err := f.svc.Issue(ctx, req); !errors.Is(err, chain.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := f.svc.Issue(ctx, req); !errors.Is(err, chain.ErrNotOwner) {
		t.Fatalf("not-owner failures should surface again without resubmitting, got %v", err)
	}
	if _, transfers := f.gateway.counts(); transfers != 0 {
		t.Fatalf("no transfer should be submitted, got %d", transfers)
	}
}
