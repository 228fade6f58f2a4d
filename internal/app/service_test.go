package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/domain"
	"github.com/pennybot/deposit-service/internal/store"
)

func demandRecord(userID, currency string, principal float64, maturity time.Time) domain.DepositRecord {
	return domain.DepositRecord{
		ID:               uuid.New(),
		UserID:           userID,
		Currency:         currency,
		Principal:        principal,
		Kind:             domain.KindDemand,
		Rate:             0.25,
		Cycle:            domain.CycleDay,
		NextSettlementAt: maturity,
		Version:          1,
	}
}

func TestDeposit_MovesCashIntoDemandRecord(t *testing.T) {
	repo := newMemRepo()
	cash := newStubCash("u1", "GLD", 100)
	svc := newTestService(repo, cash)

	res, err := svc.Deposit(context.Background(), "u1", "GLD", 40)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.NewCash != 60 {
		t.Fatalf("expected cash 60, got %f", res.NewCash)
	}
	if res.Balance.Demand != 40 || res.Balance.Fixed != 0 || res.Balance.Total != 40 {
		t.Fatalf("unexpected balance %+v", res.Balance)
	}
	if len(repo.records) != 1 {
		t.Fatalf("expected one record, got %d", len(repo.records))
	}

	rec := repo.records[0]
	if rec.Kind != domain.KindDemand || rec.Principal != 40 {
		t.Fatalf("unexpected record %+v", rec)
	}
	// T+1 grace: one day after today's midnight, plus one full cycle.
	want := time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC)
	if !rec.NextSettlementAt.Equal(want) {
		t.Fatalf("expected first maturity %v, got %v", want, rec.NextSettlementAt)
	}
}

func TestDeposit_RejectsNonPositiveAmounts(t *testing.T) {
	for _, amount := range []float64{0, -5} {
		repo := newMemRepo()
		cash := newStubCash("u1", "GLD", 100)
		svc := newTestService(repo, cash)

		_, err := svc.Deposit(context.Background(), "u1", "GLD", amount)
		if kindOf(err) != ErrInvalidAmount {
			t.Fatalf("amount %f: expected invalid_amount, got %v", amount, err)
		}
		if len(repo.records) != 0 || len(cash.adjustCalls) != 0 {
			t.Fatalf("amount %f: expected no persisted change", amount)
		}
	}
}

func TestDeposit_InsufficientCash(t *testing.T) {
	repo := newMemRepo()
	cash := newStubCash("u1", "GLD", 30)
	svc := newTestService(repo, cash)

	_, err := svc.Deposit(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatal("expected no record to be created")
	}
}

func TestDeposit_CreatesMissingCashAccount(t *testing.T) {
	repo := newMemRepo()
	cash := newStubCash("u1", "GLD", 0)
	cash.missing = true
	svc := newTestService(repo, cash)

	_, err := svc.Deposit(context.Background(), "u1", "GLD", 40)
	if !cash.ensureCalled {
		t.Fatal("expected the cash account to be provisioned")
	}
	// A freshly created account has no funds to deposit.
	if kindOf(err) != ErrInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
}

func TestDeposit_AccountCreationFailureAborts(t *testing.T) {
	repo := newMemRepo()
	cash := newStubCash("u1", "GLD", 0)
	cash.missing = true
	cash.ensureErr = errors.New("cash service down")
	svc := newTestService(repo, cash)

	_, err := svc.Deposit(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrAccountUnavailable {
		t.Fatalf("expected account_unavailable, got %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatal("expected no record to be created")
	}
}

func TestDeposit_RefundsCashWhenRecordCreationFails(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = errors.New("insert failed")
	cash := newStubCash("u1", "GLD", 100)
	svc := newTestService(repo, cash)

	_, err := svc.Deposit(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrPersistenceFailure {
		t.Fatalf("expected persistence_failure, got %v", err)
	}
	if got := cash.balances["u1/GLD"]; got != 100 {
		t.Fatalf("expected the debit to be refunded, cash is %f", got)
	}
	if len(cash.adjustCalls) != 2 {
		t.Fatalf("expected debit then refund, got %v", cash.adjustCalls)
	}
}

func TestDeposit_ReportsFailureEvenWhenRefundFails(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = errors.New("insert failed")
	cash := newStubCash("u1", "GLD", 100)
	// The debit goes through, then the cash service dies: the compensating
	// credit fails too and can only be logged.
	cash.adjustErr = errors.New("cash service down")
	cash.failCreditOnly = true
	svc := newTestService(repo, cash)

	_, err := svc.Deposit(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrPersistenceFailure {
		t.Fatalf("expected persistence_failure, got %v", err)
	}
	if len(cash.adjustCalls) != 2 {
		t.Fatalf("expected the refund to be attempted, got %v", cash.adjustCalls)
	}
	if got := cash.balances["u1/GLD"]; got != 60 {
		t.Fatalf("expected the failed refund to leave cash debited at 60, got %f", got)
	}
	if len(repo.records) != 0 {
		t.Fatal("expected no record to be created")
	}
}

func TestWithdraw_ConsumesOldestMaturingFirst(t *testing.T) {
	repo := newMemRepo()
	day := func(d int) time.Time { return time.Date(2026, time.March, d, 0, 0, 0, 0, time.UTC) }
	oldest := demandRecord("u1", "GLD", 30, day(16))
	middle := demandRecord("u1", "GLD", 50, day(18))
	newest := demandRecord("u1", "GLD", 20, day(20))
	// Insert out of order; the store orders by maturity.
	repo.records = []domain.DepositRecord{newest, oldest, middle}

	cash := newStubCash("u1", "GLD", 0)
	svc := newTestService(repo, cash)

	res, err := svc.Withdraw(context.Background(), "u1", "GLD", 40)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.NewCash != 40 {
		t.Fatalf("expected cash 40, got %f", res.NewCash)
	}
	if res.Balance.Demand != 60 {
		t.Fatalf("expected remaining demand 60, got %f", res.Balance.Demand)
	}

	if _, err := repo.GetRecord(context.Background(), oldest.ID); err == nil {
		t.Fatal("expected the oldest record to be fully consumed")
	}
	mid, err := repo.GetRecord(context.Background(), middle.ID)
	if err != nil {
		t.Fatalf("expected the middle record to survive: %v", err)
	}
	if mid.Principal != 40 {
		t.Fatalf("expected middle principal 40, got %f", mid.Principal)
	}
	newRec, err := repo.GetRecord(context.Background(), newest.ID)
	if err != nil || newRec.Principal != 20 {
		t.Fatalf("expected newest record untouched, got %+v (%v)", newRec, err)
	}
}

func TestWithdraw_InsufficientDemandFunds(t *testing.T) {
	repo := newMemRepo()
	repo.records = []domain.DepositRecord{demandRecord("u1", "GLD", 25, testNow)}
	cash := newStubCash("u1", "GLD", 1000) // plenty of cash must not help
	svc := newTestService(repo, cash)

	_, err := svc.Withdraw(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrInsufficientDemandFunds {
		t.Fatalf("expected insufficient_demand_funds, got %v", err)
	}
	if repo.applyCalls != 0 {
		t.Fatal("expected no deduction attempt")
	}
}

// contestedDemandRepo lets a settlement write land between a withdrawal's
// read of the demand records and its deduction attempt.
type contestedDemandRepo struct {
	*memRepo
}

func (r *contestedDemandRepo) ListDemandRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error) {
	records, err := r.memRepo.ListDemandRecords(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	for i := range r.records {
		r.records[i].Version++
	}
	return records, nil
}

func TestWithdraw_ConcurrentRecordChangeIsARetryableConflict(t *testing.T) {
	inner := newMemRepo()
	inner.records = []domain.DepositRecord{demandRecord("u1", "GLD", 100, testNow)}
	repo := &contestedDemandRepo{memRepo: inner}
	cash := newStubCash("u1", "GLD", 0)
	svc := newTestService(repo, cash)

	_, err := svc.Withdraw(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrPersistenceFailure {
		t.Fatalf("expected persistence_failure, got %v", err)
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected the version conflict to be preserved for retry logic, got %v", err)
	}

	// The whole deduction set rolls back: no cash moved, principal intact,
	// nothing to compensate.
	if len(cash.adjustCalls) != 0 {
		t.Fatalf("expected no cash mutation, got %v", cash.adjustCalls)
	}
	if inner.restoreCalls != 0 {
		t.Fatal("expected no compensation after an atomic refusal")
	}
	if inner.records[0].Principal != 100 {
		t.Fatalf("expected principal untouched, got %f", inner.records[0].Principal)
	}
}

func TestWithdraw_RestoresRecordsWhenCashCreditFails(t *testing.T) {
	repo := newMemRepo()
	day16 := time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC)
	repo.records = []domain.DepositRecord{
		demandRecord("u1", "GLD", 30, day16),
		demandRecord("u1", "GLD", 50, day16.AddDate(0, 0, 2)),
	}
	cash := newStubCash("u1", "GLD", 0)
	cash.adjustErr = errors.New("cash service down")
	svc := newTestService(repo, cash)

	_, err := svc.Withdraw(context.Background(), "u1", "GLD", 40)
	if kindOf(err) != ErrAccountUnavailable {
		t.Fatalf("expected account_unavailable, got %v", err)
	}
	if repo.restoreCalls != 1 {
		t.Fatal("expected the deductions to be restored")
	}

	balance, balErr := svc.GetBalance(context.Background(), "u1", "GLD")
	if balErr != nil {
		t.Fatalf("balance read failed: %v", balErr)
	}
	if balance.Demand != 80 {
		t.Fatalf("expected demand restored to 80, got %f", balance.Demand)
	}
}

func TestDepositWithdraw_RoundTripConservation(t *testing.T) {
	repo := newMemRepo()
	cash := newStubCash("u1", "GLD", 100)
	svc := newTestService(repo, cash)

	if _, err := svc.Deposit(context.Background(), "u1", "GLD", 55); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	res, err := svc.Withdraw(context.Background(), "u1", "GLD", 55)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if res.NewCash != 100 {
		t.Fatalf("expected cash back to 100, got %f", res.NewCash)
	}
	if res.Balance.Total != 0 {
		t.Fatalf("expected empty bank balance, got %+v", res.Balance)
	}
	if len(repo.records) != 0 {
		t.Fatalf("expected no leftover records, got %d", len(repo.records))
	}
}

func TestOpenFixedTerm_FundsCashFirstThenDemand(t *testing.T) {
	repo := newMemRepo()
	repo.records = []domain.DepositRecord{
		demandRecord("u1", "GLD", 120, time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC)),
		demandRecord("u1", "GLD", 80, time.Date(2026, time.March, 18, 0, 0, 0, 0, time.UTC)),
	}
	cash := newStubCash("u1", "GLD", 50)
	svc := newTestService(repo, cash)

	res, err := svc.OpenFixedTerm(context.Background(), "u1", "GLD", 120, domain.FixedTermPlan{Name: "monthly", Rate: 5, Cycle: domain.CycleMonth})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.FromCash != 50 || res.FromDemand != 70 {
		t.Fatalf("expected funding 50 cash / 70 demand, got %f / %f", res.FromCash, res.FromDemand)
	}
	if res.NewCash != 0 {
		t.Fatalf("expected cash exhausted, got %f", res.NewCash)
	}
	if res.Balance.Fixed != 120 || res.Balance.Demand != 130 {
		t.Fatalf("unexpected balance %+v", res.Balance)
	}

	var fixed *domain.DepositRecord
	for i := range repo.records {
		if repo.records[i].Kind == domain.KindFixed {
			fixed = &repo.records[i]
		}
	}
	if fixed == nil {
		t.Fatal("expected a fixed record")
	}
	if fixed.Rate != 5 || fixed.Cycle != domain.CycleMonth || fixed.ExtensionRequested {
		t.Fatalf("unexpected fixed record %+v", fixed)
	}
	// T+1 grace plus a 30-day month cycle.
	want := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC).Add(30 * 24 * time.Hour)
	if !fixed.NextSettlementAt.Equal(want) {
		t.Fatalf("expected maturity %v, got %v", want, fixed.NextSettlementAt)
	}
}

func TestOpenFixedTerm_InsufficientCombinedFunds(t *testing.T) {
	repo := newMemRepo()
	repo.records = []domain.DepositRecord{demandRecord("u1", "GLD", 40, testNow)}
	cash := newStubCash("u1", "GLD", 50)
	svc := newTestService(repo, cash)

	_, err := svc.OpenFixedTerm(context.Background(), "u1", "GLD", 120, domain.FixedTermPlan{Name: "monthly", Rate: 5, Cycle: domain.CycleMonth})
	if kindOf(err) != ErrInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	if len(cash.adjustCalls) != 0 {
		t.Fatal("expected no cash mutation")
	}
	if len(repo.records) != 1 || repo.records[0].Principal != 40 {
		t.Fatal("expected demand records untouched")
	}
}

func TestOpenFixedTerm_CompensatesWhenRecordCreationFails(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = errors.New("insert failed")
	repo.records = []domain.DepositRecord{demandRecord("u1", "GLD", 100, testNow)}
	cash := newStubCash("u1", "GLD", 50)
	svc := newTestService(repo, cash)

	_, err := svc.OpenFixedTerm(context.Background(), "u1", "GLD", 120, domain.FixedTermPlan{Name: "monthly", Rate: 5, Cycle: domain.CycleMonth})
	if kindOf(err) != ErrPersistenceFailure {
		t.Fatalf("expected persistence_failure, got %v", err)
	}
	if got := cash.balances["u1/GLD"]; got != 50 {
		t.Fatalf("expected cash refunded to 50, got %f", got)
	}
	if repo.restoreCalls != 1 {
		t.Fatal("expected demand deductions to be restored")
	}
}

func TestRequestExtension_SetsPendingPlan(t *testing.T) {
	repo := newMemRepo()
	fixed := domain.DepositRecord{
		ID: uuid.New(), UserID: "u1", Currency: "GLD", Principal: 1000,
		Kind: domain.KindFixed, Rate: 5, Cycle: domain.CycleMonth,
		NextSettlementAt: testNow.AddDate(0, 0, 10), Version: 1,
	}
	repo.records = []domain.DepositRecord{fixed}
	svc := newTestService(repo, newStubCash("u1", "GLD", 0))

	plan := domain.FixedTermPlan{Name: "weekly", Rate: 4.35, Cycle: domain.CycleWeek}
	rec, err := svc.RequestExtension(context.Background(), "u1", fixed.ID, plan)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !rec.ExtensionRequested || rec.PendingRate == nil || *rec.PendingRate != 4.35 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.PendingCycle == nil || *rec.PendingCycle != domain.CycleWeek {
		t.Fatalf("expected pending cycle week, got %+v", rec.PendingCycle)
	}
	// Principal and maturity stay untouched until rollover.
	if rec.Principal != 1000 || !rec.NextSettlementAt.Equal(fixed.NextSettlementAt) {
		t.Fatalf("expected principal and maturity unchanged, got %+v", rec)
	}

	// Requesting twice is an invalid state.
	if _, err := svc.RequestExtension(context.Background(), "u1", fixed.ID, plan); kindOf(err) != ErrInvalidState {
		t.Fatalf("expected invalid_state on duplicate request, got %v", err)
	}
}

func TestRequestExtension_RejectsDemandRecordsAndForeignOwners(t *testing.T) {
	repo := newMemRepo()
	demand := demandRecord("u1", "GLD", 100, testNow)
	repo.records = []domain.DepositRecord{demand}
	svc := newTestService(repo, newStubCash("u1", "GLD", 0))
	plan := domain.FixedTermPlan{Name: "weekly", Rate: 4.35, Cycle: domain.CycleWeek}

	if _, err := svc.RequestExtension(context.Background(), "u1", demand.ID, plan); kindOf(err) != ErrInvalidState {
		t.Fatalf("expected invalid_state for demand record, got %v", err)
	}
	// A foreign record id must look exactly like a missing one.
	if _, err := svc.RequestExtension(context.Background(), "u2", demand.ID, plan); kindOf(err) != ErrRecordNotFound {
		t.Fatalf("expected record_not_found for foreign owner, got %v", err)
	}
	if _, err := svc.RequestExtension(context.Background(), "u1", uuid.New(), plan); kindOf(err) != ErrRecordNotFound {
		t.Fatalf("expected record_not_found for unknown id, got %v", err)
	}
}

func TestCancelExtension_ClearsPendingPlan(t *testing.T) {
	repo := newMemRepo()
	rate := 4.35
	cycle := domain.CycleWeek
	fixed := domain.DepositRecord{
		ID: uuid.New(), UserID: "u1", Currency: "GLD", Principal: 1000,
		Kind: domain.KindFixed, Rate: 5, Cycle: domain.CycleMonth,
		NextSettlementAt:   testNow.AddDate(0, 0, 10),
		ExtensionRequested: true, PendingRate: &rate, PendingCycle: &cycle,
		Version: 1,
	}
	repo.records = []domain.DepositRecord{fixed}
	svc := newTestService(repo, newStubCash("u1", "GLD", 0))

	rec, err := svc.CancelExtension(context.Background(), "u1", fixed.ID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if rec.ExtensionRequested || rec.PendingRate != nil || rec.PendingCycle != nil {
		t.Fatalf("expected extension cleared, got %+v", rec)
	}

	if _, err := svc.CancelExtension(context.Background(), "u1", fixed.ID); kindOf(err) != ErrInvalidState {
		t.Fatalf("expected invalid_state when nothing is requested, got %v", err)
	}
}

func TestGetBalance_EmptyLedgerIsZeroNotError(t *testing.T) {
	svc := newTestService(newMemRepo(), newStubCash("u1", "GLD", 0))

	balance, err := svc.GetBalance(context.Background(), "u1", "GLD")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if balance.Total != 0 || balance.Demand != 0 || balance.Fixed != 0 {
		t.Fatalf("expected zero balance, got %+v", balance)
	}
}

func TestGetBalance_TotalIsDemandPlusFixed(t *testing.T) {
	repo := newMemRepo()
	repo.records = []domain.DepositRecord{
		demandRecord("u1", "GLD", 30, testNow),
		demandRecord("u1", "GLD", 20, testNow.AddDate(0, 0, 1)),
		{
			ID: uuid.New(), UserID: "u1", Currency: "GLD", Principal: 500,
			Kind: domain.KindFixed, Rate: 5, Cycle: domain.CycleMonth,
			NextSettlementAt: testNow.AddDate(0, 0, 30), Version: 1,
		},
	}
	svc := newTestService(repo, newStubCash("u1", "GLD", 0))

	balance, err := svc.GetBalance(context.Background(), "u1", "GLD")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if balance.Demand != 50 || balance.Fixed != 500 || balance.Total != 550 {
		t.Fatalf("unexpected balance %+v", balance)
	}
}
