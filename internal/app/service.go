/**
 * @description
 * This file contains the core business logic for the deposit-service. The
 * `Service` struct orchestrates all interactive ledger operations, moving
 * value between the external cash ledger and the two deposit classes while
 * keeping the single most important invariant: cash is never debited or
 * credited without a corresponding, committed record mutation (or a
 * compensating reversal).
 *
 * Key features:
 * - Deposit, withdraw, fixed-term open, extension request/cancel.
 * - Demand consumption always proceeds oldest-maturing first.
 * - Fixed-term funding sources cash first, then demand for the shortfall.
 * - Every failure is translated into the structured OpError taxonomy.
 *
 * @dependencies
 * - context, errors, math, time: Standard Go libraries.
 * - github.com/google/uuid: For record id generation.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/cashclient, pkg/rabbitmq: External cash ledger and event publishing.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/domain"
	"github.com/pennybot/deposit-service/internal/store"
	"github.com/pennybot/deposit-service/pkg/cashclient"
	"github.com/pennybot/deposit-service/pkg/rabbitmq"
)

const LedgerEventExchange = "ledger_events"

// CashLedger is the narrow interface to the external cash subsystem. The
// deposit-service only ever reads a balance, applies a single signed
// adjustment, or asks for a minimal account to exist.
type CashLedger interface {
	GetBalance(ctx context.Context, userID, currency string) (float64, error)
	// Adjust applies delta to the cash balance (negative = debit) and returns
	// the new balance. It must fail rather than allow a negative balance.
	Adjust(ctx context.Context, userID, currency string, delta float64) (float64, error)
	EnsureAccount(ctx context.Context, userID, currency string) error
}

// Service provides the core business logic for the deposit ledger.
type Service struct {
	repo     store.Repository
	cash     CashLedger
	events   rabbitmq.Publisher // may be nil when the broker is unavailable
	exchange string
	demand   domain.DemandPolicy
	plans    []domain.FixedTermPlan
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new deposit ledger service instance.
func NewService(repo store.Repository, cash CashLedger, events rabbitmq.Publisher, demand domain.DemandPolicy, plans []domain.FixedTermPlan, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		cash:     cash,
		events:   events,
		exchange: LedgerEventExchange,
		demand:   demand,
		plans:    plans,
		logger:   logger,
		now:      time.Now,
	}
}

// OperationResult carries the final persisted state back to the caller after
// a successful mutating operation.
type OperationResult struct {
	NewCash    float64            `json:"new_cash"`
	Balance    domain.BankBalance `json:"balance"`
	FromCash   float64            `json:"from_cash,omitempty"`
	FromDemand float64            `json:"from_demand,omitempty"`
}

// Plans returns the ordered fixed-term plan catalog.
func (s *Service) Plans() []domain.FixedTermPlan {
	return s.plans
}

// GetBalance computes the derived balance view for one (user, currency) pair.
// A user with no records gets a zero balance, not an error.
func (s *Service) GetBalance(ctx context.Context, userID, currency string) (domain.BankBalance, error) {
	records, err := s.repo.ListRecords(ctx, userID, currency)
	if err != nil {
		return domain.BankBalance{}, wrapErr(ErrPersistenceFailure, "failed to read deposit records", err)
	}
	var balance domain.BankBalance
	for _, rec := range records {
		switch rec.Kind {
		case domain.KindFixed:
			balance.Fixed += rec.Principal
		default:
			balance.Demand += rec.Principal
		}
	}
	balance.Total = balance.Demand + balance.Fixed
	return balance, nil
}

// ListRecords returns the user's deposit records for presentation purposes.
func (s *Service) ListRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error) {
	records, err := s.repo.ListRecords(ctx, userID, currency)
	if err != nil {
		return nil, wrapErr(ErrPersistenceFailure, "failed to read deposit records", err)
	}
	return records, nil
}

func validAmount(amount float64) bool {
	return amount > 0 && !math.IsNaN(amount) && !math.IsInf(amount, 0)
}

// Deposit moves amount from the user's cash balance into a new demand record.
func (s *Service) Deposit(ctx context.Context, userID, currency string, amount float64) (*OperationResult, error) {
	if !validAmount(amount) {
		return nil, opErr(ErrInvalidAmount, "deposit amount must be a positive number")
	}

	cash, err := s.cash.GetBalance(ctx, userID, currency)
	if err != nil {
		if !errors.Is(err, cashclient.ErrAccountNotFound) {
			return nil, wrapErr(ErrAccountUnavailable, "failed to read cash balance", err)
		}
		// First contact with the bank: try to open a minimal cash account.
		if ensureErr := s.cash.EnsureAccount(ctx, userID, currency); ensureErr != nil {
			return nil, wrapErr(ErrAccountUnavailable, "failed to create cash account", ensureErr)
		}
		cash = 0
	}
	if cash < amount {
		return nil, opErr(ErrInsufficientFunds, "cash balance is lower than the deposit amount")
	}

	newCash, err := s.cash.Adjust(ctx, userID, currency, -amount)
	if err != nil {
		if errors.Is(err, cashclient.ErrInsufficientCash) {
			return nil, wrapErr(ErrInsufficientFunds, "cash balance is lower than the deposit amount", err)
		}
		return nil, wrapErr(ErrAccountUnavailable, "failed to debit cash balance", err)
	}

	rec := s.newDemandRecord(userID, currency, amount)
	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		// The cash side is already debited; the record and the cash ledger
		// live in different systems, so compensate before reporting failure.
		if refunded, refundErr := s.cash.Adjust(ctx, userID, currency, amount); refundErr != nil {
			s.logger.Error("deposit compensation failed; cash debited without record",
				"user_id", userID, "currency", currency, "amount", amount, "error", refundErr)
		} else {
			newCash = refunded
		}
		return nil, wrapErr(ErrPersistenceFailure, "failed to persist deposit record", err)
	}

	balance, err := s.GetBalance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	s.publishOperation(ctx, userID, currency, "deposit", amount, newCash, balance)
	return &OperationResult{NewCash: newCash, Balance: balance}, nil
}

// Withdraw moves amount from demand records back into the user's cash
// balance, consuming the oldest-maturing records first.
func (s *Service) Withdraw(ctx context.Context, userID, currency string, amount float64) (*OperationResult, error) {
	if !validAmount(amount) {
		return nil, opErr(ErrInvalidAmount, "withdrawal amount must be a positive number")
	}

	records, err := s.repo.ListDemandRecords(ctx, userID, currency)
	if err != nil {
		return nil, wrapErr(ErrPersistenceFailure, "failed to read demand records", err)
	}
	deductions, err := planDemandDeductions(records, amount)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ApplyDemandDeductions(ctx, deductions); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, wrapErr(ErrPersistenceFailure, "deposit records changed concurrently, please retry", err)
		}
		return nil, wrapErr(ErrPersistenceFailure, "failed to apply withdrawal", err)
	}

	newCash, err := s.cash.Adjust(ctx, userID, currency, amount)
	if err != nil {
		// Principal is already deducted; put it back before reporting failure.
		if restoreErr := s.repo.RestoreDemandDeductions(ctx, deductions); restoreErr != nil {
			s.logger.Error("withdrawal compensation failed; principal deducted without cash credit",
				"user_id", userID, "currency", currency, "amount", amount, "error", restoreErr)
		}
		return nil, wrapErr(ErrAccountUnavailable, "failed to credit cash balance", err)
	}

	balance, err := s.GetBalance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	s.publishOperation(ctx, userID, currency, "withdrawal", amount, newCash, balance)
	return &OperationResult{NewCash: newCash, Balance: balance}, nil
}

// OpenFixedTerm locks amount into a new fixed-term record under the given
// plan, funding it from cash first and demand deposits for the shortfall.
func (s *Service) OpenFixedTerm(ctx context.Context, userID, currency string, amount float64, plan domain.FixedTermPlan) (*OperationResult, error) {
	if !validAmount(amount) {
		return nil, opErr(ErrInvalidAmount, "fixed-term amount must be a positive number")
	}
	if plan.Rate <= 0 || !plan.Cycle.Valid() {
		return nil, opErr(ErrInvalidState, "fixed-term plan is not valid")
	}

	cash, err := s.cash.GetBalance(ctx, userID, currency)
	if err != nil {
		if !errors.Is(err, cashclient.ErrAccountNotFound) {
			return nil, wrapErr(ErrAccountUnavailable, "failed to read cash balance", err)
		}
		cash = 0
	}

	records, err := s.repo.ListDemandRecords(ctx, userID, currency)
	if err != nil {
		return nil, wrapErr(ErrPersistenceFailure, "failed to read demand records", err)
	}
	var demandTotal float64
	for _, rec := range records {
		demandTotal += rec.Principal
	}
	if cash+demandTotal < amount {
		return nil, opErr(ErrInsufficientFunds, "cash and demand deposits together cannot fund this amount")
	}

	fromCash := math.Min(cash, amount)
	fromDemand := amount - fromCash

	newCash := cash
	if fromCash > 0 {
		newCash, err = s.cash.Adjust(ctx, userID, currency, -fromCash)
		if err != nil {
			if errors.Is(err, cashclient.ErrInsufficientCash) {
				return nil, wrapErr(ErrInsufficientFunds, "cash balance changed while opening the fixed term", err)
			}
			return nil, wrapErr(ErrAccountUnavailable, "failed to debit cash balance", err)
		}
	}

	var deductions []store.DemandDeduction
	if fromDemand > 0 {
		deductions, err = planDemandDeductions(records, fromDemand)
		if err == nil {
			err = s.repo.ApplyDemandDeductions(ctx, deductions)
		}
		if err != nil {
			s.refundCash(ctx, userID, currency, fromCash)
			if errors.Is(err, store.ErrVersionConflict) {
				return nil, wrapErr(ErrPersistenceFailure, "deposit records changed concurrently, please retry", err)
			}
			if oe, ok := err.(*OpError); ok {
				return nil, oe
			}
			return nil, wrapErr(ErrPersistenceFailure, "failed to fund fixed term from demand deposits", err)
		}
	}

	rec := &domain.DepositRecord{
		ID:               uuid.New(),
		UserID:           userID,
		Currency:         currency,
		Principal:        amount,
		Kind:             domain.KindFixed,
		Rate:             plan.Rate,
		Cycle:            plan.Cycle,
		NextSettlementAt: domain.FirstSettlementAt(s.now(), plan.Cycle),
	}
	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		if restoreErr := s.repo.RestoreDemandDeductions(ctx, deductions); restoreErr != nil {
			s.logger.Error("fixed-term compensation failed; demand principal not restored",
				"user_id", userID, "currency", currency, "amount", fromDemand, "error", restoreErr)
		}
		s.refundCash(ctx, userID, currency, fromCash)
		return nil, wrapErr(ErrPersistenceFailure, "failed to persist fixed-term record", err)
	}

	balance, err := s.GetBalance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	s.publishOperation(ctx, userID, currency, "fixed_term_open", amount, newCash, balance)
	return &OperationResult{NewCash: newCash, Balance: balance, FromCash: fromCash, FromDemand: fromDemand}, nil
}

// RequestExtension marks a fixed-term record for rollover under a new plan at
// its next maturity. Principal and maturity date are untouched until then.
func (s *Service) RequestExtension(ctx context.Context, userID string, recordID uuid.UUID, plan domain.FixedTermPlan) (*domain.DepositRecord, error) {
	if plan.Rate <= 0 || !plan.Cycle.Valid() {
		return nil, opErr(ErrInvalidState, "fixed-term plan is not valid")
	}
	rec, err := s.ownedRecord(ctx, userID, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != domain.KindFixed {
		return nil, opErr(ErrInvalidState, "extensions apply to fixed-term records only")
	}
	if rec.ExtensionRequested {
		return nil, opErr(ErrInvalidState, "an extension is already requested for this record")
	}

	rec.ExtensionRequested = true
	rate := plan.Rate
	cycle := plan.Cycle
	rec.PendingRate = &rate
	rec.PendingCycle = &cycle
	if err := s.updateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CancelExtension clears a previously requested extension. The record will
// convert to demand at maturity under the default rollover rules.
func (s *Service) CancelExtension(ctx context.Context, userID string, recordID uuid.UUID) (*domain.DepositRecord, error) {
	rec, err := s.ownedRecord(ctx, userID, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != domain.KindFixed || !rec.ExtensionRequested {
		return nil, opErr(ErrInvalidState, "no extension is requested for this record")
	}

	rec.ExtensionRequested = false
	rec.PendingRate = nil
	rec.PendingCycle = nil
	if err := s.updateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) ownedRecord(ctx context.Context, userID string, recordID uuid.UUID) (*domain.DepositRecord, error) {
	rec, err := s.repo.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, opErr(ErrRecordNotFound, "deposit record not found")
		}
		return nil, wrapErr(ErrPersistenceFailure, "failed to read deposit record", err)
	}
	// Ownership is part of the not-found contract: a foreign record id must
	// be indistinguishable from a missing one.
	if rec.UserID != userID {
		return nil, opErr(ErrRecordNotFound, "deposit record not found")
	}
	return rec, nil
}

func (s *Service) updateRecord(ctx context.Context, rec *domain.DepositRecord) error {
	if err := s.repo.UpdateRecord(ctx, rec, rec.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return wrapErr(ErrPersistenceFailure, "deposit record changed concurrently, please retry", err)
		}
		if errors.Is(err, store.ErrRecordNotFound) {
			return opErr(ErrRecordNotFound, "deposit record not found")
		}
		return wrapErr(ErrPersistenceFailure, "failed to update deposit record", err)
	}
	return nil
}

func (s *Service) newDemandRecord(userID, currency string, principal float64) *domain.DepositRecord {
	rate := 0.0
	if s.demand.Enabled {
		rate = s.demand.Rate
	}
	cycle := s.demand.Cycle
	if !cycle.Valid() {
		cycle = domain.CycleDay
	}
	return &domain.DepositRecord{
		ID:               uuid.New(),
		UserID:           userID,
		Currency:         currency,
		Principal:        principal,
		Kind:             domain.KindDemand,
		Rate:             rate,
		Cycle:            cycle,
		NextSettlementAt: domain.FirstSettlementAt(s.now(), cycle),
	}
}

func (s *Service) refundCash(ctx context.Context, userID, currency string, amount float64) {
	if amount <= 0 {
		return
	}
	if _, err := s.cash.Adjust(ctx, userID, currency, amount); err != nil {
		s.logger.Error("cash refund failed during compensation",
			"user_id", userID, "currency", currency, "amount", amount, "error", err)
	}
}

func (s *Service) publishOperation(ctx context.Context, userID, currency, operation string, amount, newCash float64, balance domain.BankBalance) {
	if s.events == nil {
		return
	}
	event := domain.LedgerOperationEvent{
		UserID:     userID,
		Currency:   currency,
		Operation:  operation,
		Amount:     amount,
		NewCash:    newCash,
		Balance:    balance,
		OccurredAt: s.now(),
	}
	if err := s.events.Publish(ctx, s.exchange, "ledger."+operation, event); err != nil {
		s.logger.Warn("failed to publish ledger event", "operation", operation, "error", err)
	}
}

// planDemandDeductions walks demand records in their stored order (oldest
// maturing first) and consumes them greedily until amount is covered.
func planDemandDeductions(records []domain.DepositRecord, amount float64) ([]store.DemandDeduction, error) {
	var total float64
	for _, rec := range records {
		total += rec.Principal
	}
	if total < amount {
		return nil, opErr(ErrInsufficientDemandFunds, "demand deposits are lower than the requested amount")
	}

	var deductions []store.DemandDeduction
	remaining := amount
	for _, rec := range records {
		if remaining <= 0 {
			break
		}
		if rec.Principal <= remaining {
			deductions = append(deductions, store.DemandDeduction{Record: rec, Amount: rec.Principal, Remove: true})
			remaining -= rec.Principal
		} else {
			deductions = append(deductions, store.DemandDeduction{Record: rec, Amount: remaining})
			remaining = 0
		}
	}
	return deductions, nil
}
