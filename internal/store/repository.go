/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access operations the deposit-service needs over the deposit_records
 * collection. Defining an interface decouples the ledger's business logic
 * from PostgreSQL and lets tests substitute lightweight stubs.
 *
 * All mutating methods are version-conditional: callers pass the version of
 * the record they read, and the store refuses to commit on top of a newer
 * write (ErrVersionConflict). This is what keeps an interactive withdrawal
 * and the settlement sweep from both acting on the same stale principal.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Record identifiers.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pennybot/deposit-service/internal/domain"
)

var (
	ErrRecordNotFound  = errors.New("deposit record not found")
	ErrVersionConflict = errors.New("deposit record was modified concurrently")
)

// DemandDeduction describes one greedy consumption step against a demand
// record: either the record is removed outright or its principal is reduced
// by Amount. Record holds the pre-deduction snapshot so a failed cash credit
// can be compensated.
type DemandDeduction struct {
	Record domain.DepositRecord
	Amount float64
	Remove bool
}

// Repository defines the set of methods for interacting with the
// deposit-record store.
type Repository interface {
	// Record lifecycle
	CreateRecord(ctx context.Context, rec *domain.DepositRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*domain.DepositRecord, error)
	// UpdateRecord persists all mutable fields of rec if and only if the
	// stored version still equals expectedVersion. Bumps rec.Version on success.
	UpdateRecord(ctx context.Context, rec *domain.DepositRecord, expectedVersion int64) error

	// Read paths
	// ListRecords returns every record for the (userID, currency) pair.
	ListRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error)
	// ListDemandRecords returns demand records ordered by next_settlement_at
	// ascending (oldest maturing first). This ordering is a user-visible
	// fairness contract for all demand consumption.
	ListDemandRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error)
	// ListDueRecords returns all records across all users whose
	// next_settlement_at is on or before asOf.
	ListDueRecords(ctx context.Context, asOf time.Time) ([]domain.DepositRecord, error)
	// ListAllDemandRecords returns every demand record in the store.
	ListAllDemandRecords(ctx context.Context) ([]domain.DepositRecord, error)

	// Atomic multi-record mutations
	// ApplyDemandDeductions applies every deduction in one transaction, or
	// none of them. Each step is version-conditional.
	ApplyDemandDeductions(ctx context.Context, deductions []DemandDeduction) error
	// RestoreDemandDeductions compensates a previously applied deduction set
	// after a downstream failure: removed records are reinserted, reduced
	// records are credited back.
	RestoreDemandDeductions(ctx context.Context, deductions []DemandDeduction) error
	// ConvertRecord atomically deletes the record identified by oldID (at
	// expectedVersion) and inserts replacement. A nil replacement deletes only.
	ConvertRecord(ctx context.Context, oldID uuid.UUID, expectedVersion int64, replacement *domain.DepositRecord) error
	// ReplaceDemandGroup atomically deletes all records in olds (each at its
	// snapshot version) and inserts merged in their place.
	ReplaceDemandGroup(ctx context.Context, olds []domain.DepositRecord, merged *domain.DepositRecord) error
}
